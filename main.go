package main

import "graft.software/graft/cmd"

func main() {
	cmd.Execute()
}
