// Package gittest provides an in-memory, scripted gitcmd.Runner so that
// cache, resolver and graph logic can be tested deterministically without
// real repositories or subprocesses.
package gittest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"graft.software/graft/internal/gitcmd"
)

// Repo scripts the state of one remote repository. Tag and branch values are
// commit SHAs; Files maps a commit SHA to the tree materialized when a
// worktree for it is added.
type Repo struct {
	DefaultBranch string
	Branches      map[string]string
	Tags          map[string]string
	Commits       []string
	Files         map[string]map[string]string
}

// Call records one git invocation.
type Call struct {
	Dir  string
	Args []string
}

// Runner is a scripted gitcmd.Runner. Configure remotes with AddRepo before
// use; all methods are safe for concurrent use.
type Runner struct {
	// FailWorktreeAdds makes the next n worktree-add invocations fail, to
	// exercise the prune-and-retry path.
	FailWorktreeAdds int

	mu     sync.Mutex
	repos  map[string]*Repo
	clones map[string]string
	calls  []Call
}

func New() *Runner {
	return &Runner{
		repos:  make(map[string]*Repo),
		clones: make(map[string]string),
	}
}

func (r *Runner) AddRepo(remote string, repo *Repo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[remote] = repo
}

// Calls returns how many recorded invocations started with the given
// subcommand, e.g. "fetch" or "clone".
func (r *Runner) Calls(subcommand string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if len(c.Args) > 0 && c.Args[0] == subcommand {
			n++
		}
	}
	return n
}

func (r *Runner) Run(_ context.Context, dir string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Dir: dir, Args: args})

	if len(args) == 0 {
		return nil, r.fail(dir, args, "no arguments")
	}
	switch args[0] {
	case "clone":
		return r.clone(dir, args)
	case "fetch":
		if _, ok := r.clones[dir]; !ok {
			return nil, r.fail(dir, args, "not a git repository")
		}
		return nil, nil
	case "for-each-ref":
		return r.forEachRef(dir, args)
	case "symbolic-ref":
		repo, err := r.repoFor(dir, args)
		if err != nil {
			return nil, err
		}
		if repo.DefaultBranch == "" {
			return nil, r.fail(dir, args, "ref refs/remotes/origin/HEAD is not a symbolic ref")
		}
		return []byte(repo.DefaultBranch), nil
	case "rev-parse":
		return r.revParse(dir, args)
	case "worktree":
		return r.worktree(dir, args)
	}
	return nil, r.fail(dir, args, "unsupported operation")
}

func (r *Runner) fail(dir string, args []string, msg string) error {
	return &gitcmd.Error{Args: args, Dir: dir, Output: "fatal: " + msg, Err: fmt.Errorf("exit status 128")}
}

func (r *Runner) repoFor(dir string, args []string) (*Repo, error) {
	remote, ok := r.clones[dir]
	if !ok {
		return nil, r.fail(dir, args, "not a git repository")
	}
	return r.repos[remote], nil
}

func (r *Runner) clone(dir string, args []string) ([]byte, error) {
	// clone --mirror <remote> <dest>
	if len(args) != 4 || args[1] != "--mirror" {
		return nil, r.fail(dir, args, "unsupported clone invocation")
	}
	remote, dest := args[2], args[3]
	if _, ok := r.repos[remote]; !ok {
		return nil, r.fail(dir, args, fmt.Sprintf("repository '%s' not found", remote))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	r.clones[dest] = remote
	return nil, nil
}

func (r *Runner) forEachRef(dir string, args []string) ([]byte, error) {
	repo, err := r.repoFor(dir, args)
	if err != nil {
		return nil, err
	}
	var lines []string
	for name, sha := range repo.Branches {
		lines = append(lines, fmt.Sprintf("refs/heads/%s\x00%s\x00", name, sha))
	}
	for name, sha := range repo.Tags {
		lines = append(lines, fmt.Sprintf("refs/tags/%s\x00%s\x00", name, sha))
	}
	return []byte(strings.Join(lines, "\n")), nil
}

func (r *Runner) revParse(dir string, args []string) ([]byte, error) {
	repo, err := r.repoFor(dir, args)
	if err != nil {
		return nil, err
	}
	// rev-parse --verify <prefix>^{commit}
	prefix := strings.TrimSuffix(args[len(args)-1], "^{commit}")
	matches := make(map[string]struct{})
	for _, sha := range r.knownCommits(repo) {
		if strings.HasPrefix(sha, prefix) {
			matches[sha] = struct{}{}
		}
	}
	switch len(matches) {
	case 0:
		return nil, r.fail(dir, args, "needed a single revision")
	case 1:
		for sha := range matches {
			return []byte(sha), nil
		}
	}
	return nil, r.fail(dir, args, fmt.Sprintf("short object ID %s is ambiguous", prefix))
}

func (r *Runner) knownCommits(repo *Repo) []string {
	var shas []string
	shas = append(shas, repo.Commits...)
	for _, sha := range repo.Branches {
		shas = append(shas, sha)
	}
	for _, sha := range repo.Tags {
		shas = append(shas, sha)
	}
	return shas
}

func (r *Runner) worktree(dir string, args []string) ([]byte, error) {
	repo, err := r.repoFor(dir, args)
	if err != nil {
		return nil, err
	}
	switch args[1] {
	case "prune":
		return nil, nil
	case "add":
		// worktree add --detach <dest> <sha>
		if len(args) != 5 || args[2] != "--detach" {
			return nil, r.fail(dir, args, "unsupported worktree invocation")
		}
		dest, sha := args[3], args[4]
		if r.FailWorktreeAdds > 0 {
			r.FailWorktreeAdds--
			return nil, r.fail(dir, args, "could not create directory")
		}
		known := false
		for _, s := range r.knownCommits(repo) {
			if s == sha {
				known = true
				break
			}
		}
		if !known {
			return nil, r.fail(dir, args, fmt.Sprintf("invalid reference: %s", sha))
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dest, ".git"), []byte("gitdir: "+dir), 0o644); err != nil {
			return nil, err
		}
		for rel, content := range repo.Files[sha] {
			path := filepath.Join(dest, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, r.fail(dir, args, "unsupported worktree operation")
}
