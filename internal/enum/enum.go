// Package enum provides a pflag.Value restricted to a fixed set of allowed
// string values. The first allowed value is the default.
package enum

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"graft.software/graft/internal/flags"
)

const Type = "enum"

type value struct {
	allowed []string
	current string
}

func (v *value) String() string {
	return v.current
}

func (v *value) Set(s string) error {
	for _, a := range v.allowed {
		if s == a {
			v.current = s
			return nil
		}
	}
	return fmt.Errorf("invalid value %q, must be one of [%s]", s, strings.Join(v.allowed, ", "))
}

func (v *value) Type() string {
	return Type
}

// Var registers an enum flag whose value must be one of allowed. The first
// allowed value is the default.
func Var(f *pflag.FlagSet, name string, allowed []string, usage string) {
	VarP(f, name, "", allowed, usage)
}

// VarP is like Var with a shorthand letter.
func VarP(f *pflag.FlagSet, name, shorthand string, allowed []string, usage string) {
	v := &value{allowed: allowed}
	if len(allowed) > 0 {
		v.current = allowed[0]
	}
	f.VarP(v, name, shorthand, fmt.Sprintf("%s (must be one of [%s])", usage, strings.Join(allowed, ", ")))
}

// Get returns the current value of the named enum flag.
func Get(f *pflag.FlagSet, name string) (string, error) {
	return flags.Get(f, name, Type, func(sval string) (string, error) {
		return sval, nil
	})
}
