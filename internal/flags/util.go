// Package flags carries the shared pflag plumbing of the CLI: a generic
// typed accessor over a flag set, backing the custom enum and file path flag
// value types.
package flags

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Get reads the named flag and converts its string form through convert. The
// flag must be registered and carry the expected value type; both are
// programmer errors surfaced as plain errors so callers fail loudly.
func Get[T any](fs *pflag.FlagSet, name, wantType string, convert func(string) (T, error)) (T, error) {
	var zero T
	flag := fs.Lookup(name)
	if flag == nil {
		return zero, fmt.Errorf("flag %q is not registered", name)
	}
	if got := flag.Value.Type(); got != wantType {
		return zero, fmt.Errorf("flag %q holds a %s value, not %s", name, got, wantType)
	}
	value, err := convert(flag.Value.String())
	if err != nil {
		return zero, fmt.Errorf("flag %q: %w", name, err)
	}
	return value, nil
}
