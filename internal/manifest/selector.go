package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SelectorKind enumerates the ways a dependency pins its version.
type SelectorKind string

const (
	SelectorCommit SelectorKind = "commit"
	SelectorBranch SelectorKind = "branch"
	SelectorTag    SelectorKind = "tag"
	SelectorRange  SelectorKind = "range"
	SelectorLatest SelectorKind = "latest"
	SelectorAny    SelectorKind = "any"
)

// Selector is a parsed version selector. Immutable after parse; the zero
// value is not valid, use ParseSelector.
type Selector struct {
	Kind  SelectorKind
	Value string
}

// String returns the canonical form used for deduplication keys and for the
// lockfile's requested-selector field.
func (s Selector) String() string {
	switch s.Kind {
	case SelectorLatest, SelectorAny:
		return string(s.Kind)
	default:
		return fmt.Sprintf("%s:%s", s.Kind, s.Value)
	}
}

// IsSpecific reports whether the selector names a concrete version
// requirement. Latest and Any defer to whatever another requester asks for
// during conflict resolution.
func (s Selector) IsSpecific() bool {
	return s.Kind != SelectorLatest && s.Kind != SelectorAny
}

var (
	commitRe = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)
	// A bare version literal: optional leading v, dotted numerics, optional
	// prerelease/build metadata. Anything else with digits is a range.
	versionLiteralRe = regexp.MustCompile(`^v?\d+(\.\d+){0,2}(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// ParseSelector derives the selector from the three manifest fields.
// Priority when several are set: rev > branch > version.
func ParseSelector(rev, branch, version string) (Selector, error) {
	switch {
	case rev != "":
		if !commitRe.MatchString(rev) {
			return Selector{}, fmt.Errorf("rev %q is not a commit SHA or SHA prefix", rev)
		}
		return Selector{Kind: SelectorCommit, Value: strings.ToLower(rev)}, nil
	case branch != "":
		return Selector{Kind: SelectorBranch, Value: branch}, nil
	}
	return parseVersionString(version)
}

// parseVersionString implements the version-string grammar: "latest" selects
// the newest stable tag, empty or "*" accepts anything, a bare version
// literal is an exact tag, and operator-bearing expressions are semver
// ranges.
func parseVersionString(version string) (Selector, error) {
	v := strings.TrimSpace(version)
	switch v {
	case "", "*":
		return Selector{Kind: SelectorAny}, nil
	case "latest":
		return Selector{Kind: SelectorLatest}, nil
	}
	if versionLiteralRe.MatchString(v) {
		return Selector{Kind: SelectorTag, Value: v}, nil
	}
	if _, err := semver.NewConstraint(v); err != nil {
		return Selector{}, fmt.Errorf("version %q is neither a tag nor a valid semver constraint: %w", v, err)
	}
	return Selector{Kind: SelectorRange, Value: v}, nil
}
