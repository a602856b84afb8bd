package lockfile

import (
	"fmt"
	"sort"

	"graft.software/graft/internal/manifest"
)

// Mode selects how thoroughly Check compares lockfile and manifest.
type Mode int

const (
	// ModeStrict reports every divergence between manifest and lockfile.
	ModeStrict Mode = iota
	// ModeFrozen only reports consistency problems (corruption, source
	// drift); ordinary staleness is accepted as-is. Used when absolute
	// reproducibility matters more than freshness.
	ModeFrozen
)

// StaleKind classifies one staleness finding.
type StaleKind string

const (
	// KindDuplicateEntry and KindSourceDrift are consistency problems:
	// fatal in every mode because they indicate corruption or a
	// supply-chain risk rather than ordinary staleness.
	KindDuplicateEntry  StaleKind = "duplicate-entry"
	KindSourceDrift     StaleKind = "source-drift"
	KindMissingEntry    StaleKind = "missing-entry"
	KindSelectorChanged StaleKind = "selector-changed"
	KindPathChanged     StaleKind = "path-changed"
	KindOrphanedEntry   StaleKind = "orphaned-entry"
)

// StaleReason is one finding of Check.
type StaleReason struct {
	Kind   StaleKind
	Detail string
}

func (r StaleReason) String() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

// Consistency reports whether the reason is fatal even in frozen mode.
func (r StaleReason) Consistency() bool {
	return r.Kind == KindDuplicateEntry || r.Kind == KindSourceDrift
}

// Check compares the lockfile against the current manifest without
// re-resolving anything. Consistency checks (duplicates, source URL drift
// under a fixed name) always run; strict mode additionally reports manifest
// dependencies without entries, changed selectors, changed paths and entries
// no longer declared. Remote drift is CheckUpstream's concern.
func Check(m *manifest.Manifest, file *File, mode Mode) []StaleReason {
	var reasons []StaleReason

	seen := make(map[string]struct{}, len(file.Entries))
	direct := make(map[string]*Entry, len(file.Entries))
	for i := range file.Entries {
		entry := &file.Entries[i]
		// Several entries may share (source, path): the manifest can declare
		// one resource under several names. The name disambiguates.
		key := entry.Name + "::" + entry.Source + "::" + entry.Path
		if _, dup := seen[key]; dup {
			reasons = append(reasons, StaleReason{
				Kind:   KindDuplicateEntry,
				Detail: fmt.Sprintf("entry %q for %s::%s appears more than once", entry.Name, entry.Source, entry.Path),
			})
		}
		seen[key] = struct{}{}

		if entry.Source != "" {
			if src, ok := m.Sources[entry.Source]; ok && src.Identity() != entry.URL {
				reasons = append(reasons, StaleReason{
					Kind: KindSourceDrift,
					Detail: fmt.Sprintf("source %q now points at %s but %s was resolved against %s",
						entry.Source, src.Identity(), entry.Name, entry.URL),
				})
			}
		}
		if entry.Direct {
			direct[entry.Name] = entry
		}
	}

	if mode == ModeFrozen {
		return reasons
	}

	for _, name := range m.Order {
		dep := m.Dependencies[name]
		entry, ok := direct[name]
		if !ok {
			reasons = append(reasons, StaleReason{
				Kind:   KindMissingEntry,
				Detail: fmt.Sprintf("dependency %q has no lockfile entry", name),
			})
			continue
		}
		if entry.Selector != dep.Selector.String() {
			reasons = append(reasons, StaleReason{
				Kind:   KindSelectorChanged,
				Detail: fmt.Sprintf("dependency %q now requests %s, locked at %s", name, dep.Selector, entry.Selector),
			})
		}
		if entry.Path != dep.Path {
			reasons = append(reasons, StaleReason{
				Kind:   KindPathChanged,
				Detail: fmt.Sprintf("dependency %q now points at %s, locked at %s", name, dep.Path, entry.Path),
			})
		}
	}

	names := make([]string, 0, len(direct))
	for name := range direct {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := m.Dependencies[name]; !ok {
			reasons = append(reasons, StaleReason{
				Kind:   KindOrphanedEntry,
				Detail: fmt.Sprintf("entry %q is no longer declared in the manifest", name),
			})
		}
	}
	return reasons
}
