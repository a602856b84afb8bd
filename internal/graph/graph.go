// Package graph computes the closed, conflict-free, topologically ordered
// install plan. It orchestrates the whole resolution: direct manifest
// dependencies seed the graph, transitive dependencies declared in resource
// files are discovered to a fixed point, version conflicts are reconciled,
// and the result is ordered dependencies-first.
package graph

import (
	"fmt"
	"strings"

	"graft.software/graft/internal/manifest"
)

// Node is one resource in the dependency graph. Two manifest entries or
// transitive declarations naming the same (source, path) share a node.
type Node struct {
	ID     string
	Type   string
	Name   string
	Source *manifest.Source
	// Path is the source-relative file path or glob of the resource.
	Path string

	// direct marks nodes seeded from the manifest rather than discovered.
	direct bool

	// refs lists the manifest declarations naming this node, one per entry.
	// Declarations sharing a node still install under their own name and
	// target, so the plan emits one resource per ref. Discovered nodes have
	// none.
	refs []resourceRef

	// requirements collects every selector requested for this node together
	// with the chain that requested it. Reconcile reduces them to one.
	requirements []*requirement
}

// resourceRef is one manifest declaration of a node: the declared name and
// selector plus the entry's install overrides.
type resourceRef struct {
	name     string
	target   string
	render   bool
	selector manifest.Selector
}

// requirement is one requester's demand on a node.
type requirement struct {
	selector manifest.Selector
	// chain names the requesters from the manifest entry down to this node.
	chain    []string
	resolved resolved
	done     bool
}

// resolved mirrors the resolver result for one requirement. Unversioned
// local resources leave it empty.
type resolved struct {
	commit string
	ref    string
}

// Resource is one entry of the closed install plan.
type Resource struct {
	ID     string
	Type   string
	Name   string
	Source *manifest.Source
	Path   string
	// Selector is the manifest's declared selector for direct resources and
	// the winning requirement for discovered ones.
	Selector manifest.Selector
	Commit   string
	Ref      string
	Checkout string
	Target   string
	Render   bool
	// Direct marks resources declared in the manifest itself.
	Direct bool
}

// Plan is the closed, ordered install plan: every resource appears after all
// resources it depends on.
type Plan struct {
	Resources []Resource
	// Edges holds the dependency edges by resource ID, for rendering.
	Edges map[string][]string
}

// NodeID derives the resource identity. Resources are the same resource when
// they share source identity and path, regardless of requester. When several
// manifest declarations share a node, the plan disambiguates the additional
// resources by suffixing "#" and the declared name.
func NodeID(src *manifest.Source, path string) string {
	if src == nil {
		return "local::" + path
	}
	return src.Identity() + "::" + path
}

// MissingResourceError reports a resource path (or glob) that matches nothing
// in its resolved checkout.
type MissingResourceError struct {
	Node string
	Path string
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("resource %s: path %q matches no files in the resolved checkout", e.Node, e.Path)
}

// Requester describes one side of a version conflict.
type Requester struct {
	Selector manifest.Selector
	Chain    []string
}

// ConflictError reports requirements on one resource that no single commit
// can satisfy.
type ConflictError struct {
	Resource   string
	Requesters []Requester
	// Direct is set when every requester is a direct manifest entry, in
	// which case the conflict is a manifest-authoring problem rather than a
	// transitive one.
	Direct bool
}

func (e *ConflictError) Error() string {
	var sb strings.Builder
	if e.Direct {
		fmt.Fprintf(&sb, "conflicting manifest declarations for %s:", e.Resource)
	} else {
		fmt.Fprintf(&sb, "version conflict on %s:", e.Resource)
	}
	for _, req := range e.Requesters {
		fmt.Fprintf(&sb, "\n  %s requires %s", strings.Join(req.Chain, " -> "), req.Selector)
	}
	return sb.String()
}

// DuplicateTargetError reports two reconciled resources installing to the
// same target path.
type DuplicateTargetError struct {
	Target    string
	Resources []string
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("resources %s install to the same target %q", strings.Join(e.Resources, " and "), e.Target)
}
