// Package install materializes a closed plan: resource files are copied from
// their resolved checkouts into the install root, optionally passed through a
// template render, and fingerprinted with content digests for the lockfile.
package install

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"graft.software/graft/internal/graph"
)

// Installer writes plan resources below a single install root. Safe for one
// Install call at a time; the plan's duplicate-target check guarantees that
// per-resource goroutines sharing a path write identical bytes.
type Installer struct {
	root string
}

// New returns an installer rooted at dir.
func New(root string) *Installer {
	return &Installer{root: root}
}

// Error attributes an installation failure to one plan resource.
type Error struct {
	Resource string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("installing %s: %v", e.Resource, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Install copies every plan resource into the install root and returns the
// content digest per resource ID. Resources install in parallel; any failure
// aborts the run and no digests are returned.
func (inst *Installer) Install(ctx context.Context, plan *graph.Plan) (map[string]digest.Digest, error) {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "install"))

	digests := make(map[string]digest.Digest, len(plan.Resources))
	var mu sync.Mutex

	eg, ctx := errgroup.WithContext(ctx)
	for i := range plan.Resources {
		res := &plan.Resources[i]
		eg.Go(func() error {
			sum, err := inst.installResource(res)
			if err != nil {
				return &Error{Resource: res.ID, Err: err}
			}
			logger.DebugContext(ctx, "resource installed",
				slog.String("resource", res.ID),
				slog.String("target", res.Target),
				slog.String("digest", sum.String()))
			mu.Lock()
			digests[res.ID] = sum
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}

// installResource copies the files of one resource and digests their content.
// The write set comes from the same expansion the plan's collision check ran
// over: single-path resources install at the resource target, glob resources
// keep their checkout-relative layout below the install root.
func (inst *Installer) installResource(res *graph.Resource) (digest.Digest, error) {
	files, dests, err := graph.ExpandTargets(res.Checkout, res.Path, res.Target)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("path %q matches no files in checkout %s", res.Path, res.Checkout)
	}

	digester := digest.Canonical.Digester()
	for i, file := range files {
		src := filepath.Join(res.Checkout, filepath.FromSlash(file))
		raw, mode, err := readSource(src)
		if err != nil {
			return "", err
		}
		if res.Render {
			if raw, err = render(res, file, raw); err != nil {
				return "", err
			}
		}

		if err := writeFile(filepath.Join(inst.root, filepath.FromSlash(dests[i])), raw, mode); err != nil {
			return "", err
		}

		if len(files) == 1 {
			return digest.FromBytes(raw), nil
		}
		// Multi-file digest: sorted (path, content) pairs, NUL separated, so
		// renames and content changes are both visible.
		digester.Hash().Write([]byte(file))
		digester.Hash().Write([]byte{0})
		digester.Hash().Write(raw)
		digester.Hash().Write([]byte{0})
	}
	return digester.Digest(), nil
}

func readSource(path string) ([]byte, fs.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return raw, info.Mode().Perm(), nil
}

func writeFile(path string, data []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, mode)
}

// renderData is the template context for rendered resources.
type renderData struct {
	Name   string
	Source string
	Path   string
	File   string
	Commit string
	Ref    string
	Target string
}

// render runs the resource content through text/template so resources can
// embed their own resolved version, e.g. {{ .Ref }} in a banner line.
func render(res *graph.Resource, file string, raw []byte) ([]byte, error) {
	tmpl, err := template.New(file).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", file, err)
	}
	data := renderData{
		Name:   res.Name,
		Path:   res.Path,
		File:   file,
		Commit: res.Commit,
		Ref:    res.Ref,
		Target: res.Target,
	}
	if res.Source != nil {
		data.Source = res.Source.Name
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", file, err)
	}
	return buf.Bytes(), nil
}
