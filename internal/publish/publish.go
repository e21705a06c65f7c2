// Package publish mirrors a Workspace's build output directory to the
// external object store, with --delete semantics: the store's contents for
// a project become an exact copy of the build output directory.
//
// No object-store SDK (S3, GCS, MinIO, Azure Blob) appears anywhere in the
// codebases this worker was built alongside, so the concrete implementation
// here is a filesystem mirror behind the Store interface — swapping in a
// real object-store client later is a one-file change.
package publish

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Store mirrors a local directory to a project-keyed location in an
// external object store.
type Store interface {
	// Sync makes the destination for project an exact mirror of localDir:
	// every file under localDir is written, and every object under
	// project that has no corresponding local file is removed.
	Sync(ctx context.Context, project, localDir string) error
}

// FilesystemStore implements Store by mirroring into a directory tree
// rooted at Root, one subdirectory per project — the same tree-walking
// copy style used for workspace seeding, applied here with deletion of
// orphaned destination files to get --delete mirror semantics.
type FilesystemStore struct {
	Root string

	// Exclude holds doublestar glob patterns (matched against the
	// slash-separated path relative to the build output directory) that are
	// never mirrored — sourcemaps, editor droppings, and the like. An
	// excluded path that exists in the destination from an earlier Sync is
	// pruned like any other orphan.
	Exclude []string
}

// Sync mirrors localDir into {Root}/{project}, deleting any destination
// file that no longer has a source counterpart.
func (s FilesystemStore) Sync(ctx context.Context, project, localDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := filepath.Join(s.Root, project)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating destination %s: %w", dest, err)
	}

	seen := make(map[string]bool)
	if err := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if s.excluded(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		target := filepath.Join(dest, rel)
		seen[rel] = true

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("mirroring %s: %w", localDir, err)
	}

	return pruneOrphans(dest, seen)
}

func (s FilesystemStore) excluded(rel string) bool {
	for _, pattern := range s.Exclude {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// pruneOrphans removes every entry under dest that was not touched by the
// most recent Sync walk, implementing the --delete half of mirror
// semantics. Deepest entries are removed first so empty parent directories
// can be removed in the same pass.
func pruneOrphans(dest string, seen map[string]bool) error {
	var toRemove []string
	err := filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dest, path)
		if err != nil || rel == "." {
			return err
		}
		if !seen[rel] {
			toRemove = append(toRemove, path)
			if d.IsDir() {
				return fs.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s for orphans: %w", dest, err)
	}
	for i := len(toRemove) - 1; i >= 0; i-- {
		if err := os.RemoveAll(toRemove[i]); err != nil {
			return fmt.Errorf("removing orphan %s: %w", toRemove[i], err)
		}
	}
	return nil
}
