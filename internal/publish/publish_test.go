package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFilesystemStore_Sync_CopiesFiles(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "assets", "style.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := FilesystemStore{Root: root}
	if err := store.Sync(context.Background(), "amelia", src); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "amelia", "index.html"))
	if err != nil {
		t.Fatalf("reading mirrored file: %v", err)
	}
	if string(data) != "<html></html>" {
		t.Errorf("index.html = %q, want original contents", string(data))
	}
	if _, err := os.Stat(filepath.Join(root, "amelia", "assets", "style.css")); err != nil {
		t.Errorf("expected assets/style.css to be mirrored: %v", err)
	}
}

func TestFilesystemStore_Sync_DeletesOrphans(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "index.html"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := FilesystemStore{Root: root}
	if err := store.Sync(context.Background(), "amelia", src); err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}

	if err := os.Remove(filepath.Join(src, "index.html")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "new.html"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Sync(context.Background(), "amelia", src); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "amelia", "index.html")); !os.IsNotExist(err) {
		t.Errorf("expected index.html to be deleted, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "amelia", "new.html")); err != nil {
		t.Errorf("expected new.html to exist: %v", err)
	}
}

func TestFilesystemStore_Sync_ExcludePatterns(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "app.js"), []byte("js"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "app.js.map"), []byte("map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "lib.js.map"), []byte("map"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := FilesystemStore{Root: root, Exclude: []string{"**/*.map"}}
	if err := store.Sync(context.Background(), "amelia", src); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "amelia", "app.js")); err != nil {
		t.Errorf("app.js missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "amelia", "app.js.map")); !os.IsNotExist(err) {
		t.Errorf("expected app.js.map to be excluded, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "amelia", "nested", "lib.js.map")); !os.IsNotExist(err) {
		t.Errorf("expected nested/lib.js.map to be excluded, stat err = %v", err)
	}
}

func TestFilesystemStore_Sync_SeparateProjectsIsolated(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.html"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := FilesystemStore{Root: root}
	if err := store.Sync(context.Background(), "amelia", src); err != nil {
		t.Fatal(err)
	}
	if err := store.Sync(context.Background(), "bella", src); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(root, "amelia", "a.html")); err != nil {
		t.Errorf("amelia/a.html missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bella", "a.html")); err != nil {
		t.Errorf("bella/a.html missing: %v", err)
	}
}
