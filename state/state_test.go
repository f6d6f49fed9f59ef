package state_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/Skryldev/image-optimizer/state"
)

func exerciseStore(t *testing.T, store state.MarkerStore, dir string) {
	t.Helper()
	ctx := context.Background()
	png := filepath.Join(dir, "photo.png")
	jpg := filepath.Join(dir, "photo.jpg")

	if ok, err := store.IsOptimized(ctx, png); err != nil || ok {
		t.Fatalf("IsOptimized before Mark = %v, %v", ok, err)
	}
	if err := store.Mark(ctx, png); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := store.Mark(ctx, png); err != nil {
		t.Fatalf("second Mark: %v", err)
	}
	for _, p := range []string{png, jpg} {
		if ok, err := store.IsOptimized(ctx, p); err != nil || !ok {
			t.Errorf("IsOptimized(%s) = %v, %v; want true", filepath.Base(p), ok, err)
		}
	}
	if ok, _ := store.IsOptimized(ctx, filepath.Join(dir, "other.png")); ok {
		t.Error("unrelated image reported optimized")
	}
	if err := store.Unmark(ctx, jpg); err != nil {
		t.Fatalf("Unmark: %v", err)
	}
	if ok, _ := store.IsOptimized(ctx, png); ok {
		t.Error("IsOptimized after Unmark = true")
	}
	if err := store.Unmark(ctx, png); err != nil {
		t.Errorf("Unmark of missing marker: %v", err)
	}
}

func TestFileMarkers(t *testing.T) {
	exerciseStore(t, state.NewFileMarkers(""), t.TempDir())
}

func TestFileMarkers_ZeroByteFileWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	store := state.NewFileMarkers("")
	if err := store.Mark(context.Background(), filepath.Join(dir, "name.jpg")); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "name"))
	if err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("marker size = %d, want 0", info.Size())
	}
}

func TestFileMarkers_Suffix(t *testing.T) {
	dir := t.TempDir()
	store := state.NewFileMarkers(".optimized")
	if err := store.Mark(context.Background(), filepath.Join(dir, "a.jpg")); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.optimized")); err != nil {
		t.Errorf("suffixed marker missing: %v", err)
	}
}

func TestRedisMarkers(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	store, err := state.NewRedisMarkers("redis://"+srv.Addr(), "test:", "")
	if err != nil {
		t.Fatalf("NewRedisMarkers: %v", err)
	}
	defer store.Close()

	dir := t.TempDir()
	exerciseStore(t, store, dir)

	if err := store.Mark(context.Background(), filepath.Join(dir, "k.jpg")); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !srv.Exists("test:" + state.Key(filepath.Join(dir, "k.jpg"), "")) {
		t.Error("expected marker key in redis")
	}
	if _, err := os.Stat(filepath.Join(dir, "k")); err == nil {
		t.Error("redis markers must not touch the filesystem")
	}
}

func TestRedisMarkers_Unreachable(t *testing.T) {
	if _, err := state.NewRedisMarkers("redis://127.0.0.1:1", "", ""); err == nil {
		t.Error("expected connection error")
	}
}
