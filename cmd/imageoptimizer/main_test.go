package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigCommandAppliesFlagsEnvAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte("quality: 70\nmaxWidth: 1200\npageSize: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IMAGEOPT_PAGE_SIZE", "5")

	stdout, _, err := executeRootCommand(t, "config", "--config", file, "--max-width", "800")
	if err != nil {
		t.Fatalf("config command failed: %v", err)
	}
	for _, want := range []string{"quality: 70", "maxWidth: 800", "pageSize: 5"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestConfigCommandRejectsInvalidConfig(t *testing.T) {
	if _, _, err := executeRootCommand(t, "config", "--quality", "0"); err == nil {
		t.Fatal("expected validation error")
	}
	if _, _, err := executeRootCommand(t, "config", "--max-image-bytes", "lots"); err == nil {
		t.Fatal("expected max-image-bytes parse error")
	}
}

func TestOptimizeBatchRestore(t *testing.T) {
	uploads := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg", "c/d.jpg"} {
		writeJPEG(t, filepath.Join(uploads, name), 40, 30)
	}
	original, err := os.ReadFile(filepath.Join(uploads, "a.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	common := []string{"--uploads-dir", uploads, "--page-size", "2", "--log-level", "error"}

	stdout, _, err := executeRootCommand(t, append([]string{"optimize", filepath.Join(uploads, "a.jpg")}, common...)...)
	if err != nil {
		t.Fatalf("optimize failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "optimized ") {
		t.Errorf("optimize output = %q", stdout)
	}

	stdout, _, err = executeRootCommand(t, append([]string{"batch"}, common...)...)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if !strings.Contains(stdout, "progress 66.67%") || !strings.Contains(stdout, "progress 100.00%") {
		t.Errorf("batch output = %q", stdout)
	}
	if !strings.Contains(stdout, "skipped: 1") {
		t.Errorf("already optimized image not skipped:\n%s", stdout)
	}
	if _, err := os.Stat(filepath.Join(uploads, "c", "d.webp")); err != nil {
		t.Errorf("derivative missing: %v", err)
	}

	stdout, _, err = executeRootCommand(t, append([]string{"restore"}, common...)...)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if strings.TrimSpace(stdout) != "Restoration complete. Restored: 3, Errors: 0" {
		t.Errorf("restore output = %q", stdout)
	}
	got, err := os.ReadFile(filepath.Join(uploads, "a.jpg"))
	if err != nil || !bytes.Equal(got, original) {
		t.Errorf("a.jpg not restored: %v", err)
	}
}

func TestBatchOncePrintsNextOffset(t *testing.T) {
	uploads := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		writeJPEG(t, filepath.Join(uploads, name), 8, 8)
	}
	stdout, _, err := executeRootCommand(t, "batch", "--once", "--uploads-dir", uploads, "--page-size", "2")
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if !strings.Contains(stdout, "next offset: 2") {
		t.Errorf("output = %q", stdout)
	}
}

func TestOptimizeReportsFailures(t *testing.T) {
	uploads := t.TempDir()
	bad := filepath.Join(uploads, "bad.jpg")
	if err := os.WriteFile(bad, []byte("not a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	stdout, _, err := executeRootCommand(t, "optimize", bad, "--uploads-dir", uploads, "--log-level", "error")
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(stdout, "error "+bad+" (optimize)") {
		t.Errorf("output = %q", stdout)
	}
	logged, _ := os.ReadFile(filepath.Join(uploads, "image-optimizer-errors.log"))
	if !strings.Contains(string(logged), "Error optimizing "+bad) {
		t.Errorf("error log = %q", logged)
	}
}
