package imageoptimizer_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	imageoptimizer "github.com/Skryldev/image-optimizer"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/hooks"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func newRedJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newBluePNG(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 50, G: 50, B: 200, A: alpha})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newOptimizer(t *testing.T, mutate func(*config.Config), opts ...imageoptimizer.Option) *imageoptimizer.Optimizer {
	t.Helper()
	cfg := imageoptimizer.DefaultConfig()
	cfg.UploadsDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := imageoptimizer.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func writeUpload(t *testing.T, o *imageoptimizer.Optimizer, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(o.Config().UploadsDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := imageoptimizer.DefaultConfig()
	cfg.Quality = 0
	if _, err := imageoptimizer.New(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBatch_TwentyFiveImagesInTwoPages(t *testing.T) {
	metrics := hooks.NewInMemoryMetrics()
	o := newOptimizer(t, func(c *config.Config) { c.PageSize = 20 }, imageoptimizer.WithMetrics(metrics))
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		writeUpload(t, o, fmt.Sprintf("2024/img-%02d.jpg", i), newRedJPEG(t, 16, 16))
	}

	first, err := o.RunPage(ctx, 0)
	if err != nil {
		t.Fatalf("RunPage(0): %v", err)
	}
	if len(first.Items) != 20 || !first.Continue || first.Next.Offset != 20 || first.Total != 25 {
		t.Fatalf("first page = items %d continue %v next %d total %d",
			len(first.Items), first.Continue, first.Next.Offset, first.Total)
	}
	if first.Optimized != 20 {
		t.Errorf("optimized = %d, errors = %d (%+v)", first.Optimized, first.Errors, first.Items)
	}

	second, err := o.RunPage(ctx, first.Next.Offset)
	if err != nil {
		t.Fatalf("RunPage(20): %v", err)
	}
	if len(second.Items) != 5 || second.Continue || second.Processed != 25 || second.Progress != 100 {
		t.Fatalf("second page = %+v", second)
	}

	for i := 0; i < 25; i++ {
		p := filepath.Join(o.Config().UploadsDir, "2024", fmt.Sprintf("img-%02d.jpg", i))
		if ok, _ := o.IsOptimized(ctx, p); !ok {
			t.Errorf("%s not marked", p)
		}
	}

	// A second sweep only skips.
	again, err := o.RunPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if again.Skipped != 20 || again.Optimized != 0 {
		t.Errorf("rerun = optimized %d skipped %d", again.Optimized, again.Skipped)
	}
	if got := metrics.Snapshot().Outcomes[core.StatusOptimized]; got != 25 {
		t.Errorf("optimized outcomes = %d", got)
	}
	if processed, _ := o.Stats(); processed != 25 {
		t.Errorf("Stats processed = %d", processed)
	}
}

func TestRestoreAll_RoundTrip(t *testing.T) {
	o := newOptimizer(t, func(c *config.Config) { c.MaxWidth = 32 })
	ctx := context.Background()

	originals := map[string][]byte{
		"a.jpg":     newRedJPEG(t, 64, 48),
		"b.png":     newBluePNG(t, 40, 20, 255),
		"sub/c.png": newBluePNG(t, 20, 20, 100),
	}
	paths := map[string]string{}
	for name, data := range originals {
		paths[name] = writeUpload(t, o, name, data)
	}
	for name, p := range paths {
		mime := core.MimeJPEG
		if filepath.Ext(name) == ".png" {
			mime = core.MimePNG
		}
		if out := o.Optimize(ctx, p, mime); !out.OK() {
			t.Fatalf("Optimize %s: %s", name, out.Message)
		}
	}

	report, err := o.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if report.Restored != 3 || report.Errors != 0 {
		t.Fatalf("report = %+v", report)
	}
	for name, p := range paths {
		got, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read restored %s: %v", name, err)
		}
		if !bytes.Equal(got, originals[name]) {
			t.Errorf("%s not byte-identical to its backup", name)
		}
		if ok, _ := o.IsOptimized(ctx, p); ok {
			t.Errorf("%s still marked", name)
		}
	}
}

func TestRestoreAll_ThenBatchReprocessesConvertedPNG(t *testing.T) {
	o := newOptimizer(t, nil)
	ctx := context.Background()
	original := newBluePNG(t, 24, 24, 255)
	png := writeUpload(t, o, "photo.png", original)
	jpg := filepath.Join(o.Config().UploadsDir, "photo.jpg")

	if first, err := o.RunPage(ctx, 0); err != nil || first.Optimized != 1 {
		t.Fatalf("first batch = %+v, %v", first, err)
	}
	if _, err := os.Stat(jpg); err != nil {
		t.Fatalf("png not converted: %v", err)
	}

	if report, err := o.RestoreAll(ctx); err != nil || report.Restored != 1 {
		t.Fatalf("RestoreAll = %+v, %v", report, err)
	}
	if _, err := os.Stat(jpg); !os.IsNotExist(err) {
		t.Fatalf("converted jpeg survived the restore: %v", err)
	}
	if got, _ := os.ReadFile(png); !bytes.Equal(got, original) {
		t.Fatal("png not restored")
	}

	second, err := o.RunPage(ctx, 0)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].Status != core.StatusOptimized || second.Items[0].Name != "photo.jpg" {
		t.Fatalf("second batch items = %+v", second.Items)
	}
	if ok, _ := o.IsOptimized(ctx, jpg); !ok {
		t.Error("re-converted jpeg not marked")
	}
}

func TestHandleUpload_RegistersInSQLiteCatalog(t *testing.T) {
	dsn := fmt.Sprintf("file:test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	o := newOptimizer(t, func(c *config.Config) {
		c.Catalog.Backend = config.CatalogSQLite
		c.Catalog.DSN = dsn
	})
	ctx := context.Background()
	src := writeUpload(t, o, "new.png", newBluePNG(t, 12, 12, 255))

	desc, out, err := o.HandleUpload(ctx, core.UploadDescriptor{Path: src, MimeType: core.MimePNG, Context: core.UploadContextUpload})
	if err != nil {
		t.Fatalf("HandleUpload: %v", err)
	}
	if !out.Converted || desc.MimeType != core.MimeJPEG {
		t.Errorf("descriptor = %+v", desc)
	}
	n, err := o.Catalog().Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("catalog count = %d, %v", n, err)
	}

	// The upload is already marked, so a batch sweep skips it.
	report, err := o.RunPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Continue {
		t.Errorf("report = %+v", report)
	}
}

func TestRedisMarkers_Wiring(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	o := newOptimizer(t, func(c *config.Config) {
		c.Markers.Backend = config.MarkersRedis
		c.Markers.RedisURL = "redis://" + srv.Addr()
	})
	ctx := context.Background()
	p := writeUpload(t, o, "r.jpg", newRedJPEG(t, 8, 8))
	if out := o.Optimize(ctx, p, core.MimeJPEG); !out.OK() {
		t.Fatalf("Optimize: %s", out.Message)
	}
	if ok, err := o.IsOptimized(ctx, p); err != nil || !ok {
		t.Fatalf("IsOptimized = %v, %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(o.Config().UploadsDir, "r")); !os.IsNotExist(err) {
		t.Error("file marker written while using redis markers")
	}
	if len(srv.Keys()) != 1 {
		t.Errorf("redis keys = %v", srv.Keys())
	}
}

func TestCandidate(t *testing.T) {
	o := newOptimizer(t, nil)
	p := writeUpload(t, o, "2024/x.jpg", newRedJPEG(t, 8, 8))

	if _, exists := o.Candidate("/uploads/2024/x.jpg"); exists {
		t.Error("derivative reported before optimization")
	}
	if out := o.Optimize(context.Background(), p, core.MimeJPEG); !out.OK() {
		t.Fatalf("Optimize: %s", out.Message)
	}
	got, exists := o.Candidate("/uploads/2024/x.jpg")
	if got != "/uploads/2024/x.webp" || !exists {
		t.Errorf("Candidate = %q, %v", got, exists)
	}
}
