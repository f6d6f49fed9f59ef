package core

import (
	"fmt"
	"strings"

	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// Supported MIME types.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWebP = "image/webp"
)

// SupportedMimeTypes lists the MIME types the optimizer processes.
var SupportedMimeTypes = []string{MimeJPEG, MimePNG}

// IsSupportedMime reports whether mime is processed by the optimizer.
func IsSupportedMime(mime string) bool {
	switch normalizeMime(mime) {
	case MimeJPEG, MimePNG:
		return true
	}
	return false
}

// FormatFromMime maps MIME types to Format values.
func FormatFromMime(mime string) Format {
	switch normalizeMime(mime) {
	case MimeJPEG, "image/jpg", "image/pjpeg":
		return FormatJPEG
	case MimePNG:
		return FormatPNG
	case MimeWebP:
		return FormatWebP
	}
	return FormatUnknown
}

func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "image/jpg" || mime == "image/pjpeg" {
		return MimeJPEG
	}
	return mime
}

// Asset is one entry of the image catalog.
type Asset struct {
	ID       string
	Path     string
	MimeType string
}

// Status is the per-item result of running the pipeline.
type Status string

const (
	StatusOptimized Status = "optimized"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Outcome is the result of processing a single image.  Stage is set for
// skips and errors and names the step that stopped the pipeline.
type Outcome struct {
	Status  Status
	Stage   apperrors.Category
	Message string
	Err     error

	// Path is the final location of the optimized image.  It differs from
	// SourcePath when an opaque PNG was converted to JPEG.
	SourcePath string
	Path       string
	WebPPath   string

	BackupCreated bool
	Resized       bool
	Converted     bool

	OriginalBytes  int64
	OptimizedBytes int64
	WebPBytes      int64
}

// Optimized builds a success outcome.
func Optimized(src string) Outcome {
	return Outcome{Status: StatusOptimized, SourcePath: src, Path: src}
}

// Skipped builds a skip outcome.
func Skipped(src string, stage apperrors.Category, msg string) Outcome {
	return Outcome{Status: StatusSkipped, Stage: stage, Message: msg, SourcePath: src, Path: src}
}

// Failed builds an error outcome for the given stage.
func Failed(src string, stage apperrors.Category, err error) Outcome {
	return Outcome{
		Status:     StatusError,
		Stage:      stage,
		Message:    apperrors.Message(err),
		Err:        apperrors.Wrap(stage, "process", err),
		SourcePath: src,
		Path:       src,
	}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Status == StatusOptimized }

// ItemResult is one entry of a ProgressReport.
type ItemResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Cursor identifies the next batch page.  The caller owns it; nothing is kept
// between pages.
type Cursor struct {
	Offset   int
	PageSize int
}

// ProgressReport is the result of one batch page.
type ProgressReport struct {
	Optimized int
	Skipped   int
	Errors    int
	Total     int
	// Processed is the cumulative number of catalog entries passed, including
	// the ones handled by this page.
	Processed int
	Progress  float64
	Items     []ItemResult
	Continue  bool
	Next      Cursor
}

// Message renders a one-line summary of the page.
func (r *ProgressReport) Message() string {
	return fmt.Sprintf("Processed %d of %d images (optimized: %d, skipped: %d, errors: %d)",
		r.Processed, r.Total, r.Optimized, r.Skipped, r.Errors)
}

// RestoreReport counts the results of restoring every backup.
type RestoreReport struct {
	Restored int
	Errors   int
	Failures []RestoreFailure
}

// RestoreFailure describes one backup that could not be restored.
type RestoreFailure struct {
	Key     string
	Target  string
	Message string
}

func (r RestoreReport) String() string {
	return fmt.Sprintf("Restoration complete. Restored: %d, Errors: %d", r.Restored, r.Errors)
}

// Upload contexts.
const UploadContextUpload = "upload"

// UploadDescriptor is what the hosting application hands over for a newly
// accepted upload.
type UploadDescriptor struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Context  string `json:"context,omitempty"`
}
