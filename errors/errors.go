package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	// Pipeline stages. These are the values reported in an Outcome.
	CategoryUnsupportedType Category = "unsupported-type"
	CategoryBackup          Category = "backup"
	CategoryOptimize        Category = "optimize"
	CategoryWebP            Category = "webp"
	CategoryRestore         Category = "restore"
	CategoryCatalog         Category = "catalog"

	// Codec and infrastructure level.
	CategoryDecode    Category = "decode"
	CategoryEncode    Category = "encode"
	CategoryPipeline  Category = "pipeline"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryInput     Category = "input"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category. Only the
// outermost ProcessingError in the chain is considered.
func IsCategory(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// CategoryOf returns the category of the outermost ProcessingError in err's
// chain, or "" when there is none.
func CategoryOf(err error) Category {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// Message returns the innermost cause of err as a short human readable string,
// without the category/op prefixes added by Wrap.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for {
		var pe *ProcessingError
		if !errors.As(err, &pe) || pe.Err == nil {
			return err.Error()
		}
		err = pe.Err
	}
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedType    = errors.New("unsupported mime type")
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrEmptyInput         = errors.New("empty input")
	ErrContextCanceled    = errors.New("context canceled")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBackupMissing      = errors.New("backup not found")
	ErrOutsideUploads     = errors.New("path outside the uploads directory")
)
