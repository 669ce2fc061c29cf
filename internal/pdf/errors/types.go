package errors

import (
	"fmt"
)

// ErrorType represents the category of a document-level failure
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeUnreadableDocument means the container could not be parsed at all
	ErrorTypeUnreadableDocument
	// ErrorTypeMalformedDocument means the document parsed but exposes no input regions
	ErrorTypeMalformedDocument
	// ErrorTypeWriteError means a filled document could not be re-serialized
	ErrorTypeWriteError
)

// Sentinels for errors.Is matching. Only the Type is compared.
var (
	ErrUnreadableDocument = &DocumentError{Type: ErrorTypeUnreadableDocument}
	ErrMalformedDocument  = &DocumentError{Type: ErrorTypeMalformedDocument}
	ErrWriteError         = &DocumentError{Type: ErrorTypeWriteError}
)

// DocumentError describes a failure reading or writing a fillable document
type DocumentError struct {
	Type     ErrorType `json:"type"`
	Message  string    `json:"message"`
	FilePath string    `json:"file_path,omitempty"`
	Err      error     `json:"-"`
}

// Error implements the error interface
func (e *DocumentError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type.Description()
	}
	if e.FilePath != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.FilePath)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

// Unwrap returns the underlying cause
func (e *DocumentError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DocumentError of the same type
func (e *DocumentError) Is(target error) bool {
	t, ok := target.(*DocumentError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// String returns a string representation of the ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeUnreadableDocument:
		return "UNREADABLE_DOCUMENT"
	case ErrorTypeMalformedDocument:
		return "MALFORMED_DOCUMENT"
	case ErrorTypeWriteError:
		return "WRITE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Description returns the default human-readable message for the type
func (et ErrorType) Description() string {
	switch et {
	case ErrorTypeUnreadableDocument:
		return "document cannot be parsed"
	case ErrorTypeMalformedDocument:
		return "document has no recognizable input regions"
	case ErrorTypeWriteError:
		return "document cannot be re-serialized"
	default:
		return "unknown document error"
	}
}

// New creates a DocumentError of the given type
func New(errorType ErrorType, message string) *DocumentError {
	return &DocumentError{Type: errorType, Message: message}
}

// Wrap wraps err as a DocumentError of the given type
func Wrap(errorType ErrorType, err error) *DocumentError {
	return &DocumentError{Type: errorType, Err: err}
}

// WithFile adds file path information to an existing DocumentError
func (e *DocumentError) WithFile(filePath string) *DocumentError {
	e.FilePath = filePath
	return e
}
