package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies the failures the packaging and pruning tools can produce
type Kind string

const (
	KindMalformedReference     Kind = "malformed_reference"
	KindInspectionFailure      Kind = "inspection_failure"
	KindBaseInspectionFailure  Kind = "base_inspection_failure"
	KindManifestNotFound       Kind = "manifest_not_found"
	KindInvalidManifest        Kind = "invalid_manifest"
	KindBlobDeletionFailure    Kind = "blob_deletion_failure"
	KindBuildToolFailure       Kind = "build_tool_failure"
	KindWorkAreaCleanupFailure Kind = "work_area_cleanup_failure"
	KindExternalToolTimeout    Kind = "external_tool_timeout"
	KindTemplateFailure        Kind = "template_failure"
	KindConfigurationFailure   Kind = "configuration_failure"
	KindUnknown                Kind = "unknown"
)

// IsFatal reports whether errors of this kind must abort the run.
// Blob deletion and work area cleanup failures are logged and skipped.
func (k Kind) IsFatal() bool {
	switch k {
	case KindBlobDeletionFailure, KindWorkAreaCleanupFailure:
		return false
	default:
		return true
	}
}

// ToolError is a categorized error carrying the context needed to report it
type ToolError struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	Cause      error                  `json:"-"`
	Operation  string                 `json:"operation,omitempty"`
	Reference  string                 `json:"reference,omitempty"`
	Diagnostic string                 `json:"diagnostic,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Error implements the error interface
func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Operation != "" {
		fmt.Fprintf(&b, " %s", e.Operation)
	}
	if e.Reference != "" {
		fmt.Fprintf(&b, " (%s)", e.Reference)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		fmt.Fprintf(&b, "\n%s", d)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error should stop the run
func (e *ToolError) IsFatal() bool {
	return e.Kind.IsFatal()
}

// Is matches another *ToolError of the same kind, so errors.Is works against
// the sentinel values below.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrMalformedReference     = &ToolError{Kind: KindMalformedReference}
	ErrInspectionFailure      = &ToolError{Kind: KindInspectionFailure}
	ErrBaseInspectionFailure  = &ToolError{Kind: KindBaseInspectionFailure}
	ErrManifestNotFound       = &ToolError{Kind: KindManifestNotFound}
	ErrInvalidManifest        = &ToolError{Kind: KindInvalidManifest}
	ErrBlobDeletionFailure    = &ToolError{Kind: KindBlobDeletionFailure}
	ErrBuildToolFailure       = &ToolError{Kind: KindBuildToolFailure}
	ErrWorkAreaCleanupFailure = &ToolError{Kind: KindWorkAreaCleanupFailure}
	ErrExternalToolTimeout    = &ToolError{Kind: KindExternalToolTimeout}
	ErrTemplateFailure        = &ToolError{Kind: KindTemplateFailure}
	ErrConfigurationFailure   = &ToolError{Kind: KindConfigurationFailure}
)

// ErrorBuilder helps construct ToolError instances
type ErrorBuilder struct {
	kind       Kind
	message    string
	cause      error
	operation  string
	reference  string
	diagnostic string
	metadata   map[string]interface{}
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{
		metadata: make(map[string]interface{}),
	}
}

// Kind sets the error kind
func (b *ErrorBuilder) Kind(kind Kind) *ErrorBuilder {
	b.kind = kind
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Operation sets the operation context
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Reference sets the image reference or path the error is about
func (b *ErrorBuilder) Reference(reference string) *ErrorBuilder {
	b.reference = reference
	return b
}

// Diagnostic attaches raw output from an external tool
func (b *ErrorBuilder) Diagnostic(diagnostic string) *ErrorBuilder {
	b.diagnostic = diagnostic
	return b
}

// Metadata adds metadata to the error
func (b *ErrorBuilder) Metadata(key string, value interface{}) *ErrorBuilder {
	b.metadata[key] = value
	return b
}

// Build creates the ToolError instance
func (b *ErrorBuilder) Build() *ToolError {
	if b.kind == "" {
		b.kind = KindUnknown
	}
	if b.message == "" && b.cause != nil {
		b.message = b.cause.Error()
		b.cause = nil
	}

	return &ToolError{
		Kind:       b.kind,
		Message:    b.message,
		Cause:      b.cause,
		Operation:  b.operation,
		Reference:  b.reference,
		Diagnostic: b.diagnostic,
		Timestamp:  time.Now(),
		Metadata:   b.metadata,
	}
}

// New creates a ToolError of the given kind
func New(kind Kind, operation, message string) *ToolError {
	return NewErrorBuilder().Kind(kind).Operation(operation).Message(message).Build()
}

// Wrap creates a ToolError of the given kind around cause
func Wrap(kind Kind, operation string, cause error, format string, args ...interface{}) *ToolError {
	return NewErrorBuilder().
		Kind(kind).
		Operation(operation).
		Messagef(format, args...).
		Cause(cause).
		Build()
}

// Rekind returns a copy of err with its kind replaced when err is a ToolError,
// or wraps err with the given kind otherwise.
func Rekind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	var te *ToolError
	if stderrors.As(err, &te) {
		cp := *te
		cp.Kind = kind
		return &cp
	}
	return NewErrorBuilder().Kind(kind).Cause(err).Build()
}

// KindOf returns the kind of the first ToolError in err's chain
func KindOf(err error) Kind {
	var te *ToolError
	if stderrors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries a ToolError of the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err should abort the run. Errors that are not
// ToolErrors are always fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var te *ToolError
	if stderrors.As(err, &te) {
		return te.IsFatal()
	}
	return true
}

// Fields flattens a ToolError into logging fields
func Fields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	var te *ToolError
	if !stderrors.As(err, &te) {
		return fields
	}
	fields["error"] = te.Message
	fields["kind"] = string(te.Kind)
	if te.Operation != "" {
		fields["operation"] = te.Operation
	}
	if te.Reference != "" {
		fields["reference"] = te.Reference
	}
	if te.Cause != nil {
		fields["cause"] = te.Cause.Error()
	}
	for k, v := range te.Metadata {
		fields[k] = v
	}
	return fields
}
