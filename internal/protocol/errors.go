package protocol

// ErrorCode is the closed set of machine-readable failure reasons carried in
// Response.ErrorCode
type ErrorCode string

// Authorization errors, never retried
const (
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeModuleMismatch   ErrorCode = "MODULE_MISMATCH"
)

// Context errors, caller bugs
const (
	CodeNoSiteContext  ErrorCode = "NO_SITE_CONTEXT"
	CodeInvalidParams  ErrorCode = "INVALID_PARAMS"
	CodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	CodeUnknownType    ErrorCode = "UNKNOWN_TYPE"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeConflict       ErrorCode = "CONFLICT"
)

// Resource errors
const (
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
)

// Transient and backend errors
const (
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	CodeStorageError  ErrorCode = "STORAGE_ERROR"
	CodeDBError       ErrorCode = "DB_ERROR"
	CodeUpstreamError ErrorCode = "UPSTREAM_ERROR"
)

// Liveness errors
const (
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSessionUnmounted ErrorCode = "SESSION_UNMOUNTED"
)

// ErrorCategory groups codes by how a caller should react
type ErrorCategory string

const (
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryContext       ErrorCategory = "context"
	CategoryResource      ErrorCategory = "resource"
	CategoryTransient     ErrorCategory = "transient"
	CategoryLiveness      ErrorCategory = "liveness"
)

var categories = map[ErrorCode]ErrorCategory{
	CodePermissionDenied: CategoryAuthorization,
	CodeModuleMismatch:   CategoryAuthorization,
	CodeNoSiteContext:    CategoryContext,
	CodeInvalidParams:    CategoryContext,
	CodeInvalidPayload:   CategoryContext,
	CodeUnknownType:      CategoryContext,
	CodeNotFound:         CategoryContext,
	CodeConflict:         CategoryContext,
	CodeQuotaExceeded:    CategoryResource,
	CodeRateLimited:      CategoryResource,
	CodeInternalError:    CategoryTransient,
	CodeStorageError:     CategoryTransient,
	CodeDBError:          CategoryTransient,
	CodeUpstreamError:    CategoryTransient,
	CodeTimeout:          CategoryLiveness,
	CodeSessionUnmounted: CategoryLiveness,
}

// Category returns the reaction category of c
func (c ErrorCode) Category() ErrorCategory {
	if cat, ok := categories[c]; ok {
		return cat
	}
	return CategoryTransient
}

// Retryable reports whether a well-behaved module should retry. The bridge
// never retries on its own.
func (c ErrorCode) Retryable() bool {
	return c.Category() == CategoryTransient
}

// Valid reports whether c is a known code
func (c ErrorCode) Valid() bool {
	_, ok := categories[c]
	return ok
}

func (c ErrorCode) String() string { return string(c) }
