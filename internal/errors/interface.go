package errors

// ErrorCode identifies a failure class across package boundaries.
type ErrorCode string

// Error is a coded domain error with optional context data
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory creates domain errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
	WrapWithData(code ErrorCode, err error, data any) Error
}
