package report

import "fmt"

// Kind says which pipeline step failed.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindRender
	KindEncode
	KindUpload
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRender:
		return "render"
	case KindEncode:
		return "encode"
	case KindUpload:
		return "upload"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by Service.Create. Its text is the underlying error's
// text so it can be returned to callers unchanged.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func fail(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}
