// Package errorkind defines the tagged error kinds this core recognizes
// (spec §7): callers use errors.Is/errors.As against the sentinel values
// and wrapper types here rather than matching on error strings.
package errorkind

import "errors"

// Sentinel kinds. Wrap a cause with fmt.Errorf("...: %w", ErrNotFound) or
// use the constructors below when a message is needed.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrValidation     = errors.New("validation error")
	ErrDecryption     = errors.New("decryption error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTransient      = errors.New("transient error")
	ErrFatal          = errors.New("fatal error")
)

// kindError pairs a message with a sentinel kind so errors.Is still matches
// the sentinel while %v / Error() carries a useful message.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func NotFound(msg string) error     { return &kindError{ErrNotFound, msg} }
func Conflict(msg string) error     { return &kindError{ErrConflict, msg} }
func Validation(msg string) error   { return &kindError{ErrValidation, msg} }
func Decryption(msg string) error   { return &kindError{ErrDecryption, msg} }
func Unauthorized(msg string) error { return &kindError{ErrUnauthorized, msg} }
func Transient(msg string) error    { return &kindError{ErrTransient, msg} }
func Fatal(msg string) error        { return &kindError{ErrFatal, msg} }

// Tagged is the HTTP-boundary shape spec §7 calls "a tagged error object
// {kind, message}".
type Tagged struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// kindName maps a sentinel to its wire name.
var kindName = map[error]string{
	ErrNotFound:     "NotFound",
	ErrConflict:     "Conflict",
	ErrValidation:   "ValidationError",
	ErrDecryption:   "DecryptionError",
	ErrUnauthorized: "Unauthorized",
	ErrTransient:    "Transient",
	ErrFatal:        "Fatal",
}

// ToTagged converts any error into the caller-visible tagged shape,
// defaulting to "Fatal" for errors that don't carry one of our kinds.
func ToTagged(err error) Tagged {
	if err == nil {
		return Tagged{}
	}
	for kind, name := range kindName {
		if errors.Is(err, kind) {
			return Tagged{Kind: name, Message: err.Error()}
		}
	}
	return Tagged{Kind: "Fatal", Message: err.Error()}
}

// HTTPStatus maps a tagged error's kind to the HTTP status spec §7 implies.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrUnauthorized):
		return 401
	case errors.Is(err, ErrDecryption), errors.Is(err, ErrFatal):
		return 500
	case errors.Is(err, ErrTransient):
		return 503
	default:
		return 500
	}
}
