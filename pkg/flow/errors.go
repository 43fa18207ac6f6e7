package flow

import "fmt"

// ParseErrorKind classifies a malformed snapshot.
type ParseErrorKind int

const (
	// MissingField means a required field or node was absent.
	MissingField ParseErrorKind = iota
	// InvalidValue means a field was present but unusable.
	InvalidValue
)

func (k ParseErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case InvalidValue:
		return "invalid_value"
	default:
		return "unknown"
	}
}

// ParseError is returned when a power flow response or snapshot cannot be
// turned into metrics. No metric must be published when this is returned.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	var msg string
	switch e.Kind {
	case MissingField:
		msg = fmt.Sprintf("missing field %q", e.Field)
	default:
		msg = fmt.Sprintf("invalid value for %q", e.Field)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func missing(field string) error {
	return &ParseError{Kind: MissingField, Field: field}
}

func invalid(field string, err error) error {
	return &ParseError{Kind: InvalidValue, Field: field, Err: err}
}
