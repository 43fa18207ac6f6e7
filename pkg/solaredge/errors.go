package solaredge

import "fmt"

// FetchErrorKind classifies why a fetch failed.
type FetchErrorKind int

const (
	// FetchTransport is a network level failure, no usable response.
	FetchTransport FetchErrorKind = iota
	// FetchHTTPStatus is a response with a non-2xx status.
	FetchHTTPStatus
	// FetchEmptyBody is a 2xx response with nothing in it.
	FetchEmptyBody
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchTransport:
		return "transport"
	case FetchHTTPStatus:
		return "http_status"
	case FetchEmptyBody:
		return "empty_body"
	default:
		return "unknown"
	}
}

// FetchError is returned by Client.Fetch. StatusCode and RawBody are only set
// when a response was received.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	RawBody    []byte
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("solaredge: unexpected status %d", e.StatusCode)
	case FetchEmptyBody:
		return fmt.Sprintf("solaredge: empty response body (status %d)", e.StatusCode)
	default:
		return fmt.Sprintf("solaredge: request failed: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
