package rtmux

import "strings"

// ErrorKind classifies why a Request failed.
type ErrorKind int

const (
	// KindRemoteError means the peer answered with an Error status. Request
	// also reports local failures to encode the request or to enqueue it
	// (other than a closed queue) under this kind.
	KindRemoteError ErrorKind = iota
	// KindEventNotFound is a subtype of KindRemoteError: the peer had no
	// handler registered for the requested event.
	KindEventNotFound
	// KindTimeout means the waiter was not resolved within the configured timeout.
	KindTimeout
	// KindDisconnected means the connection was torn down while the call was pending.
	KindDisconnected
)

const eventNotFoundPrefix = "EventNotFound: "

// RequestError is returned by Endpoint.Request on any failure.
type RequestError struct {
	Kind    ErrorKind
	Message string
}

func (e *RequestError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "rtmux: request timed out"
	case KindDisconnected:
		return "rtmux: disconnected"
	default:
		if e.Message == "" {
			return "rtmux: remote error"
		}
		return "rtmux: remote error: " + e.Message
	}
}

func errTimeout() *RequestError {
	return &RequestError{Kind: KindTimeout}
}

func errDisconnected() *RequestError {
	return &RequestError{Kind: KindDisconnected}
}

func errRemote(message string) *RequestError {
	kind := KindRemoteError
	if strings.HasPrefix(message, eventNotFoundPrefix) {
		kind = KindEventNotFound
	}
	return &RequestError{Kind: kind, Message: message}
}

func eventNotFoundMessage(event string) string {
	return eventNotFoundPrefix + event
}
