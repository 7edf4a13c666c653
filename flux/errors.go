package flux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// errors.go provides the error kinds surfaced by the sdk
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for the http api and the websocket endpoint resolver
var (
	// dns, timeout, or connect failure. Retried with backoff by the transport.
	ErrConnectionFailure = errors.New("connection failure")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrServerUnavailable = errors.New("server unavailable")
)

// used for the notification transport
var (
	ErrProtocolParse = errors.New("protocol parse error")
	ErrInternalFault = errors.New("internal fault")
	ErrNoCredentials = errors.New("no credentials")
)

// used for the datatable
var (
	ErrUnsupportedCapability = errors.New("unsupported capability")
)

// a non-200 response from the api
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("api error %d %s", self.StatusCode, http.StatusText(self.StatusCode))
	}
	return fmt.Sprintf("api error %d: %s", self.StatusCode, self.Message)
}

func (self *ApiError) Is(target error) bool {
	switch self.StatusCode {
	case http.StatusUnauthorized:
		return target == ErrUnauthorized
	case http.StatusForbidden:
		return target == ErrForbidden
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return target == ErrServerUnavailable
	case http.StatusRequestTimeout:
		return target == ErrConnectionFailure
	default:
		return false
	}
}

// a network level failure before any response was received
type ConnectionError struct {
	Err error
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connection failure: %s", self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

func (self *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailure
}

// a frame that could not be classified or decoded
type ProtocolParseError struct {
	Frame string
	Err   error
}

func (self *ProtocolParseError) Error() string {
	return fmt.Sprintf("protocol parse error: %s", self.Err)
}

func (self *ProtocolParseError) Unwrap() error {
	return self.Err
}

func (self *ProtocolParseError) Is(target error) bool {
	return target == ErrProtocolParse
}

// terminal errors stop the transport. Retrying with the same credentials is futile.
func IsTerminalConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound)
}
