package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRejected matches responses where the backend refused the presented
	// credentials or token (401/403).
	ErrRejected = errors.New("rejected by auth backend")

	ErrMalformedResponse = errors.New("malformed auth backend response")
)

type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.StatusCode > 0 && e.Message != "":
		return fmt.Sprintf("%s: status=%d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d", e.Op, e.StatusCode)
	default:
		return e.Op
	}
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	return target == ErrRejected &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Message returns the text to show a user for err: the backend's own message
// when it sent one, otherwise the error text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Message != "" {
			return reqErr.Message
		}
		if reqErr.Err != nil {
			return reqErr.Err.Error()
		}
		if reqErr.StatusCode > 0 {
			return http.StatusText(reqErr.StatusCode)
		}
	}
	return err.Error()
}
