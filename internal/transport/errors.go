package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/tOgg1/chatsync/internal/models"
)

// StatusError is returned when the server answered with a non-2xx status.
// The request definitely reached the server, so it is a confirmed failure.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == fasthttp.StatusTooManyRequests
}

// Is maps well-known statuses onto the model sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case models.ErrNotFound:
		return e.Code == fasthttp.StatusNotFound
	case models.ErrTransientNetwork:
		return e.Temporary()
	default:
		return false
	}
}

func newStatusError(method, path string, code int, body []byte) *StatusError {
	return &StatusError{Method: method, Path: path, Code: code, Message: errorMessage(body)}
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from a body.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// classify maps a transport level error to the sync error taxonomy.
// Failures before the request left the client are confirmed; failures after
// it may have been written are unknown outcomes.
func classify(method, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fasthttp.ErrDialTimeout) || isDialError(err) {
		return fmt.Errorf("%s %s: %w: %w", method, path, models.ErrTransientNetwork, err)
	}
	if errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		isTimeout(err) {
		return fmt.Errorf("%s %s: %w: %w", method, path, models.ErrUnknownOutcome, err)
	}
	return fmt.Errorf("%s %s: %w: %w", method, path, models.ErrTransientNetwork, err)
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
