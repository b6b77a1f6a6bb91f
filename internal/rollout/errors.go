package rollout

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"lpvalidation/services/analytics/internal/model"
)

var (
	// ErrTransient marks a failure worth retrying in place.
	ErrTransient = errors.New("transient vcs failure")
	// ErrFileNotFound is returned by GetFile for a path that does not exist on the ref.
	ErrFileNotFound = errors.New("config file not found")
)

// StatusCoder is implemented by hosting API errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	// A connection dropped mid-response surfaces as a bare EOF.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var coded StatusCoder
	if errors.As(err, &coded) {
		status := coded.HTTPStatus()
		return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	}

	// Transport failures never reached a response, so there is no status to judge.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var coded StatusCoder
	if errors.As(err, &coded) {
		status := coded.HTTPStatus()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return true
		}
	}
	return strings.Contains(err.Error(), "Bad credentials")
}

// UserMessage is the stable text a caller sees in an unsuccessful PRResult.
func UserMessage(err error) string {
	var validation *model.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return validation.Message
	case IsAuthError(err):
		return msgAuthError
	default:
		return err.Error()
	}
}
