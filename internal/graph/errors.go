package graph

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RequestError is a non-2xx answer from the remote API.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
	Body       []byte

	retryAfter time.Duration
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("graph %s %s: http %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("graph %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *RequestError) HTTPStatus() int { return e.StatusCode }

// RetryAfter is the server-requested delay, zero when none was sent.
func (e *RequestError) RetryAfter() time.Duration { return e.retryAfter }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// IsGone reports an expired delta token or a removed resource.
func IsGone(err error) bool { return StatusCode(err) == http.StatusGone }

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if d := ts.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
