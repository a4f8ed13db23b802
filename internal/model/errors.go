package model

import (
	"fmt"
	"time"
)

// ErrorType classifies a transport failure using a fixed tie-break order:
// timeout, ssl, connection, response_too_large, redirect, protocol, unknown
// (first matching category wins).
type ErrorType string

const (
	ErrorTimeout           ErrorType = "timeout"
	ErrorConnection        ErrorType = "connection"
	ErrorSSL               ErrorType = "ssl"
	ErrorProtocol          ErrorType = "protocol"
	ErrorResponseTooLarge  ErrorType = "response_too_large"
	ErrorRedirect          ErrorType = "redirect"
	ErrorUnknown           ErrorType = "unknown"
)

// TransportError is the transport-level failure value delivered to a
// callback when an exchange never got an HTTP response. It implements the
// `error` interface so it composes with normal Go error handling, but it is
// also a plain immutable value that round-trips through AsHash/Load.
type TransportError struct {
	ClassName    string
	Message      string
	Backtrace    []string
	Type         ErrorType
	Duration     time.Duration
	RequestID    string
	URL          string
	Method       Method
	CallbackArgs CallbackArgs
}

func (e *TransportError) Error() string {
	if e == nil {
		return "asynchttp: transport error"
	}
	return fmt.Sprintf("asynchttp: %s (%s): %s", e.ClassName, e.Type, e.Message)
}

func NewTransportError(errType ErrorType, class string, cause error, req Request, duration time.Duration) *TransportError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &TransportError{
		ClassName:    class,
		Message:      msg,
		Type:         errType,
		Duration:     duration,
		RequestID:    req.ID(),
		URL:          req.URL(),
		Method:       req.Method(),
		CallbackArgs: req.CallbackArgs(),
	}
}

func (e *TransportError) AsHash() map[string]interface{} {
	return map[string]interface{}{
		"error_class":   e.ClassName,
		"message":       e.Message,
		"backtrace":     e.Backtrace,
		"error_type":    string(e.Type),
		"duration_ms":   e.Duration.Milliseconds(),
		"request_id":    e.RequestID,
		"url":           e.URL,
		"method":        string(e.Method),
		"callback_args": e.CallbackArgs.ToMap(),
	}
}

func LoadTransportError(h map[string]interface{}) *TransportError {
	e := &TransportError{
		ClassName: fmt.Sprint(h["error_class"]),
		Message:   fmt.Sprint(h["message"]),
		Type:      ErrorType(fmt.Sprint(h["error_type"])),
		Duration:  time.Duration(asInt64(h["duration_ms"])) * time.Millisecond,
		RequestID: fmt.Sprint(h["request_id"]),
		URL:       fmt.Sprint(h["url"]),
		Method:    Method(fmt.Sprint(h["method"])),
	}
	if bt, ok := h["backtrace"].([]string); ok {
		e.Backtrace = bt
	} else if bt, ok := h["backtrace"].([]interface{}); ok {
		for _, v := range bt {
			e.Backtrace = append(e.Backtrace, fmt.Sprint(v))
		}
	}
	if m, ok := h["callback_args"].(map[string]interface{}); ok {
		e.CallbackArgs = NewCallbackArgs(m)
	}
	return e
}

// HTTPError wraps a Response with status >= 400, produced only when
// raise_error_responses is set.
type HTTPError struct {
	Response Response
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("asynchttp: http error: status=%d url=%s", e.Response.Status, e.Response.URL)
}

// ClientError is the 4xx subtype of HTTPError.
type ClientError struct{ HTTPError }

// ServerError is the 5xx subtype of HTTPError.
type ServerError struct{ HTTPError }

// NewHTTPError dispatches to ClientError or ServerError based on status.
func NewHTTPError(resp Response) error {
	switch {
	case resp.ClientError():
		return &ClientError{HTTPError{Response: resp}}
	case resp.ServerError():
		return &ServerError{HTTPError{Response: resp}}
	default:
		return &HTTPError{Response: resp}
	}
}

func (e *HTTPError) AsHash() map[string]interface{} {
	h := e.Response.AsHash()
	h["error_class"] = httpErrorClassName(e.Response)
	return h
}

func httpErrorClassName(resp Response) string {
	switch {
	case resp.ClientError():
		return "ClientError"
	case resp.ServerError():
		return "ServerError"
	default:
		return "HTTPError"
	}
}

// LoadHTTPError reconstructs a ClientError/ServerError from AsHash's output.
func LoadHTTPError(h map[string]interface{}) error {
	resp := LoadResponse(h)
	return NewHTTPError(resp)
}

// RedirectError is the common shape of TooManyRedirectsError and
// RecursiveRedirectError: both carry the ordered list of visited URLs
// in the order they were followed, which callers are expected to assert
// against exactly.
type RedirectError struct {
	RequestID    string
	URL          string
	Method       Method
	Redirects    []string
	CallbackArgs CallbackArgs
	Message      string
}

// TooManyRedirectsError is raised when the hop count exceeds max_redirects.
type TooManyRedirectsError struct{ RedirectError }

// RecursiveRedirectError is raised when a redirect target was already
// visited during this request (a cycle).
type RecursiveRedirectError struct{ RedirectError }

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("asynchttp: too many redirects for %s (visited %d)", e.URL, len(e.Redirects))
}

func (e *RecursiveRedirectError) Error() string {
	return fmt.Sprintf("asynchttp: recursive redirect for %s (visited %d)", e.URL, len(e.Redirects))
}

func NewTooManyRedirectsError(req Request, redirects []string) *TooManyRedirectsError {
	return &TooManyRedirectsError{RedirectError{
		RequestID:    req.ID(),
		URL:          req.URL(),
		Method:       req.Method(),
		Redirects:    append([]string(nil), redirects...),
		CallbackArgs: req.CallbackArgs(),
		Message:      "too many redirects",
	}}
}

func NewRecursiveRedirectError(req Request, redirects []string) *RecursiveRedirectError {
	return &RecursiveRedirectError{RedirectError{
		RequestID:    req.ID(),
		URL:          req.URL(),
		Method:       req.Method(),
		Redirects:    append([]string(nil), redirects...),
		CallbackArgs: req.CallbackArgs(),
		Message:      "recursive redirect",
	}}
}

func (e *RedirectError) AsHash(errorClass string) map[string]interface{} {
	return map[string]interface{}{
		"error_class":   errorClass,
		"message":       e.Message,
		"request_id":    e.RequestID,
		"url":           e.URL,
		"method":        string(e.Method),
		"redirects":     append([]string(nil), e.Redirects...),
		"callback_args": e.CallbackArgs.ToMap(),
	}
}

func (e *TooManyRedirectsError) AsHash() map[string]interface{} {
	return e.RedirectError.AsHash("TooManyRedirectsError")
}

func (e *RecursiveRedirectError) AsHash() map[string]interface{} {
	return e.RedirectError.AsHash("RecursiveRedirectError")
}

// LoadRedirectError dispatches on the embedded error_class string to decide
// which concrete type to build.
func LoadRedirectError(h map[string]interface{}) error {
	base := RedirectError{
		RequestID: fmt.Sprint(h["request_id"]),
		URL:       fmt.Sprint(h["url"]),
		Method:    Method(fmt.Sprint(h["method"])),
		Message:   fmt.Sprint(h["message"]),
	}
	if rs, ok := h["redirects"].([]string); ok {
		base.Redirects = rs
	} else if rs, ok := h["redirects"].([]interface{}); ok {
		for _, v := range rs {
			base.Redirects = append(base.Redirects, fmt.Sprint(v))
		}
	}
	if m, ok := h["callback_args"].(map[string]interface{}); ok {
		base.CallbackArgs = NewCallbackArgs(m)
	}
	switch fmt.Sprint(h["error_class"]) {
	case "RecursiveRedirectError":
		return &RecursiveRedirectError{base}
	default:
		return &TooManyRedirectsError{base}
	}
}

// System errors, raised synchronously to the enqueue caller and never
// delivered to a callback.
type NotRunningError struct{}

func (*NotRunningError) Error() string { return "asynchttp: processor is not running" }

type MaxCapacityError struct{ MaxConnections int }

func (e *MaxCapacityError) Error() string {
	return fmt.Sprintf("asynchttp: at capacity (max_connections=%d)", e.MaxConnections)
}
