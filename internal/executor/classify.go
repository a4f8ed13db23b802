package executor

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/asynchttp/asynchttp/internal/model"
)

// classify maps a transport-level error to an ErrorType using a fixed
// tie-break order: timeout, ssl, connection, response_too_large, redirect,
// protocol, unknown — first match wins.
//
// deadlineExceeded lets the caller distinguish "our own context deadline
// fired" (always :timeout) from errors the transport itself reports.
func classify(err error, deadlineExceeded bool) model.ErrorType {
	if err == nil {
		return model.ErrorUnknown
	}

	if deadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorTimeout
	}

	var tlsErr tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return model.ErrorSSL
	}
	if isTLSError(err) {
		return model.ErrorSSL
	}

	if isConnectionError(err) {
		return model.ErrorConnection
	}

	var tooLarge *responseTooLargeError
	if errors.As(err, &tooLarge) {
		return model.ErrorResponseTooLarge
	}

	if isProtocolError(err) {
		return model.ErrorProtocol
	}

	return model.ErrorUnknown
}

func isTLSError(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls:"),
		strings.Contains(msg, "x509:"),
		strings.Contains(msg, "certificate"),
		strings.Contains(msg, "handshake failure"):
		return true
	default:
		return false
	}
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isConnectionError(urlErr.Err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "host is unreachable"),
		strings.Contains(msg, "eof"):
		return true
	default:
		return false
	}
}

func isProtocolError(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "malformed http"),
		strings.Contains(msg, "http: "),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "protocol error"):
		return true
	default:
		return false
	}
}

// responseTooLargeError signals that the body read was aborted because it
// exceeded max_response_size.
type responseTooLargeError struct {
	limit int64
}

func (e *responseTooLargeError) Error() string {
	return "asynchttp: response body exceeded max_response_size"
}
