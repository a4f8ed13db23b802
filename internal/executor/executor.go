// Package executor wraps Go's net/http with the connection pooling, redirect
// policy, size limiting, and error classification the processor needs from
// its HTTP transport, the way oaihttp/client.go wraps net/http for the
// inference engine's outbound calls.
package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/model"
)

// Executor performs a single HTTP exchange on behalf of a Request, handling
// redirects, response size limits and timeouts itself rather than relying on
// net/http's defaults, so the resulting error/response shape matches the
// model package's contract exactly.
type Executor struct {
	cfg  *config.Configuration
	pool *hostPool
}

func New(cfg *config.Configuration) *Executor {
	return &Executor{
		cfg:  cfg,
		pool: newHostPool(cfg.MaxHostClients, cfg.IdleConnectionTimeout, cfg.EnableHTTP2, cfg.ProxyURL),
	}
}

// Close releases pooled connections. Safe to call once, at process shutdown.
func (e *Executor) Close() {
	e.pool.closeAll()
}

// Do performs req's HTTP exchange, including any redirect hops, and returns
// either a populated Response or one of model's error types: *TransportError
// for network/timeout/protocol failures, *TooManyRedirectsError /
// *RecursiveRedirectError for redirect policy violations, or *ClientError /
// *ServerError when req.RaiseErrorResponses() is set and the final status is
// >= 400.
func (e *Executor) Do(ctx context.Context, req model.Request) (model.Response, error) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()
	ctx = withConnectTimeout(ctx, req.ConnectTimeout())

	resp, redirects, err := e.exchange(ctx, req)
	duration := time.Since(started)

	if err != nil {
		if tooMany, ok := err.(*redirectExceededError); ok {
			if tooMany.recursive {
				return model.Response{}, model.NewRecursiveRedirectError(req, tooMany.visited)
			}
			return model.Response{}, model.NewTooManyRedirectsError(req, tooMany.visited)
		}

		deadlineExceeded := ctx.Err() == context.DeadlineExceeded
		errType := classify(err, deadlineExceeded)
		return model.Response{}, model.NewTransportError(errType, transportErrorClass(errType), err, req, duration)
	}

	response := model.Response{
		Status:       resp.status,
		HeadersVal:   resp.headers,
		Body:         resp.body,
		Protocol:     resp.protocol,
		Duration:     duration,
		RequestID:    req.ID(),
		URL:          req.URL(),
		Method:       req.Method(),
		CallbackArgs: req.CallbackArgs(),
		Redirects:    redirects,
	}

	if req.RaiseErrorResponses() && (response.ClientError() || response.ServerError()) {
		return response, model.NewHTTPError(response)
	}
	return response, nil
}

func transportErrorClass(t model.ErrorType) string {
	switch t {
	case model.ErrorTimeout:
		return "TimeoutError"
	case model.ErrorSSL:
		return "SSLError"
	case model.ErrorConnection:
		return "ConnectionError"
	case model.ErrorResponseTooLarge:
		return "ResponseTooLargeError"
	case model.ErrorProtocol:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

type rawResponse struct {
	status   int
	headers  model.Headers
	body     []byte
	protocol string
}

type redirectExceededError struct {
	recursive bool
	visited   []string
}

func (e *redirectExceededError) Error() string {
	if e.recursive {
		return "asynchttp: recursive redirect detected"
	}
	return "asynchttp: too many redirects"
}

// exchange performs req, manually following redirects (net/http's automatic
// following is disabled below) so every hop can be recorded in order and
// checked for cycles before being followed, per the redirect bookkeeping
// model.RedirectError captures.
func (e *Executor) exchange(ctx context.Context, req model.Request) (*rawResponse, []string, error) {
	currentURL := req.URL()
	currentMethod := req.Method()
	body := req.Body()

	visited := make([]string, 0, 4)
	seen := map[string]struct{}{currentURL: {}}

	for hop := 0; ; hop++ {
		parsed, err := url.Parse(currentURL)
		if err != nil {
			return nil, visited, err
		}

		if hop > 0 {
			if _, ok := seen[currentURL]; ok {
				return nil, visited, &redirectExceededError{recursive: true, visited: visited}
			}
			if hop > req.MaxRedirects() {
				return nil, visited, &redirectExceededError{recursive: false, visited: visited}
			}
			visited = append(visited, currentURL)
			seen[currentURL] = struct{}{}
		}

		httpReq, err := http.NewRequestWithContext(ctx, string(currentMethod), currentURL, bodyReader(body))
		if err != nil {
			return nil, visited, err
		}
		req.Headers().Each(func(key string, values []string) {
			for _, v := range values {
				httpReq.Header.Add(key, v)
			}
		})

		transport := e.pool.transportFor(parsed)
		client := &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}

		httpResp, err := client.Do(httpReq)
		if err != nil {
			return nil, visited, err
		}

		raw, err := e.readResponse(httpResp)
		if err != nil {
			return nil, visited, err
		}

		if location, isRedirect := redirectLocation(httpResp, parsed); isRedirect {
			currentURL = location
			if redirectChangesToGet(httpResp.StatusCode, currentMethod) {
				currentMethod = model.MethodGet
				body = nil
			}
			continue
		}

		return raw, visited, nil
	}
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

// redirectChangesToGet mirrors standard browser/curl redirect semantics:
// 303 switches every method except GET and HEAD to GET; 301/302 switch to
// GET only for POST (other methods are preserved).
func redirectChangesToGet(status int, method model.Method) bool {
	switch status {
	case http.StatusSeeOther:
		return method != model.MethodGet && method != model.MethodHead
	case http.StatusMovedPermanently, http.StatusFound:
		return method == model.MethodPost
	default:
		return false
	}
}

func redirectLocation(resp *http.Response, base *url.URL) (string, bool) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return "", false
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", false
	}
	parsed, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(parsed).String(), true
}

// readResponse reads the body up to max_response_size+1 bytes, returning a
// *responseTooLargeError the moment the cap is exceeded rather than buffering
// an unbounded body in memory.
func (e *Executor) readResponse(resp *http.Response) (*rawResponse, error) {
	defer resp.Body.Close()

	limit := e.cfg.MaxResponseSize
	limited := io.LimitReader(resp.Body, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &responseTooLargeError{limit: limit}
	}

	headers := model.NewHeaders()
	for k, vs := range resp.Header {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	return &rawResponse{
		status:   resp.StatusCode,
		headers:  headers,
		body:     data,
		protocol: resp.Proto,
	}, nil
}
