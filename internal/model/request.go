package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Method is one of the HTTP methods the core understands.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

func (m Method) valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions:
		return true
	default:
		return false
	}
}

// forbidsBody reports whether this method must not carry a request body,
// per the method's own semantics (GET/DELETE/HEAD/OPTIONS forbid a body).
func (m Method) forbidsBody() bool {
	switch m {
	case MethodGet, MethodDelete, MethodHead, MethodOptions:
		return true
	default:
		return false
	}
}

// JobEnvelope is the opaque handle a Request carries so the Processor can
// re-enqueue the exact same job on shutdown or orphan recovery. The concrete
// shape is owned by the jobqueue collaborator; the core only ever serializes
// and resubmits it, bumping RetryCount on each hand-back so operators can
// spot a job that keeps bouncing.
type JobEnvelope struct {
	Class      string                 `json:"class"`
	Args       map[string]interface{} `json:"args"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RetryCount int                    `json:"retry_count"`
}

// Request is immutable once constructed via NewRequest. id is unique per process
// lifetime and every field is validated at construction.
type Request struct {
	id                    string
	method                Method
	url                   string
	headers               Headers
	body                  []byte
	timeout               time.Duration
	connectTimeout        time.Duration
	maxRedirects          int
	raiseErrorResponses   bool
	callbackClassName     string
	callbackArgs          CallbackArgs
	jobEnvelope           JobEnvelope
}

// Options configures a new Request.
type Options struct {
	Headers             map[string]string
	Params              map[string]string
	Body                []byte
	Timeout             time.Duration
	ConnectTimeout      time.Duration
	MaxRedirects        int
	RaiseErrorResponses bool
	CallbackClassName   string
	CallbackArgs        map[string]interface{}
	JobEnvelope         JobEnvelope
}

const (
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxRedirects   = 10
)

// NewRequest validates and constructs an immutable Request. It is the only
// way to obtain a Request: there is no exported mutator.
func NewRequest(method Method, rawURL string, opts Options) (Request, error) {
	if !method.valid() {
		return Request{}, fmt.Errorf("asynchttp: invalid method %q", method)
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !parsed.IsAbs() {
		return Request{}, fmt.Errorf("asynchttp: url must be absolute: %q", rawURL)
	}

	if len(opts.Params) > 0 {
		q := parsed.Query()
		for k, v := range opts.Params {
			q.Set(k, v)
		}
		parsed.RawQuery = q.Encode()
	}

	if method.forbidsBody() && len(opts.Body) > 0 {
		return Request{}, fmt.Errorf("asynchttp: method %s forbids a request body", method)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects < 0 {
		return Request{}, fmt.Errorf("asynchttp: max_redirects must be >= 0")
	}
	if maxRedirects == 0 {
		maxRedirects = DefaultMaxRedirects
	}

	r := Request{
		id:                  uuid.NewString(),
		method:              method,
		url:                 parsed.String(),
		headers:             HeadersFromMap(opts.Headers),
		body:                append([]byte(nil), opts.Body...),
		timeout:             timeout,
		connectTimeout:      connectTimeout,
		maxRedirects:        maxRedirects,
		raiseErrorResponses: opts.RaiseErrorResponses,
		callbackClassName:   strings.TrimSpace(opts.CallbackClassName),
		callbackArgs:        NewCallbackArgs(opts.CallbackArgs),
		jobEnvelope:         opts.JobEnvelope,
	}
	return r, nil
}

func (r Request) ID() string                    { return r.id }
func (r Request) Method() Method                { return r.method }
func (r Request) URL() string                   { return r.url }
func (r Request) Headers() Headers              { return r.headers.Clone() }
func (r Request) Body() []byte                  { return append([]byte(nil), r.body...) }
func (r Request) Timeout() time.Duration        { return r.timeout }
func (r Request) ConnectTimeout() time.Duration { return r.connectTimeout }
func (r Request) MaxRedirects() int              { return r.maxRedirects }
func (r Request) RaiseErrorResponses() bool      { return r.raiseErrorResponses }
func (r Request) CallbackClassName() string      { return r.callbackClassName }
func (r Request) CallbackArgs() CallbackArgs     { return r.callbackArgs }
func (r Request) JobEnvelope() JobEnvelope       { return r.jobEnvelope }

// WithJobEnvelope returns a copy of r carrying a new job envelope. Used when
// the jobqueue middleware captures the current job context at enqueue time.
func (r Request) WithJobEnvelope(env JobEnvelope) Request {
	r.jobEnvelope = env
	return r
}

// AsHash returns a JSON-safe, string-keyed map suitable for storing in a
// job's args and round-tripping back through LoadRequest.
func (r Request) AsHash() map[string]interface{} {
	return map[string]interface{}{
		"id":                    r.id,
		"method":                string(r.method),
		"url":                   r.url,
		"headers":               r.headers.ToMapSlice(),
		"body":                  r.body,
		"timeout_seconds":       r.timeout.Seconds(),
		"connect_timeout_seconds": r.connectTimeout.Seconds(),
		"max_redirects":         r.maxRedirects,
		"raise_error_responses": r.raiseErrorResponses,
		"callback_class_name":   r.callbackClassName,
		"callback_args":         r.callbackArgs.ToMap(),
		"job_envelope": map[string]interface{}{
			"class":       r.jobEnvelope.Class,
			"args":        r.jobEnvelope.Args,
			"metadata":    r.jobEnvelope.Metadata,
			"retry_count": r.jobEnvelope.RetryCount,
		},
	}
}

// LoadRequest reconstructs a Request from AsHash's output. Round-trip must
// preserve every field including callback_args.
func LoadRequest(h map[string]interface{}) (Request, error) {
	method := Method(fmt.Sprint(h["method"]))
	rawURL := fmt.Sprint(h["url"])

	opts := Options{
		MaxRedirects: asInt(h["max_redirects"]),
		Timeout:      durationFromSeconds(h["timeout_seconds"]),
		ConnectTimeout: durationFromSeconds(h["connect_timeout_seconds"]),
	}
	if b, ok := asBool(h["raise_error_responses"]); ok {
		opts.RaiseErrorResponses = b
	}
	opts.CallbackClassName = fmt.Sprint(h["callback_class_name"])
	if m, ok := h["callback_args"].(map[string]interface{}); ok {
		opts.CallbackArgs = m
	}
	if body, ok := h["body"].([]byte); ok {
		opts.Body = body
	} else if s, ok := h["body"].(string); ok && s != "" {
		opts.Body = []byte(s)
	}

	req, err := NewRequest(method, rawURL, opts)
	if err != nil {
		return Request{}, err
	}

	if hv, ok := h["headers"].(map[string][]string); ok {
		req.headers = HeadersFromMapSlice(hv)
	} else if hv, ok := h["headers"].(map[string]interface{}); ok {
		flat := make(map[string][]string, len(hv))
		for k, v := range hv {
			switch vv := v.(type) {
			case []interface{}:
				for _, s := range vv {
					flat[k] = append(flat[k], fmt.Sprint(s))
				}
			default:
				flat[k] = []string{fmt.Sprint(v)}
			}
		}
		req.headers = HeadersFromMapSlice(flat)
	}

	if id, ok := h["id"].(string); ok && id != "" {
		req.id = id
	}
	if je, ok := h["job_envelope"].(map[string]interface{}); ok {
		env := JobEnvelope{}
		if c, ok := je["class"].(string); ok {
			env.Class = c
		}
		if a, ok := je["args"].(map[string]interface{}); ok {
			env.Args = a
		}
		if md, ok := je["metadata"].(map[string]interface{}); ok {
			env.Metadata = md
		}
		env.RetryCount = asInt(je["retry_count"])
		req.jobEnvelope = env
	}

	return req, nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func durationFromSeconds(v interface{}) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	default:
		return 0
	}
}
