package model

import (
	"fmt"
	"time"
)

// Response is immutable once constructed. Status is stored as given and is
// not range-checked; ClientError reports 400-499, ServerError 500-599,
// Success 200-299.
type Response struct {
	Status       int
	HeadersVal   Headers
	Body         []byte
	Protocol     string
	Duration     time.Duration
	RequestID    string
	URL          string
	Method       Method
	CallbackArgs CallbackArgs
	Redirects    []string

	// BodyRef is set instead of Body when the body has been transferred to
	// an external payload store.
	BodyRef *PayloadRef
}

// PayloadRef is the `body_ref: { store, key }` substitution for an
// oversized body.
type PayloadRef struct {
	Store string
	Key   string
}

func (r Response) Success() bool     { return r.Status >= 200 && r.Status <= 299 }
func (r Response) ClientError() bool { return r.Status >= 400 && r.Status <= 499 }
func (r Response) ServerError() bool { return r.Status >= 500 && r.Status <= 599 }

func (r Response) Headers() Headers { return r.HeadersVal.Clone() }

// AsHash serializes r into a JSON-safe map. When BodyRef is set, "body" is
// omitted and "body_ref" carries the substitution; internal/callback
// resolves it back to a body via the matching payloadstore.Store.
func (r Response) AsHash() map[string]interface{} {
	h := map[string]interface{}{
		"status":        r.Status,
		"headers":       r.HeadersVal.ToMapSlice(),
		"protocol":      r.Protocol,
		"duration_ms":   r.Duration.Milliseconds(),
		"request_id":    r.RequestID,
		"url":           r.URL,
		"method":        string(r.Method),
		"callback_args": r.CallbackArgs.ToMap(),
		"redirects":     append([]string(nil), r.Redirects...),
	}
	if r.BodyRef != nil {
		h["body_ref"] = map[string]interface{}{"store": r.BodyRef.Store, "key": r.BodyRef.Key}
	} else {
		h["body"] = r.Body
	}
	return h
}

// LoadResponse reconstructs a Response from AsHash's output. If the hash
// carries a body_ref, Body is left nil and BodyRef is populated; resolving
// it back to the stored body happens one layer up, where the payload store
// is reachable.
func LoadResponse(h map[string]interface{}) Response {
	r := Response{
		Status:    asInt(h["status"]),
		Protocol:  fmt.Sprint(h["protocol"]),
		Duration:  time.Duration(asInt64(h["duration_ms"])) * time.Millisecond,
		RequestID: fmt.Sprint(h["request_id"]),
		URL:       fmt.Sprint(h["url"]),
		Method:    Method(fmt.Sprint(h["method"])),
	}
	if m, ok := h["callback_args"].(map[string]interface{}); ok {
		r.CallbackArgs = NewCallbackArgs(m)
	}
	if rs, ok := h["redirects"].([]string); ok {
		r.Redirects = rs
	} else if rs, ok := h["redirects"].([]interface{}); ok {
		for _, v := range rs {
			r.Redirects = append(r.Redirects, fmt.Sprint(v))
		}
	}
	r.HeadersVal = headersFromAny(h["headers"])

	if ref, ok := h["body_ref"].(map[string]interface{}); ok {
		r.BodyRef = &PayloadRef{Store: fmt.Sprint(ref["store"]), Key: fmt.Sprint(ref["key"])}
	} else if b, ok := h["body"].([]byte); ok {
		r.Body = b
	} else if s, ok := h["body"].(string); ok {
		r.Body = []byte(s)
	}
	return r
}

func headersFromAny(v interface{}) Headers {
	switch hv := v.(type) {
	case map[string][]string:
		return HeadersFromMapSlice(hv)
	case map[string]interface{}:
		flat := make(map[string][]string, len(hv))
		for k, vv := range hv {
			switch t := vv.(type) {
			case []interface{}:
				for _, s := range t {
					flat[k] = append(flat[k], fmt.Sprint(s))
				}
			default:
				flat[k] = []string{fmt.Sprint(vv)}
			}
		}
		return HeadersFromMapSlice(flat)
	default:
		return NewHeaders()
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
