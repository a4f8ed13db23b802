package model

import (
	"encoding/json"
	"sort"
)

// CallbackArgKey is a defined string type so generated callback classes can
// use named constants (`args[UserIDKey]`) interchangeably with raw string
// keys (`args["user_id"]`). Go has no string/symbol duality, so both forms
// simply are strings under the hood.
type CallbackArgKey string

// CallbackArgs is a string-keyed map of JSON-scalar values, deep-frozen
// after construction and iterated in insertion order.
type CallbackArgs struct {
	order  []string
	values map[string]interface{}
}

// NewCallbackArgs builds a frozen CallbackArgs from a plain map. Since Go map
// iteration order is random, callers that care about insertion order should
// use NewCallbackArgsOrdered.
func NewCallbackArgs(m map[string]interface{}) CallbackArgs {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return NewCallbackArgsOrdered(keys, m)
}

// NewCallbackArgsOrdered builds a frozen CallbackArgs preserving the given
// key order.
func NewCallbackArgsOrdered(order []string, m map[string]interface{}) CallbackArgs {
	values := make(map[string]interface{}, len(m))
	out := make([]string, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		v, ok := m[k]
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		values[k] = cloneScalar(v)
		out = append(out, k)
	}
	return CallbackArgs{order: out, values: values}
}

// Get resolves either a raw string or a CallbackArgKey to the same value.
func (c CallbackArgs) Get(key interface{}) (interface{}, bool) {
	k := keyString(key)
	v, ok := c.values[k]
	return v, ok
}

func (c CallbackArgs) String(key interface{}) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c CallbackArgs) Int(key interface{}) int {
	v, ok := c.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func (c CallbackArgs) Bool(key interface{}) bool {
	v, ok := c.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func keyString(key interface{}) string {
	switch k := key.(type) {
	case CallbackArgKey:
		return string(k)
	case string:
		return k
	case stringer:
		return k.String()
	default:
		return ""
	}
}

type stringer interface{ String() string }

// Keys returns the key set in insertion order.
func (c CallbackArgs) Keys() []string {
	return append([]string(nil), c.order...)
}

// Len reports the number of entries.
func (c CallbackArgs) Len() int { return len(c.order) }

// Each iterates key/value pairs in insertion order.
func (c CallbackArgs) Each(fn func(key string, value interface{})) {
	for _, k := range c.order {
		fn(k, c.values[k])
	}
}

// ToMap returns a defensive copy of the underlying map.
func (c CallbackArgs) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Equal compares two CallbackArgs for value equality (order-independent),
// used by round-trip tests.
func (c CallbackArgs) Equal(other CallbackArgs) bool {
	if len(c.values) != len(other.values) {
		return false
	}
	for k, v := range c.values {
		ov, ok := other.values[k]
		if !ok {
			return false
		}
		if !scalarEqual(v, ov) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func cloneScalar(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = cloneScalar(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneScalar(vv)
		}
		return out
	default:
		return v
	}
}
