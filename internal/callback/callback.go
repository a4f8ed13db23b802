// Package callback turns a finished HTTP exchange into a job for the
// embedding application's own worker pool: it serializes the terminal
// Response or error, externalizes an oversized body through the configured
// payload store, and pushes a CallbackJob onto the job queue. Grounded on
// internal/services/job_notifier.go's "serialize domain event, hand off to
// a notification channel" shape, adapted from SSE broadcast to job-queue
// push.
package callback

import (
	"context"
	"fmt"
	"sync"

	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/model"
	"github.com/asynchttp/asynchttp/internal/payloadstore"
)

// CallbackJobClass is the job-queue class every callback dispatch is pushed
// under; the actual application-defined callback (looked up by
// req.CallbackClassName()) is named inside the envelope's args, not the
// class itself, since every exchange shares the same execution path
// (resolve callback, load blob, invoke, unstore).
const CallbackJobClass = "CallbackJob"

// HandlerFunc is an application-registered callback: given the resolved,
// JSON-safe payload (a Response's or error's AsHash(), with any body_ref
// already resolved back to a body), do something with it.
type HandlerFunc func(ctx context.Context, kind Kind, payload map[string]interface{}) error

// Kind distinguishes a successful exchange from a failed one, since an
// application's on_complete and on_error callbacks usually differ.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Registry maps a callback_class_name to the HandlerFunc that implements it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(class string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = h
}

func (r *Registry) get(class string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	return h, ok
}

// Dispatcher implements processor.CallbackDispatcher: it is the processor's
// only point of contact with the payload-store collaborator and the path by
// which callback jobs reach the job queue (the processor pushes re-enqueued
// request envelopes itself).
type Dispatcher struct {
	cfg   *config.Configuration
	queue jobqueue.Queue
}

func NewDispatcher(cfg *config.Configuration, queue jobqueue.Queue) *Dispatcher {
	return &Dispatcher{cfg: cfg, queue: queue}
}

func (d *Dispatcher) DispatchSuccess(ctx context.Context, req model.Request, resp model.Response) error {
	for _, hook := range d.cfg.AfterCompletionHooks {
		hook(ctx, resp)
	}

	hash := resp.AsHash()
	if resp.BodyRef == nil {
		if err := d.externalizeBody(ctx, hash, resp.Body); err != nil {
			d.cfg.Logger.Warn("failed to externalize response body", "request_id", req.ID(), "error", err)
		}
	}

	return d.push(ctx, req, KindSuccess, hash)
}

func (d *Dispatcher) DispatchError(ctx context.Context, req model.Request, execErr error) error {
	for _, hook := range d.cfg.AfterErrorHooks {
		hook(ctx, execErr)
	}

	return d.push(ctx, req, KindError, errorHash(execErr))
}

func errorHash(err error) map[string]interface{} {
	switch e := err.(type) {
	case *model.TransportError:
		return e.AsHash()
	case *model.TooManyRedirectsError:
		return e.AsHash()
	case *model.RecursiveRedirectError:
		return e.AsHash()
	case *model.ClientError:
		return e.AsHash()
	case *model.ServerError:
		return e.AsHash()
	case *model.HTTPError:
		return e.AsHash()
	default:
		return map[string]interface{}{"error_class": "UnknownError", "message": err.Error()}
	}
}

// externalizeBody moves body into the default payload store and rewrites
// hash in place with a body_ref, when body exceeds payload_store_threshold.
func (d *Dispatcher) externalizeBody(ctx context.Context, hash map[string]interface{}, body []byte) error {
	if int64(len(body)) <= int64(d.cfg.PayloadStoreThreshold) {
		return nil
	}
	name, store, ok := d.cfg.PayloadStores.Default()
	if !ok {
		return nil
	}
	key := store.GenerateKey()
	if err := store.Store(ctx, key, body); err != nil {
		return fmt.Errorf("asynchttp: store oversized body: %w", err)
	}
	delete(hash, "body")
	hash["body_ref"] = map[string]interface{}{"store": name, "key": key}
	return nil
}

func (d *Dispatcher) push(ctx context.Context, req model.Request, kind Kind, payload map[string]interface{}) error {
	env := jobqueue.Envelope{
		ID:    req.ID(),
		Class: CallbackJobClass,
		Args: map[string]interface{}{
			"kind":                string(kind),
			"callback_class_name": req.CallbackClassName(),
			"payload":             payload,
		},
	}
	if d.queue == nil {
		return nil
	}
	return d.queue.Push(ctx, env)
}

// RegisterJobHandler wires the CallbackJobClass handler onto queue: it
// resolves any body_ref back to a body via stores, looks up the
// application-registered HandlerFunc for the callback class, invokes it,
// and always unstores the externally-held body afterward — even if the
// handler errors, so a failed callback never leaks a payload store entry.
func RegisterJobHandler(queue jobqueue.Queue, handlers *Registry, stores *payloadstore.Registry) {
	queue.RegisterHandler(CallbackJobClass, func(ctx context.Context, env jobqueue.Envelope) error {
		kind, _ := env.Args["kind"].(string)
		class, _ := env.Args["callback_class_name"].(string)
		payload, _ := env.Args["payload"].(map[string]interface{})

		ref, hasRef := resolvePayloadRef(payload)
		if hasRef {
			if err := resolveBodyRef(ctx, payload, ref, stores); err != nil {
				return fmt.Errorf("asynchttp: resolve body_ref: %w", err)
			}
			defer unstore(ctx, ref, stores)
		}

		h, ok := handlers.get(class)
		if !ok {
			return fmt.Errorf("asynchttp: no callback handler registered for class %q", class)
		}
		return h(ctx, Kind(kind), payload)
	})
}

type payloadRef struct {
	store string
	key   string
}

func resolvePayloadRef(payload map[string]interface{}) (payloadRef, bool) {
	raw, ok := payload["body_ref"].(map[string]interface{})
	if !ok {
		return payloadRef{}, false
	}
	return payloadRef{store: fmt.Sprint(raw["store"]), key: fmt.Sprint(raw["key"])}, true
}

func resolveBodyRef(ctx context.Context, payload map[string]interface{}, ref payloadRef, stores *payloadstore.Registry) error {
	store, ok := stores.Get(ref.store)
	if !ok {
		return fmt.Errorf("asynchttp: unknown payload store %q", ref.store)
	}
	data, found, err := store.Fetch(ctx, ref.key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("asynchttp: payload %q not found in store %q", ref.key, ref.store)
	}
	delete(payload, "body_ref")
	payload["body"] = data
	return nil
}

func unstore(ctx context.Context, ref payloadRef, stores *payloadstore.Registry) {
	store, ok := stores.Get(ref.store)
	if !ok {
		return
	}
	_ = store.Delete(ctx, ref.key)
}
