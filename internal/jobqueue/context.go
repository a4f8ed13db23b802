package jobqueue

import "context"

// RequestJobClass is the envelope class used when a request enters the
// processor from outside an existing job's context: on execution the
// registered handler rebuilds the request from the envelope and calls
// Processor.Enqueue again, which is what makes shutdown-time re-enqueue and
// orphan recovery actually resubmit the work instead of dropping it.
const RequestJobClass = "RequestJob"

type currentJobKey struct{}

// WithCurrentJob returns a context carrying env as the job currently being
// executed. Installed by CaptureCurrentJob so code running inside a handler
// can ask "which job am I?" without a thread-local.
func WithCurrentJob(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, currentJobKey{}, env)
}

// CurrentJob reports the job envelope the calling code is executing under,
// if any. The Client's enqueue path uses this to stamp a request with the
// envelope that should be re-pushed if the request has to be handed back to
// the queue.
func CurrentJob(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(currentJobKey{}).(Envelope)
	return env, ok
}

// CaptureCurrentJob is the middleware that makes CurrentJob work: it wraps
// every dispatch so the handler (and anything it calls) sees its own
// envelope in the context.
func CaptureCurrentJob() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env Envelope) error {
			return next(WithCurrentJob(ctx, env), env)
		}
	}
}
