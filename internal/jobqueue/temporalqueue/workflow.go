package temporalqueue

import (
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/asynchttp/asynchttp/internal/jobqueue"
)

// DispatchWorkflow runs a single Envelope to completion as one Activity
// execution, giving every callback dispatch Temporal's retry and history
// guarantees for free. Modeled on jobrun/workflow.go's
// tick-via-activity shape, simplified to a single activity call since a
// callback dispatch has no multi-stage resumption state to track.
func DispatchWorkflow(ctx workflow.Context, env jobqueue.Envelope) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
	})
	return workflow.ExecuteActivity(ctx, ExecuteEnvelopeActivityName, env).Get(ctx, nil)
}

// ExecuteEnvelopeActivityName is the registered name for the activity that
// looks up and runs the handler for env.Class. Named explicitly (rather than
// registered by Go function identity) so Queue.Start can register it once per
// Queue instance with a closure bound to that instance's handler map.
const ExecuteEnvelopeActivityName = "asynchttp.ExecuteEnvelope"
