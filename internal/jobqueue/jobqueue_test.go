package jobqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainAppliesFirstRegisteredOutermost(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env Envelope) error {
				order = append(order, name+"-before")
				err := next(ctx, env)
				order = append(order, name+"-after")
				return err
			}
		}
	}

	h := Chain(func(ctx context.Context, env Envelope) error {
		order = append(order, "handler")
		return nil
	}, []Middleware{mw("a"), mw("b")})

	require.NoError(t, h(context.Background(), Envelope{}))
	assert.Equal(t, []string{"a-before", "b-before", "handler", "b-after", "a-after"}, order)
}

func TestCaptureCurrentJobExposesEnvelope(t *testing.T) {
	env := Envelope{ID: "job-1", Class: RequestJobClass}

	var seen Envelope
	var ok bool
	h := Chain(func(ctx context.Context, _ Envelope) error {
		seen, ok = CurrentJob(ctx)
		return nil
	}, []Middleware{CaptureCurrentJob()})

	require.NoError(t, h(context.Background(), env))
	require.True(t, ok)
	assert.Equal(t, "job-1", seen.ID)
}

func TestCurrentJobAbsentWithoutMiddleware(t *testing.T) {
	_, ok := CurrentJob(context.Background())
	assert.False(t, ok)
}
