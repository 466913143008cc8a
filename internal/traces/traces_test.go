package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := Init(context.Background(), "", logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_WithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "subscription.subscribe", ClientID("cli_1"), Tier("pro"))
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	End(span, errors.New("boom"))
	End(span, nil)
}

func TestAttributes(t *testing.T) {
	assert.Equal(t, "client.id", string(ClientID("x").Key))
	assert.Equal(t, "agent.id", string(AgentID("x").Key))
	assert.Equal(t, "job.id", string(JobID("x").Key))
	assert.Equal(t, int64(42), Credits(42).Value.AsInt64())
}
