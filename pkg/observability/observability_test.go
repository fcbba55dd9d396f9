package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/observability"
)

func TestNewDisabledSkipsInstrumentSetup(t *testing.T) {
	p, err := observability.New(&observability.Config{Enabled: false}, nil)
	require.NoError(t, err)
	// Recording against a disabled provider must not panic.
	assert.NotPanics(t, func() {
		p.RecordDecision(context.Background(), "s1", "ALLOW", time.Millisecond)
		p.RecordJWKSCacheResult(context.Background(), true)
		p.RecordJWKSRefreshFailure(context.Background(), "https://idp.example/")
	})
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewEnabledRecordsWithoutError(t *testing.T) {
	p, err := observability.New(observability.DefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		p.RecordDecision(context.Background(), "s1", "ALLOW", 2*time.Millisecond)
		p.RecordJWKSCacheResult(context.Background(), false)
		p.RecordJWKSRefreshFailure(context.Background(), "https://idp.example/")
	})
	require.NoError(t, p.Shutdown(context.Background()))
}
