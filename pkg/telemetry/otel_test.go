package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A single Setup per test binary: the Prometheus exporter registers
// collectors in the default registry and refuses duplicates.
func TestSetupWithoutDebugExport(t *testing.T) {
	tel, err := Setup(Options{
		ServiceName: "valr-bot-test",
		Version:     "test",
		Environment: "dry-run",
	})
	require.NoError(t, err)

	// Metrics only; no stdout trace or log pipeline
	assert.Nil(t, tel.tp)
	assert.Nil(t, tel.lp)
	require.NotNil(t, tel.mp)

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestShutdownToleratesMissingProviders(t *testing.T) {
	assert.NoError(t, (&Telemetry{}).Shutdown(context.Background()))
}
