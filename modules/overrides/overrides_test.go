package overrides_test

import (
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/flarecore/messaging-core/modules/overrides"
)

func TestGet_FallsBackToDefaults(t *testing.T) {
	o, err := overrides.New(overrides.Config{Defaults: overrides.DefaultLimits()}, log.NewNopLogger())
	require.NoError(t, err)
	defer o.Close()

	limits := o.Get("unknown-tenant")
	require.Equal(t, overrides.DefaultLimits(), limits)
}

func TestGet_PerTenantOverrideWins(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "overrides-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
overrides:
  tenant-a:
    recall_window: 5m
    max_devices_per_user: 1
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	o, err := overrides.New(overrides.Config{
		Defaults:                overrides.DefaultLimits(),
		PerTenantOverrideConfig: f.Name(),
	}, log.NewNopLogger())
	require.NoError(t, err)
	defer o.Close()

	limits := o.Get("tenant-a")
	require.Equal(t, 5*time.Minute, limits.RecallWindow)
	require.Equal(t, 1, limits.MaxDevicesPerUser)

	require.Equal(t, overrides.DefaultLimits(), o.Get("tenant-b"))
}

func TestRateLimiterFor_IsStablePerTenant(t *testing.T) {
	o, err := overrides.New(overrides.Config{Defaults: overrides.DefaultLimits()}, log.NewNopLogger())
	require.NoError(t, err)
	defer o.Close()

	a := o.RateLimiterFor("tenant-a")
	b := o.RateLimiterFor("tenant-a")
	require.Same(t, a, b)
}
