package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LoginBegin.Inc()
	m.RefreshTokenLifeCycle.WithLabelValues("client1").Observe(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true

		for _, metric := range f.GetMetric() {
			var app string
			for _, l := range metric.GetLabel() {
				if l.GetName() == "app" {
					app = l.GetValue()
				}
			}
			assert.Equal(t, "oauth_proxy", app, f.GetName())
		}
	}

	assert.True(t, names["oauth_proxy_login_begin"])
	assert.True(t, names["refresh_token_life_cycle_histogram"])
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestCounters(t *testing.T) {
	m := NewNop()
	m.CodeTokenIssue.Inc()
	m.CodeTokenIssue.Inc()
	m.MissRefreshToken.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CodeTokenIssue))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MissRefreshToken))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StaticRefreshTokenIssue))
}

func TestStopTimer(t *testing.T) {
	m := NewNop()
	StopTimer(m.UpstreamTokenRefresh, time.Now().Add(-2*time.Second))

	v := testutil.ToFloat64(m.UpstreamTokenRefresh)
	assert.GreaterOrEqual(t, v, 2.0)
	assert.Less(t, v, 10.0)
}
