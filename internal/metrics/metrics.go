// Package metrics holds the proxy's Prometheus instruments. A Metrics
// value is built once at startup and handed to every component that
// records something, so tests can register against a private registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// lifeCycleBuckets are days between a refresh token being minted and used.
var lifeCycleBuckets = []float64{1, 3, 5, 10, 21, 42}

// Metrics is the full set of instruments.
type Metrics struct {
	LoginBegin prometheus.Counter
	LoginEnd   prometheus.Counter

	CodeTokenIssue              prometheus.Counter
	RefreshTokenIssue           prometheus.Counter
	StaticRefreshTokenIssue     prometheus.Counter
	ClientCredentialsTokenIssue prometheus.Counter

	MissRefreshToken      prometheus.Counter
	MissAuthorizationCode prometheus.Counter

	RefreshTokenLifeCycle *prometheus.HistogramVec

	UpstreamTokenRefresh prometheus.Gauge
	Validation           prometheus.Gauge
}

// New creates every instrument and registers it with reg under the
// app=oauth_proxy label.
func New(reg prometheus.Registerer) *Metrics {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"app": "oauth_proxy"}, reg)

	m := &Metrics{
		LoginBegin: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oauth_proxy_login_begin",
			Help: "Number of times the OAuth login process has begun.",
		}),
		LoginEnd: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oauth_proxy_login_end",
			Help: "Number of times the OAuth login process has ended.",
		}),
		CodeTokenIssue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "code_token_issue_counter",
			Help: "Access tokens issued by the code flow.",
		}),
		RefreshTokenIssue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresh_token_issue_counter",
			Help: "Access tokens issued by the refresh flow.",
		}),
		StaticRefreshTokenIssue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "static_refresh_token_issue_counter",
			Help: "Static access tokens issued by the static refresh flow.",
		}),
		ClientCredentialsTokenIssue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "client_credentials_token_issue_counter",
			Help: "Access tokens issued by the client credentials flow.",
		}),
		MissRefreshToken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miss_refresh_token_counter",
			Help: "Store misses for refresh_token.",
		}),
		MissAuthorizationCode: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miss_authorization_code_counter",
			Help: "Store misses for authorization_code.",
		}),
		RefreshTokenLifeCycle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refresh_token_life_cycle_histogram",
			Help:    "Days between a refresh token's issuance and its use.",
			Buckets: lifeCycleBuckets,
		}, []string{"client_id"}),
		UpstreamTokenRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oauth_proxy_okta_token_refresh_gauge",
			Help: "Duration in seconds of the last upstream token refresh.",
		}),
		Validation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oauth_proxy_validation_gauge",
			Help: "Duration in seconds of the last token validation call.",
		}),
	}

	reg.MustRegister(
		m.LoginBegin,
		m.LoginEnd,
		m.CodeTokenIssue,
		m.RefreshTokenIssue,
		m.StaticRefreshTokenIssue,
		m.ClientCredentialsTokenIssue,
		m.MissRefreshToken,
		m.MissAuthorizationCode,
		m.RefreshTokenLifeCycle,
		m.UpstreamTokenRefresh,
		m.Validation,
	)

	return m
}

// NewNop returns instruments registered against a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// StopTimer sets g to the seconds elapsed since start.
func StopTimer(g prometheus.Gauge, start time.Time) {
	g.Set(time.Since(start).Seconds())
}
