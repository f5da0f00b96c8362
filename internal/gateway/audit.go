package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/taskd/api"
)

// Audit tallies security-relevant events. Counters are exposed both as otel
// instruments and as a JSON snapshot for GET /security/metrics; recording is
// a side effect with no bearing on request outcomes.
type Audit struct {
	since time.Time

	authSuccess atomic.Int64
	authFailure atomic.Int64
	rateLimited atomic.Int64
	corsDenied  atomic.Int64

	authSuccessCtr metric.Int64Counter
	authFailureCtr metric.Int64Counter
	rateLimitedCtr metric.Int64Counter
	corsDeniedCtr  metric.Int64Counter
}

// NewAudit constructs the audit counters.
func NewAudit(since time.Time) *Audit {
	a := &Audit{since: since}
	meter := otel.Meter("pkt.systems/taskd/internal/gateway")
	if ctr, err := meter.Int64Counter("taskd.auth.success",
		metric.WithDescription("Authenticated requests")); err == nil {
		a.authSuccessCtr = ctr
	}
	if ctr, err := meter.Int64Counter("taskd.auth.failure",
		metric.WithDescription("Rejected authentication attempts")); err == nil {
		a.authFailureCtr = ctr
	}
	if ctr, err := meter.Int64Counter("taskd.ratelimit.hits",
		metric.WithDescription("Requests rejected by the rate limiter")); err == nil {
		a.rateLimitedCtr = ctr
	}
	if ctr, err := meter.Int64Counter("taskd.cors.rejections",
		metric.WithDescription("Requests rejected by origin checks")); err == nil {
		a.corsDeniedCtr = ctr
	}
	return a
}

// AuthSuccess records one accepted credential.
func (a *Audit) AuthSuccess(ctx context.Context) {
	a.authSuccess.Add(1)
	if a.authSuccessCtr != nil {
		a.authSuccessCtr.Add(ctx, 1)
	}
}

// AuthFailure records one rejected credential.
func (a *Audit) AuthFailure(ctx context.Context) {
	a.authFailure.Add(1)
	if a.authFailureCtr != nil {
		a.authFailureCtr.Add(ctx, 1)
	}
}

// RateLimited records one over-budget rejection.
func (a *Audit) RateLimited(ctx context.Context) {
	a.rateLimited.Add(1)
	if a.rateLimitedCtr != nil {
		a.rateLimitedCtr.Add(ctx, 1)
	}
}

// CORSDenied records one disallowed-origin rejection.
func (a *Audit) CORSDenied(ctx context.Context) {
	a.corsDenied.Add(1)
	if a.corsDeniedCtr != nil {
		a.corsDeniedCtr.Add(ctx, 1)
	}
}

// Snapshot returns the current tallies.
func (a *Audit) Snapshot() api.SecurityMetrics {
	return api.SecurityMetrics{
		AuthSuccesses:  a.authSuccess.Load(),
		AuthFailures:   a.authFailure.Load(),
		RateLimitHits:  a.rateLimited.Load(),
		CORSRejections: a.corsDenied.Load(),
		Since:          a.since,
	}
}
