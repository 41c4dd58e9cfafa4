package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atgraph/xrpc/core/logx"
)

// Status is one limiter's view of a key after a consume.
type Status struct {
	Limit             int64
	Duration          time.Duration
	RemainingPoints   int64
	MsBeforeNext      int64
	ConsumedPoints    int64
	IsFirstInDuration bool
}

// Decision is the outcome of consuming one limiter for a request.
type Decision struct {
	Status   Status
	Exceeded bool
}

// CalcKey derives the bucket key for a request. Returning "" skips this
// limiter for the request.
type CalcKey func(r *http.Request) string

// CalcPoints derives the points a request consumes. A non-positive value
// skips this limiter for the request.
type CalcPoints func(r *http.Request) int

// DefaultCalcKey keys by client IP: the first x-forwarded-for element,
// else x-real-ip, else "unknown".
func DefaultCalcKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "unknown"
}

// Options configures a Limiter.
type Options struct {
	Name       string // names a shared limiter; also the key prefix
	KeyPrefix  string // overrides the bucket key prefix
	Duration   time.Duration
	Points     int64
	Store      Store
	CalcKey    CalcKey    // nil means DefaultCalcKey
	CalcPoints CalcPoints // nil means 1 point per request
	// FailClosed propagates store errors instead of logging and letting
	// the request through.
	FailClosed bool
}

// Limiter is a named, prefixed token bucket over a Store.
type Limiter struct {
	name       string
	keyPrefix  string
	duration   time.Duration
	points     int64
	store      Store
	calcKey    CalcKey
	calcPoints CalcPoints
	failClosed bool
}

// New builds a Limiter. Duration and Points must be positive.
func New(opts Options) (*Limiter, error) {
	if opts.Duration <= 0 || opts.Points <= 0 {
		return nil, fmt.Errorf("ratelimit: duration and points must be positive")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = opts.Name
	}
	if prefix == "" {
		prefix = "rl"
	}
	l := &Limiter{
		name:       opts.Name,
		keyPrefix:  prefix,
		duration:   opts.Duration,
		points:     opts.Points,
		store:      opts.Store,
		calcKey:    opts.CalcKey,
		calcPoints: opts.CalcPoints,
		failClosed: opts.FailClosed,
	}
	if l.calcKey == nil {
		l.calcKey = DefaultCalcKey
	}
	return l, nil
}

// Name returns the limiter's shared name, when it has one.
func (l *Limiter) Name() string { return l.name }

// Override carries per-route replacements for a shared limiter's key and
// points functions.
type Override struct {
	CalcKey    CalcKey
	CalcPoints CalcPoints
}

// Consume applies the request to the bucket. A nil Decision means the
// limiter skipped the request (no key, zero points, or a store failure
// with fail-open semantics).
func (l *Limiter) Consume(ctx context.Context, r *http.Request, ov *Override) (*Decision, error) {
	calcKey := l.calcKey
	calcPoints := l.calcPoints
	if ov != nil {
		if ov.CalcKey != nil {
			calcKey = ov.CalcKey
		}
		if ov.CalcPoints != nil {
			calcPoints = ov.CalcPoints
		}
	}
	key := calcKey(r)
	if key == "" {
		return nil, nil
	}
	points := int64(1)
	if calcPoints != nil {
		points = int64(calcPoints(r))
	}
	if points <= 0 {
		return nil, nil
	}

	total, ttl, first, err := l.store.Incr(ctx, l.keyPrefix+":"+key, points, l.duration)
	if err != nil {
		if l.failClosed {
			return nil, err
		}
		logx.Log.Warn().Err(err).Str("limiter", l.keyPrefix).Msg("rate limit store failure; failing open")
		return nil, nil
	}

	st := Status{
		Limit:             l.points,
		Duration:          l.duration,
		ConsumedPoints:    total,
		MsBeforeNext:      ttl.Milliseconds(),
		IsFirstInDuration: first,
	}
	if total > l.points {
		st.RemainingPoints = 0
		st.ConsumedPoints = l.points
		return &Decision{Status: st, Exceeded: true}, nil
	}
	st.RemainingPoints = l.points - total
	return &Decision{Status: st}, nil
}

// Reset clears the request's bucket.
func (l *Limiter) Reset(ctx context.Context, r *http.Request, ov *Override) error {
	calcKey := l.calcKey
	if ov != nil && ov.CalcKey != nil {
		calcKey = ov.CalcKey
	}
	key := calcKey(r)
	if key == "" {
		return nil
	}
	return l.store.Reset(ctx, l.keyPrefix+":"+key)
}

// Bound pairs a limiter with its per-route override.
type Bound struct {
	Limiter  *Limiter
	Override *Override
}

// ConsumeAll evaluates all bound limiters concurrently and returns the
// tightest decision: any exceeded decision wins; otherwise the one with
// the least remaining points. A nil result means every limiter skipped.
func ConsumeAll(ctx context.Context, r *http.Request, bounds []Bound) (*Decision, error) {
	if len(bounds) == 0 {
		return nil, nil
	}
	decisions := make([]*Decision, len(bounds))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range bounds {
		i, b := i, b
		g.Go(func() error {
			d, err := b.Limiter.Consume(gctx, r, b.Override)
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Tightest(decisions), nil
}

// ResetAll clears all bound limiters for the request.
func ResetAll(ctx context.Context, r *http.Request, bounds []Bound) error {
	for _, b := range bounds {
		if err := b.Limiter.Reset(ctx, r, b.Override); err != nil {
			return err
		}
	}
	return nil
}

// Tightest aggregates decisions: any exceeded wins; otherwise the least
// remaining points. Adding a limiter never relaxes the result.
func Tightest(decisions []*Decision) *Decision {
	var tightest *Decision
	for _, d := range decisions {
		if d == nil {
			continue
		}
		if d.Exceeded {
			return d
		}
		if tightest == nil || d.Status.RemainingPoints < tightest.Status.RemainingPoints {
			tightest = d
		}
	}
	return tightest
}

// SetHeaders writes the standard rate-limit response headers from a
// status.
func SetHeaders(h http.Header, st Status) {
	h.Set("RateLimit-Limit", strconv.FormatInt(st.Limit, 10))
	h.Set("RateLimit-Remaining", strconv.FormatInt(st.RemainingPoints, 10))
	resetSec := (st.MsBeforeNext + 999) / 1000
	h.Set("RateLimit-Reset", strconv.FormatInt(resetSec, 10))
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", st.Limit, int64(st.Duration/time.Second)))
}
