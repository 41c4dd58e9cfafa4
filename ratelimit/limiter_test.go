package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newReq(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/xrpc/io.example.ping", nil)
	if ip != "" {
		r.Header.Set("X-Forwarded-For", ip)
	}
	return r
}

func TestConsumeWindow(t *testing.T) {
	mock := clock.NewMock()
	lim, err := New(Options{
		Name:     "route",
		Duration: 5 * time.Minute,
		Points:   5,
		Store:    NewMemoryStoreWithClock(mock),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	r := newReq("1.2.3.4")

	for i := 1; i <= 5; i++ {
		d, err := lim.Consume(ctx, r, nil)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if d == nil || d.Exceeded {
			t.Fatalf("consume %d: unexpected decision %+v", i, d)
		}
		if d.Status.ConsumedPoints != int64(i) || d.Status.RemainingPoints != int64(5-i) {
			t.Fatalf("consume %d: status %+v", i, d.Status)
		}
		if d.Status.ConsumedPoints+d.Status.RemainingPoints != d.Status.Limit {
			t.Fatalf("consume %d: invariant broken: %+v", i, d.Status)
		}
		if (i == 1) != d.Status.IsFirstInDuration {
			t.Fatalf("consume %d: first = %v", i, d.Status.IsFirstInDuration)
		}
	}

	d, err := lim.Consume(ctx, r, nil)
	if err != nil {
		t.Fatalf("consume 6: %v", err)
	}
	if d == nil || !d.Exceeded || d.Status.RemainingPoints != 0 {
		t.Fatalf("consume 6: %+v", d)
	}

	// another key is unaffected
	d, _ = lim.Consume(ctx, newReq("5.6.7.8"), nil)
	if d.Exceeded {
		t.Fatalf("fresh key exceeded: %+v", d)
	}

	// the window rolls over
	mock.Add(5*time.Minute + time.Second)
	d, _ = lim.Consume(ctx, r, nil)
	if d.Exceeded || !d.Status.IsFirstInDuration {
		t.Fatalf("after window: %+v", d)
	}
}

func TestReset(t *testing.T) {
	lim, _ := New(Options{Duration: time.Minute, Points: 2, Store: NewMemoryStore()})
	ctx := context.Background()
	r := newReq("9.9.9.9")
	for i := 0; i < 2; i++ {
		if _, err := lim.Consume(ctx, r, nil); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	if err := lim.Reset(ctx, r, nil); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	d, _ := lim.Consume(ctx, r, nil)
	if d.Exceeded || d.Status.RemainingPoints != 1 || d.Status.ConsumedPoints != 1 {
		t.Fatalf("after reset: %+v", d.Status)
	}
}

func TestCalcSkips(t *testing.T) {
	lim, _ := New(Options{
		Duration: time.Minute,
		Points:   1,
		Store:    NewMemoryStore(),
		CalcKey:  func(r *http.Request) string { return "" },
	})
	d, err := lim.Consume(context.Background(), newReq("1.1.1.1"), nil)
	if err != nil || d != nil {
		t.Fatalf("skip by key: %+v, %v", d, err)
	}

	lim, _ = New(Options{
		Duration:   time.Minute,
		Points:     1,
		Store:      NewMemoryStore(),
		CalcPoints: func(r *http.Request) int { return 0 },
	})
	d, err = lim.Consume(context.Background(), newReq("1.1.1.1"), nil)
	if err != nil || d != nil {
		t.Fatalf("skip by points: %+v, %v", d, err)
	}
}

func TestOverride(t *testing.T) {
	lim, _ := New(Options{Duration: time.Minute, Points: 10, Store: NewMemoryStore()})
	ov := &Override{
		CalcKey:    func(r *http.Request) string { return "fixed" },
		CalcPoints: func(r *http.Request) int { return 3 },
	}
	d, err := lim.Consume(context.Background(), newReq("1.1.1.1"), ov)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.Status.ConsumedPoints != 3 || d.Status.RemainingPoints != 7 {
		t.Fatalf("status = %+v", d.Status)
	}
	// same fixed key regardless of client
	d, _ = lim.Consume(context.Background(), newReq("2.2.2.2"), ov)
	if d.Status.ConsumedPoints != 6 {
		t.Fatalf("status = %+v", d.Status)
	}
}

type failingStore struct{}

func (failingStore) Incr(ctx context.Context, key string, points int64, window time.Duration) (int64, time.Duration, bool, error) {
	return 0, 0, false, errors.New("store down")
}
func (failingStore) Reset(ctx context.Context, key string) error { return errors.New("store down") }

func TestFailOpenAndClosed(t *testing.T) {
	open, _ := New(Options{Duration: time.Minute, Points: 1, Store: failingStore{}})
	d, err := open.Consume(context.Background(), newReq("1.1.1.1"), nil)
	if err != nil || d != nil {
		t.Fatalf("fail-open: %+v, %v", d, err)
	}

	closed, _ := New(Options{Duration: time.Minute, Points: 1, Store: failingStore{}, FailClosed: true})
	if _, err := closed.Consume(context.Background(), newReq("1.1.1.1"), nil); err == nil {
		t.Fatalf("fail-closed should propagate the store error")
	}
}

func TestTightestMonotone(t *testing.T) {
	mk := func(remaining int64, exceeded bool) *Decision {
		return &Decision{Status: Status{Limit: 10, RemainingPoints: remaining}, Exceeded: exceeded}
	}
	if Tightest(nil) != nil {
		t.Fatalf("empty should be nil")
	}
	if Tightest([]*Decision{nil, nil}) != nil {
		t.Fatalf("all-skip should be nil")
	}
	base := []*Decision{mk(5, false), mk(3, false)}
	got := Tightest(base)
	if got.Status.RemainingPoints != 3 {
		t.Fatalf("tightest = %+v", got)
	}
	// adding a looser limiter never relaxes the choice
	if Tightest(append(base, mk(8, false))).Status.RemainingPoints != 3 {
		t.Fatalf("loosened by extra limiter")
	}
	// adding a tighter one tightens it
	if Tightest(append(base, mk(1, false))).Status.RemainingPoints != 1 {
		t.Fatalf("missed tighter limiter")
	}
	// exceeded always wins
	if !Tightest(append(base, mk(0, true))).Exceeded {
		t.Fatalf("missed exceeded limiter")
	}
}

func TestConsumeAll(t *testing.T) {
	store := NewMemoryStore()
	a, _ := New(Options{Name: "a", Duration: time.Minute, Points: 10, Store: store})
	b, _ := New(Options{Name: "b", Duration: time.Minute, Points: 2, Store: store})
	bounds := []Bound{{Limiter: a}, {Limiter: b}}
	r := newReq("3.3.3.3")

	d, err := ConsumeAll(context.Background(), r, bounds)
	if err != nil {
		t.Fatalf("ConsumeAll: %v", err)
	}
	if d.Status.Limit != 2 || d.Status.RemainingPoints != 1 {
		t.Fatalf("tightest = %+v", d.Status)
	}

	ConsumeAll(context.Background(), r, bounds)
	d, _ = ConsumeAll(context.Background(), r, bounds)
	if !d.Exceeded {
		t.Fatalf("expected exceeded, got %+v", d)
	}

	if err := ResetAll(context.Background(), r, bounds); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	d, _ = ConsumeAll(context.Background(), r, bounds)
	if d.Exceeded || d.Status.RemainingPoints != 1 {
		t.Fatalf("after reset: %+v", d.Status)
	}
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec.Header(), Status{Limit: 5, Duration: 5 * time.Minute, RemainingPoints: 0, MsBeforeNext: 1500})
	h := rec.Header()
	if h.Get("RateLimit-Limit") != "5" || h.Get("RateLimit-Remaining") != "0" {
		t.Fatalf("headers = %v", h)
	}
	if h.Get("RateLimit-Reset") != "2" {
		t.Fatalf("reset = %q", h.Get("RateLimit-Reset"))
	}
	if h.Get("RateLimit-Policy") != "5;w=300" {
		t.Fatalf("policy = %q", h.Get("RateLimit-Policy"))
	}
}
