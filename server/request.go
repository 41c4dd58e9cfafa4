// Package server implements the XRPC request engine: method registration,
// the auth/rate-limit/validate/handle pipeline, the catch-all route, and
// the subscription stream server.
package server

import (
	"context"
	"net/http"

	"github.com/atgraph/xrpc/ratelimit"
	"github.com/atgraph/xrpc/xrpc"
)

// Request is the per-request context handed to handlers. It is built fresh
// for each request and never shared.
type Request struct {
	HTTP   *http.Request
	NSID   string
	Params map[string]any
	Input  *xrpc.Input
	Auth   *xrpc.Auth

	routeLimits []ratelimit.Bound
}

// ResetRouteRateLimits clears this route's rate-limit counters for the
// calling client, reversing a preliminary consumption.
func (r *Request) ResetRouteRateLimits(ctx context.Context) error {
	return ratelimit.ResetAll(ctx, r.HTTP, r.routeLimits)
}

// Handler services a query or procedure. A nil Output with a nil error
// produces an empty 200.
type Handler func(ctx context.Context, req *Request) (xrpc.Output, error)

// AuthContext is what a verifier sees. Auth runs before body parsing, so
// Input is nil for procedures at verification time.
type AuthContext struct {
	HTTP  *http.Request
	NSID  string
	Input *xrpc.Input
}

// AuthVerifier authenticates a request. Returning an *xrpc.Error rejects
// it with that error; any other error propagates as-is.
type AuthVerifier func(ctx context.Context, actx *AuthContext) (*xrpc.Auth, error)

// StreamRequest is the per-connection context handed to stream handlers.
type StreamRequest struct {
	HTTP   *http.Request
	NSID   string
	Params map[string]any
	Auth   *xrpc.Auth
}

// StreamHandler produces the lazy message sequence of a subscription. The
// returned channel must be closed when the producer finishes, and the
// producer must stop promptly once ctx is cancelled. Yielded values may be
// *frame.Frame, an error (reported to the client as an error frame), or
// any other value sent as a message body.
type StreamHandler func(ctx context.Context, req *StreamRequest) <-chan any
