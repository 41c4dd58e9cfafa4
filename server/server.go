package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atgraph/xrpc/internal/metrics"
	"github.com/atgraph/xrpc/lexicon"
	"github.com/atgraph/xrpc/nsid"
	"github.com/atgraph/xrpc/ratelimit"
	"github.com/atgraph/xrpc/xrpc"
)

// Limit declares one rate limiter: a named shared limiter or an anonymous
// global one.
type Limit struct {
	Name       string
	Duration   time.Duration
	Points     int64
	CalcKey    ratelimit.CalcKey
	CalcPoints ratelimit.CalcPoints
}

// RateLimitOptions wires the limiter layer. Store backs every limiter;
// Bypass short-circuits all of them for requests it accepts.
type RateLimitOptions struct {
	Store      ratelimit.Store
	Global     []Limit
	Shared     []Limit
	Bypass     func(r *http.Request) bool
	FailClosed bool
}

// Options configures a Server.
type Options struct {
	Lexicons *lexicon.Registry
	// ValidateResponse enables output schema validation on success records.
	ValidateResponse bool
	// BlobLimit bounds request body sizes; DefaultBlobLimit when zero.
	BlobLimit   int64
	ErrorParser xrpc.ErrorParser
	RateLimits  *RateLimitOptions
}

// RouteRateLimit attaches a limiter to a route: either a reference to a
// shared limiter by name, or an inline duration/points pair. CalcKey and
// CalcPoints override the limiter's own functions for this route.
type RouteRateLimit struct {
	Name       string
	Duration   time.Duration
	Points     int64
	CalcKey    ratelimit.CalcKey
	CalcPoints ratelimit.CalcPoints
}

// MethodConfig registers a query or procedure handler.
type MethodConfig struct {
	Handler    Handler
	Auth       AuthVerifier
	RateLimits []RouteRateLimit
	// BlobLimit overrides the server-wide body limit for this route.
	BlobLimit int64
}

// StreamConfig registers a subscription handler.
type StreamConfig struct {
	Handler StreamHandler
	Auth    AuthVerifier
}

type route struct {
	method    *lexicon.Method
	handler   Handler
	auth      AuthVerifier
	limits    []ratelimit.Bound
	blobLimit int64
}

type streamRoute struct {
	method  *lexicon.Method
	handler StreamHandler
	auth    AuthVerifier
}

// Server is the XRPC request dispatcher. Registration happens before
// serving; the route tables are read-only afterwards.
type Server struct {
	lex              *lexicon.Registry
	router           chi.Router
	routes           map[string]*route
	streams          map[string]*streamRoute
	global           []ratelimit.Bound
	shared           map[string]*ratelimit.Limiter
	rlStore          ratelimit.Store
	bypass           func(r *http.Request) bool
	failClosed       bool
	validateResponse bool
	blobLimit        int64
	errorParser      xrpc.ErrorParser
}

// New builds a Server over a lexicon registry.
func New(opts Options) (*Server, error) {
	if opts.Lexicons == nil {
		return nil, errors.New("server: lexicon registry is required")
	}
	s := &Server{
		lex:              opts.Lexicons,
		router:           chi.NewRouter(),
		routes:           make(map[string]*route),
		streams:          make(map[string]*streamRoute),
		shared:           make(map[string]*ratelimit.Limiter),
		validateResponse: opts.ValidateResponse,
		blobLimit:        opts.BlobLimit,
		errorParser:      opts.ErrorParser,
	}
	if s.blobLimit <= 0 {
		s.blobLimit = DefaultBlobLimit
	}
	if rl := opts.RateLimits; rl != nil {
		if rl.Store == nil {
			return nil, errors.New("server: rate limits require a store")
		}
		s.rlStore = rl.Store
		s.bypass = rl.Bypass
		s.failClosed = rl.FailClosed
		for _, lim := range rl.Shared {
			if lim.Name == "" {
				return nil, errors.New("server: shared limiter requires a name")
			}
			l, err := s.newLimiter(lim.Name, lim)
			if err != nil {
				return nil, err
			}
			s.shared[lim.Name] = l
		}
		for i, lim := range rl.Global {
			prefix := lim.Name
			if prefix == "" {
				prefix = fmt.Sprintf("global:%d", i)
			}
			l, err := s.newLimiter(prefix, lim)
			if err != nil {
				return nil, err
			}
			s.global = append(s.global, ratelimit.Bound{Limiter: l})
		}
	}
	s.router.HandleFunc("/xrpc/*", s.dispatch)
	return s, nil
}

func (s *Server) newLimiter(prefix string, lim Limit) (*ratelimit.Limiter, error) {
	return ratelimit.New(ratelimit.Options{
		Name:       lim.Name,
		KeyPrefix:  prefix,
		Duration:   lim.Duration,
		Points:     lim.Points,
		Store:      s.rlStore,
		CalcKey:    lim.CalcKey,
		CalcPoints: lim.CalcPoints,
		FailClosed: s.failClosed,
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying chi router so callers can mount extra
// middleware or endpoints around the XRPC surface.
func (s *Server) Router() chi.Router { return s.router }

// Method registers a handler for a query or procedure NSID. The lexicon
// decides which HTTP verb the method answers to.
func (s *Server) Method(id string, cfg MethodConfig) error {
	m, ok := s.lex.Method(id)
	if !ok {
		return fmt.Errorf("server: unknown lexicon method %q", id)
	}
	if m.Type != lexicon.Query && m.Type != lexicon.Procedure {
		return fmt.Errorf("server: %q is a %s; use StreamMethod", id, m.Type)
	}
	if cfg.Handler == nil {
		return fmt.Errorf("server: method %q requires a handler", id)
	}
	rt := &route{method: m, handler: cfg.Handler, auth: cfg.Auth, blobLimit: cfg.BlobLimit}
	if rt.blobLimit <= 0 {
		rt.blobLimit = s.blobLimit
	}
	for i, rrl := range cfg.RateLimits {
		bound, err := s.bindRouteLimit(id, i, rrl)
		if err != nil {
			return err
		}
		rt.limits = append(rt.limits, bound)
	}
	s.routes[id] = rt
	return nil
}

// MethodFunc registers a bare handler with no auth or route limits.
func (s *Server) MethodFunc(id string, h Handler) error {
	return s.Method(id, MethodConfig{Handler: h})
}

func (s *Server) bindRouteLimit(id string, i int, rrl RouteRateLimit) (ratelimit.Bound, error) {
	var ov *ratelimit.Override
	if rrl.CalcKey != nil || rrl.CalcPoints != nil {
		ov = &ratelimit.Override{CalcKey: rrl.CalcKey, CalcPoints: rrl.CalcPoints}
	}
	if rrl.Name != "" {
		shared, ok := s.shared[rrl.Name]
		if !ok {
			return ratelimit.Bound{}, fmt.Errorf("server: route %q references unknown shared limiter %q", id, rrl.Name)
		}
		return ratelimit.Bound{Limiter: shared, Override: ov}, nil
	}
	if s.rlStore == nil {
		return ratelimit.Bound{}, fmt.Errorf("server: route %q declares a limiter but no store is configured", id)
	}
	l, err := ratelimit.New(ratelimit.Options{
		KeyPrefix:  fmt.Sprintf("%s:%d", id, i),
		Duration:   rrl.Duration,
		Points:     rrl.Points,
		Store:      s.rlStore,
		FailClosed: s.failClosed,
	})
	if err != nil {
		return ratelimit.Bound{}, err
	}
	return ratelimit.Bound{Limiter: l, Override: ov}, nil
}

// StreamMethod registers a subscription handler.
func (s *Server) StreamMethod(id string, cfg StreamConfig) error {
	m, ok := s.lex.Method(id)
	if !ok {
		return fmt.Errorf("server: unknown lexicon method %q", id)
	}
	if m.Type != lexicon.Subscription {
		return fmt.Errorf("server: %q is a %s; use Method", id, m.Type)
	}
	if cfg.Handler == nil {
		return fmt.Errorf("server: stream method %q requires a handler", id)
	}
	s.streams[id] = &streamRoute{method: m, handler: cfg.Handler, auth: cfg.Auth}
	return nil
}

// dispatch is the single entry point for all /xrpc traffic. Method
// resolution runs first. Unroutable requests then consume the global
// limiters before their failure is reported; routed requests run the
// per-route pipeline, where auth precedes the global and route limiters.
// Resolution failures are never masked by rate limiting.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	id, err := nsid.ParsePath(r.URL.Path)
	if err != nil {
		s.writeError(w, "", err)
		return
	}

	if isWebSocketUpgrade(r) {
		st, ok := s.streams[id]
		if !ok {
			// No subscription here: refuse the upgrade outright.
			s.writeError(w, id, xrpc.MethodNotImplemented(""))
			return
		}
		s.serveStream(w, r, st)
		return
	}

	rt, ok := s.routes[id]
	if !ok {
		s.serveCatchall(w, r, id)
		return
	}
	if wrong := verbMismatch(rt.method.Type, r.Method); wrong != nil {
		s.serveCatchallKnown(w, r, id, wrong)
		return
	}
	s.serveRoute(w, r, id, rt)
}

// serveCatchall handles requests whose NSID has no registered handler.
func (s *Server) serveCatchall(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.streams[id]; ok {
		// Subscriptions only answer WebSocket upgrades.
		s.serveCatchallKnown(w, r, id, xrpc.InvalidRequest(
			fmt.Sprintf("Incorrect HTTP method (%s) expected WebSocket upgrade", r.Method)))
		return
	}
	s.serveCatchallKnown(w, r, id, xrpc.MethodNotImplemented(""))
}

// serveCatchallKnown consumes global limiters, then reports why the
// request cannot be routed.
func (s *Server) serveCatchallKnown(w http.ResponseWriter, r *http.Request, id string, failure *xrpc.Error) {
	if !s.bypassed(r) {
		d, err := ratelimit.ConsumeAll(r.Context(), r, s.global)
		if err != nil {
			s.writeError(w, id, err)
			return
		}
		if d != nil {
			ratelimit.SetHeaders(w.Header(), d.Status)
			if d.Exceeded {
				s.writeError(w, id, xrpc.RateLimitExceeded())
				return
			}
		}
	}
	s.writeError(w, id, failure)
}

func (s *Server) serveRoute(w http.ResponseWriter, r *http.Request, id string, rt *route) {
	ctx := r.Context()
	req := &Request{HTTP: r, NSID: id, routeLimits: rt.limits}

	if rt.auth != nil {
		auth, err := rt.auth(ctx, &AuthContext{HTTP: r, NSID: id})
		if err != nil {
			s.writeError(w, id, err)
			return
		}
		req.Auth = auth
	}

	if !s.bypassed(r) {
		bounds := append(append([]ratelimit.Bound{}, s.global...), rt.limits...)
		d, err := ratelimit.ConsumeAll(ctx, r, bounds)
		if err != nil {
			s.writeError(w, id, err)
			return
		}
		if d != nil {
			ratelimit.SetHeaders(w.Header(), d.Status)
			if d.Exceeded {
				s.writeError(w, id, xrpc.RateLimitExceeded())
				return
			}
		}
	}

	if rt.method.Type == lexicon.Procedure {
		input, err := readInput(rt.method, r, rt.blobLimit)
		if err != nil {
			s.writeError(w, id, err)
			return
		}
		req.Input = input
	}

	params, err := decodeParams(rt.method, r.URL.Query())
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	req.Params = params

	out, err := rt.handler(ctx, req)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	if err := s.writeOutput(w, rt.method, out); err != nil {
		// Output may be partially written; log and report best-effort.
		s.writeError(w, id, err)
		return
	}
	metrics.ObserveRequest(id, http.StatusOK)
}

func (s *Server) bypassed(r *http.Request) bool {
	return s.bypass != nil && s.bypass(r)
}

func verbMismatch(t lexicon.MethodType, verb string) *xrpc.Error {
	switch t {
	case lexicon.Query:
		if verb != http.MethodGet {
			return xrpc.InvalidRequest(fmt.Sprintf("Incorrect HTTP method (%s) expected GET", verb))
		}
	case lexicon.Procedure:
		if verb != http.MethodPost {
			return xrpc.InvalidRequest(fmt.Sprintf("Incorrect HTTP method (%s) expected POST", verb))
		}
	}
	return nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, tok := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}
