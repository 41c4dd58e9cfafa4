// Package subscription implements the consuming side of XRPC
// subscriptions: a reconnecting WebSocket reader with heartbeats,
// exponential backoff, and schema-hook validation, delivering messages on
// a channel.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/atgraph/xrpc/core/logx"
	"github.com/atgraph/xrpc/frame"
	"github.com/atgraph/xrpc/lexicon"
)

// StreamError is a server-sent error frame surfaced to the consumer. It
// terminates the subscription; the engine never retries past it.
type StreamError struct {
	Name    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Name
}

// ErrAbnormalClose marks a 1006 close, which the keep-alive loop treats as
// retryable.
var ErrAbnormalClose = errors.New("websocket closed abnormally")

// Options configures a subscription.
type Options struct {
	// Service is the WebSocket base address, e.g. "wss://host".
	Service string
	// Method is the subscription NSID.
	Method string
	// GetParams recomputes the query parameters before every connection
	// attempt, letting consumers resume from a cursor. May be nil.
	GetParams func(ctx context.Context) (url.Values, error)
	// Validate inspects each decoded message; a non-nil result is
	// delivered and a nil result skips the message. A nil Validate
	// delivers every message as map[string]any.
	Validate func(msg map[string]any) any

	// HeartbeatInterval is the ping cadence; a missing pong within one
	// interval drops the connection. Defaults to 10s.
	HeartbeatInterval time.Duration
	// MaxReconnect caps the backoff delay. Defaults to 30s.
	MaxReconnect time.Duration

	DialOptions *websocket.DialOptions
}

// Subscription is a channel of validated messages over a self-healing
// socket. After Messages is closed, Err reports why the stream ended; a
// nil Err means a clean close.
type Subscription struct {
	opts   Options
	msgs   chan any
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New starts consuming. Cancel ctx or call Close to stop.
func New(ctx context.Context, opts Options) (*Subscription, error) {
	if opts.Service == "" || opts.Method == "" {
		return nil, errors.New("subscription: service and method are required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = 30 * time.Second
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		opts:   opts,
		msgs:   make(chan any),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx)
	return s, nil
}

// Messages delivers validated messages until the stream ends.
func (s *Subscription) Messages() <-chan any { return s.msgs }

// Err reports the terminal error once Messages is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close stops the subscription and releases its socket.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.msgs)
	defer close(s.done)

	attempt := 0
	connected := false
	for {
		err := s.connectOnce(ctx, &connected, &attempt)
		switch {
		case err == nil:
			return
		case ctx.Err() != nil:
			return
		case reconnectable(err):
			logx.Log.Warn().Err(err).Str("method", s.opts.Method).Msg("subscription disconnected; reconnecting")
		default:
			s.err = err
			return
		}

		delay := backoff(attempt, s.opts.MaxReconnect)
		if !connected {
			// Never-connected endpoints retry quickly: the first dial
			// likely raced the server coming up.
			delay = min(time.Second, s.opts.MaxReconnect)
		}
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce dials, pumps frames until the socket ends, and returns nil
// on a clean close.
func (s *Subscription) connectOnce(ctx context.Context, connected *bool, attempt *int) error {
	addr, err := s.resolveURL(ctx)
	if err != nil {
		return err
	}
	c, _, err := websocket.Dial(ctx, addr, s.opts.DialOptions)
	if err != nil {
		return err
	}
	defer func() { _ = c.CloseNow() }()
	c.SetReadLimit(-1)
	*connected = true
	*attempt = 0

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(hbCtx, c)

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure:
				return nil
			case websocket.StatusAbnormalClosure:
				return fmt.Errorf("%w: %v", ErrAbnormalClose, err)
			}
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		f, err := frame.Parse(data)
		if err != nil {
			return err
		}
		if f.IsError() {
			eb, err := f.ErrorBody()
			if err != nil {
				return err
			}
			return &StreamError{Name: eb.Error, Message: eb.Message}
		}
		msg, err := s.decodeMessage(f)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		select {
		case s.msgs <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeMessage rebuilds the $type-qualified body of a Message frame and
// runs the validation hook. A nil result means "skip".
func (s *Subscription) decodeMessage(f *frame.Frame) (any, error) {
	var body map[string]any
	v, err := lexicon.DecodeCBOR(f.Body)
	if err != nil {
		return nil, err
	}
	body, ok := v.(map[string]any)
	if !ok {
		body = map[string]any{"value": v}
	}
	if t := f.Header.T; t != "" {
		qualified := t
		if t[0] == '#' {
			qualified = s.opts.Method + t
		}
		withType := make(map[string]any, len(body)+1)
		for k, val := range body {
			withType[k] = val
		}
		withType["$type"] = qualified
		body = withType
	}
	if s.opts.Validate == nil {
		return body, nil
	}
	return s.opts.Validate(body), nil
}

// heartbeat pings on a fixed cadence. A pong must land within one
// interval or the socket is dropped so the keep-alive loop reconnects.
func (s *Subscription) heartbeat(ctx context.Context, c *websocket.Conn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.HeartbeatInterval)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logx.Log.Warn().Err(err).Str("method", s.opts.Method).Msg("subscription heartbeat missed; dropping connection")
					_ = c.CloseNow()
				}
				return
			}
		}
	}
}

func (s *Subscription) resolveURL(ctx context.Context) (string, error) {
	addr := s.opts.Service + "/xrpc/" + s.opts.Method
	if s.opts.GetParams == nil {
		return addr, nil
	}
	params, err := s.opts.GetParams(ctx)
	if err != nil {
		return "", err
	}
	if len(params) == 0 {
		return addr, nil
	}
	return addr + "?" + params.Encode(), nil
}

// backoff grows exponentially with jitter in [-0.5, 0.5), capped at max.
func backoff(n int, max time.Duration) time.Duration {
	if n > 30 {
		n = 30
	}
	jitter := rand.Float64() - 0.5
	ms := 1000 * (float64(int64(1)<<uint(n)) + jitter)
	d := time.Duration(ms * float64(time.Millisecond))
	if d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// reconnectable reports whether the keep-alive loop should re-dial after
// err: abnormal closes and transient network failures qualify; anything
// else ends the subscription.
func reconnectable(err error) bool {
	if errors.Is(err, ErrAbnormalClose) {
		return true
	}
	for _, target := range []error{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
		io.EOF,
		io.ErrUnexpectedEOF,
		net.ErrClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
