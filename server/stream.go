package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/atgraph/xrpc/core/logx"
	"github.com/atgraph/xrpc/frame"
	"github.com/atgraph/xrpc/internal/metrics"
	"github.com/atgraph/xrpc/xrpc"
)

// serveStream runs one subscription connection: upgrade, auth, parameter
// validation, then the producer loop. Post-upgrade failures are reported
// as a single error frame followed by a policy close.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, st *streamRoute) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logx.Log.Error().Err(err).Str("nsid", st.method.NSID).Msg("ws accept")
		return
	}
	connID := uuid.NewString()
	logx.Log.Debug().Str("nsid", st.method.NSID).Str("conn_id", connID).Str("remote", r.RemoteAddr).Msg("subscription opened")
	metrics.SubscriptionOpened()
	defer func() {
		metrics.SubscriptionClosed()
		logx.Log.Debug().Str("nsid", st.method.NSID).Str("conn_id", connID).Msg("subscription closed")
	}()
	defer func() { _ = c.Close(websocket.StatusInternalError, "server error") }()

	// The connection context ends when the client goes away; the producer
	// must observe it and tear down.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req := &StreamRequest{HTTP: r, NSID: st.method.NSID}

	if st.auth != nil {
		auth, err := st.auth(ctx, &AuthContext{HTTP: r, NSID: st.method.NSID})
		if err != nil {
			s.closeWithError(ctx, c, err)
			return
		}
		req.Auth = auth
	}

	params, err := decodeParams(st.method, r.URL.Query())
	if err != nil {
		s.closeWithError(ctx, c, err)
		return
	}
	req.Params = params

	// Drain reads so pings are answered and client closes surface
	// promptly as context cancellation.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}()

	ch := st.handler(ctx, req)
	for {
		select {
		case <-ctx.Done():
			// Client is gone; drain until the producer notices and closes.
			for range ch {
			}
			return
		case v, ok := <-ch:
			if !ok {
				_ = c.Close(websocket.StatusNormalClosure, "")
				return
			}
			f, terminalErr := s.toFrame(st, v)
			if f != nil {
				b, err := f.Bytes()
				if err != nil {
					logx.Log.Error().Err(err).Str("nsid", st.method.NSID).Msg("encode frame")
					return
				}
				if err := c.Write(ctx, websocket.MessageBinary, b); err != nil {
					cancel()
					for range ch {
					}
					return
				}
				metrics.FrameSent()
			}
			if terminalErr != nil {
				_ = c.Close(websocket.StatusPolicyViolation, terminalErr.WireName())
				cancel()
				for range ch {
				}
				return
			}
			if f != nil && f.IsError() {
				eb, _ := f.ErrorBody()
				reason := ""
				if eb != nil {
					reason = eb.Error
				}
				_ = c.Close(websocket.StatusPolicyViolation, reason)
				cancel()
				for range ch {
				}
				return
			}
		}
	}
}

// toFrame renders one yielded value. The second result is non-nil when the
// value was a producer error: the frame carries its payload and the
// connection must close with the policy code.
func (s *Server) toFrame(st *streamRoute, v any) (*frame.Frame, *xrpc.Error) {
	switch val := v.(type) {
	case *frame.Frame:
		return val, nil
	case error:
		xe := s.parseError(val)
		logx.Log.Error().Err(val).Str("nsid", st.method.NSID).Msg("subscription producer failure")
		f, err := frame.Error(xe.WireName(), xe.WireMessage())
		if err != nil {
			return nil, xe
		}
		return f, xe
	case map[string]any:
		t, body := splitMessageType(st.method.NSID, val)
		f, err := frame.Message(t, body)
		if err != nil {
			return s.encodeFailure(st, err)
		}
		return f, nil
	default:
		f, err := frame.Message("", val)
		if err != nil {
			return s.encodeFailure(st, err)
		}
		return f, nil
	}
}

func (s *Server) encodeFailure(st *streamRoute, err error) (*frame.Frame, *xrpc.Error) {
	xe := xrpc.InternalServerError(err)
	logx.Log.Error().Err(err).Str("nsid", st.method.NSID).Msg("encode subscription message")
	f, ferr := frame.Error(xe.WireName(), xe.WireMessage())
	if ferr != nil {
		return nil, xe
	}
	return f, xe
}

// splitMessageType pulls $type out of a message body. A type of
// "<nsid>#name" for this subscription's NSID (or a bare "#name") becomes
// the frame tag "#name"; any other $type is carried verbatim.
func splitMessageType(methodNSID string, body map[string]any) (string, map[string]any) {
	tv, ok := body["$type"]
	if !ok {
		return "", body
	}
	t, ok := tv.(string)
	if !ok {
		return "", body
	}
	out := make(map[string]any, len(body)-1)
	for k, v := range body {
		if k != "$type" {
			out[k] = v
		}
	}
	if rest, found := strings.CutPrefix(t, methodNSID+"#"); found {
		return "#" + rest, out
	}
	return t, out
}

// closeWithError reports a pre-producer failure (auth, params) as one
// error frame and a policy close.
func (s *Server) closeWithError(ctx context.Context, c *websocket.Conn, err error) {
	xe := s.parseError(err)
	f, ferr := frame.Error(xe.WireName(), fmt.Sprintf("Error: %s", xe.WireMessage()))
	if ferr == nil {
		if b, berr := f.Bytes(); berr == nil {
			_ = c.Write(ctx, websocket.MessageBinary, b)
			metrics.FrameSent()
		}
	}
	_ = c.Close(websocket.StatusPolicyViolation, xe.WireName())
}
