package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/atgraph/xrpc/core/logx"
	"github.com/atgraph/xrpc/internal/metrics"
	"github.com/atgraph/xrpc/lexicon"
	"github.com/atgraph/xrpc/xrpc"
)

// writeOutput serializes a handler's output. Response validation applies
// only to success records (and void outputs when a schema is declared),
// never to pipe-throughs or error-results.
func (s *Server) writeOutput(w http.ResponseWriter, m *lexicon.Method, out xrpc.Output) error {
	switch o := out.(type) {
	case nil:
		if err := s.validateOutput(m, nil); err != nil {
			return err
		}
		w.WriteHeader(http.StatusOK)
		return nil

	case *xrpc.StreamOutput:
		applyHeaders(w, o.Headers)
		w.Header().Set("Content-Type", o.Encoding)
		w.WriteHeader(http.StatusOK)
		if c, ok := o.R.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		_, err := io.Copy(w, o.R)
		return err

	case *xrpc.BufferOutput:
		applyHeaders(w, o.Headers)
		w.Header().Set("Content-Type", o.Encoding)
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(o.Data)
		return err

	case *xrpc.RecordOutput:
		if err := s.validateOutput(m, o.Body); err != nil {
			return err
		}
		applyHeaders(w, o.Headers)
		switch {
		case isJSON(baseMIME(o.Encoding)):
			b, err := lexicon.MarshalJSON(o.Body)
			if err != nil {
				return xrpc.InternalServerError(err)
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, werr := w.Write(b)
			return werr
		case strings.HasPrefix(o.Encoding, "text/"):
			w.Header().Set("Content-Type", o.Encoding+"; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, err := io.WriteString(w, toString(o.Body))
			return err
		default:
			w.Header().Set("Content-Type", o.Encoding)
			w.WriteHeader(http.StatusOK)
			_, err := w.Write(toBytes(o.Body))
			return err
		}

	case *xrpc.ErrorOutput:
		return o.Err()

	default:
		return xrpc.InternalServerError(errors.New("unknown handler output shape"))
	}
}

func (s *Server) validateOutput(m *lexicon.Method, body any) error {
	if !s.validateResponse || m.Output == nil || m.Output.Schema == nil {
		return nil
	}
	if err := m.AssertValidOutput(body); err != nil {
		// The handler, not the caller, produced the bad value.
		return xrpc.InternalServerError(err)
	}
	return nil
}

// writeError funnels any error through the taxonomy and serializes it.
// Internal errors keep their details out of the response but in the logs.
func (s *Server) writeError(w http.ResponseWriter, nsidStr string, err error) {
	xe := s.parseError(err)
	status := xe.HTTPStatus()
	if xe.Internal() {
		logx.Log.Error().Err(err).Str("nsid", nsidStr).Msg("xrpc handler failure")
	}
	if xe.Kind == xrpc.KindRateLimitExceeded {
		metrics.ObserveRateLimited()
	}
	metrics.ObserveRequest(nsidStr, status)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(xe.Body())
}

// parseError runs the configured errorParser, defensively wrapped, before
// the default conversion.
func (s *Server) parseError(err error) *xrpc.Error {
	if s.errorParser != nil {
		if xe := runErrorParser(s.errorParser, err); xe != nil {
			return xe
		}
	}
	return xrpc.FromError(err)
}

func runErrorParser(parser xrpc.ErrorParser, err error) (xe *xrpc.Error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Warn().Interface("panic", r).Msg("errorParser panicked; using default conversion")
			xe = nil
		}
	}()
	return parser(err)
}

func applyHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func toString(body any) string {
	switch v := body.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func toBytes(body any) []byte {
	switch v := body.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		b, _ := json.Marshal(v)
		return b
	}
}
