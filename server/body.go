package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/atgraph/xrpc/lexicon"
	"github.com/atgraph/xrpc/xrpc"
)

// DefaultBlobLimit bounds request bodies when no limit is configured.
const DefaultBlobLimit = 5 << 20

var errTooLarge = xrpc.PayloadTooLarge("request entity too large")

// readInput consumes and decodes a procedure's request body per the
// method's input declaration and the request's content headers.
func readInput(m *lexicon.Method, r *http.Request, blobLimit int64) (*xrpc.Input, error) {
	contentType := r.Header.Get("Content-Type")

	if m.Input == nil {
		present, err := bodyPresent(r, blobLimit)
		if err != nil {
			return nil, err
		}
		if present || contentType != "" {
			return nil, xrpc.InvalidRequest("A request body was provided when none was expected")
		}
		return nil, nil
	}

	if contentType == "" {
		return nil, xrpc.InvalidRequest("Request encoding (Content-Type) required but not provided")
	}
	base := baseMIME(contentType)
	if !encodingMatches(m.Input.Encoding, base) {
		return nil, xrpc.InvalidRequest(fmt.Sprintf("Wrong request encoding (Content-Type): %s", base))
	}

	if r.ContentLength > blobLimit {
		return nil, errTooLarge
	}
	raw, err := readLimited(r.Body, blobLimit)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, xrpc.InvalidRequest("A request body is expected but none was provided")
	}

	raw, err = decodeContentEncoding(raw, r.Header.Get("Content-Encoding"), blobLimit)
	if err != nil {
		return nil, err
	}

	input := &xrpc.Input{Encoding: base}
	switch {
	case isJSON(base):
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, xrpc.InvalidRequest(fmt.Sprintf("Malformed JSON body: %v", err))
		}
		hydrated, err := lexicon.Rehydrate(v)
		if err != nil {
			return nil, xrpc.InvalidRequest(err.Error())
		}
		input.Body = hydrated
	case base == "application/cbor":
		v, err := lexicon.DecodeCBOR(raw)
		if err != nil {
			return nil, xrpc.InvalidRequest(fmt.Sprintf("Malformed CBOR body: %v", err))
		}
		input.Body = v
	case strings.HasPrefix(base, "text/"):
		input.Body = string(raw)
	default:
		input.Body = raw
	}

	if isJSON(base) || base == "application/cbor" {
		if err := m.AssertValidInput(input.Body); err != nil {
			var ve *lexicon.ValidationError
			if errors.As(err, &ve) {
				return nil, xrpc.InvalidRequest(ve.Msg)
			}
			return nil, err
		}
	}
	return input, nil
}

// bodyPresent reports whether the request carries a non-empty body,
// reading at most one byte beyond emptiness.
func bodyPresent(r *http.Request, blobLimit int64) (bool, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return false, nil
	}
	if r.ContentLength > 0 {
		if r.ContentLength > blobLimit {
			return false, errTooLarge
		}
		return true, nil
	}
	var probe [1]byte
	n, err := r.Body.Read(probe[:])
	if n == 0 && (err == io.EOF || err == nil) {
		return false, nil
	}
	if err != nil && err != io.EOF {
		return false, xrpc.InvalidRequest("could not read request body")
	}
	return true, nil
}

// readLimited reads all of rc, failing with 413 once the running size
// passes the limit. It enforces the limit for streamed unknown-length
// bodies as well.
func readLimited(rc io.Reader, limit int64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, xrpc.InvalidRequest("could not read request body")
	}
	if int64(len(buf)) > limit {
		return nil, errTooLarge
	}
	return buf, nil
}

// decodeContentEncoding removes the Content-Encoding chain from raw,
// outermost (rightmost) token first. Each stage is size-checked against
// the blob limit.
func decodeContentEncoding(raw []byte, header string, blobLimit int64) ([]byte, error) {
	if header == "" {
		return raw, nil
	}
	var chain []string
	for _, tok := range strings.Split(header, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" || tok == "identity" {
			continue
		}
		switch tok {
		case "gzip", "deflate", "br":
			chain = append(chain, tok)
		default:
			return nil, xrpc.InvalidRequest("unsupported content-encoding")
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		var (
			dec io.Reader
			err error
		)
		src := bytes.NewReader(raw)
		switch chain[i] {
		case "gzip":
			dec, err = gzip.NewReader(src)
		case "deflate":
			dec, err = zlib.NewReader(src)
		case "br":
			dec = brotli.NewReader(src)
		}
		if err != nil {
			return nil, xrpc.InvalidRequest("malformed compressed body")
		}
		out, rerr := io.ReadAll(io.LimitReader(dec, blobLimit+1))
		if rerr != nil {
			return nil, xrpc.InvalidRequest("malformed compressed body")
		}
		if int64(len(out)) > blobLimit {
			return nil, errTooLarge
		}
		raw = out
	}
	return raw, nil
}

// baseMIME strips parameters and lowercases the media type.
func baseMIME(contentType string) string {
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return base
}

// encodingMatches applies the declared-input matching rules: exact match,
// a declared wildcard, or a declared application/json with any json
// actual.
func encodingMatches(declared, actual string) bool {
	declared = strings.ToLower(declared)
	if declared == "*/*" || declared == actual {
		return true
	}
	if declared == "application/json" && isJSON(actual) {
		return true
	}
	return false
}

func isJSON(base string) bool {
	return base == "application/json" || base == "text/json" || strings.HasSuffix(base, "+json")
}
