package serviceauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atgraph/xrpc/xrpc"
)

// TokenLifetime is the default validity window of a service JWT.
const TokenLifetime = 60 * time.Second

// rejected JWS typ values: tokens minted for other auth flows must not
// pass as service tokens.
var badTypes = map[string]bool{
	"at+jwt":      true,
	"refresh+jwt": true,
	"dpop+jwt":    true,
}

// Payload is the claim set of a service JWT.
type Payload struct {
	Iat   int64  `json:"iat,omitempty"`
	Iss   string `json:"iss"`
	Aud   string `json:"aud"`
	Exp   int64  `json:"exp"`
	Lxm   string `json:"lxm,omitempty"`
	Jti   string `json:"jti,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// CreateParams describes the token to mint. Lxm is the lexicon method the
// token is bound to; a nil Lxm omits the binding on purpose.
type CreateParams struct {
	Iss string
	Aud string
	Exp int64 // unix seconds; 0 means now + TokenLifetime
	Lxm *string
	Jti string // override for tests; random when empty
}

// Create mints a signed service JWT in JWS compact form.
func Create(p CreateParams, key Keypair) (string, error) {
	iat := time.Now().Unix()
	exp := p.Exp
	if exp == 0 {
		exp = iat + int64(TokenLifetime/time.Second)
	}
	jti := p.Jti
	if jti == "" {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("serviceauth: jti: %w", err)
		}
		jti = hex.EncodeToString(b[:])
	}
	payload := Payload{Iat: iat, Iss: p.Iss, Aud: p.Aud, Exp: exp, Jti: jti}
	if p.Lxm != nil {
		payload.Lxm = *p.Lxm
	}

	header := struct {
		Typ string `json:"typ"`
		Alg string `json:"alg"`
	}{Typ: "JWT", Alg: key.JWTAlg()}
	hb, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signingInput := b64(hb) + "." + b64(pb)
	sig, err := key.Sign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("serviceauth: sign: %w", err)
	}
	return signingInput + "." + b64(sig), nil
}

// KeyResolver fetches the signing key for an issuer. forceRefresh requests
// a cache-bypassing fetch after a verification failure, supporting key
// rotation.
type KeyResolver func(ctx context.Context, iss string, forceRefresh bool) (*PublicKey, error)

// VerifyParams constrains verification. A nil OwnDid skips the audience
// check; a nil Lxm skips the lexicon-method check.
type VerifyParams struct {
	OwnDid *string
	Lxm    *string
}

// Verify checks a service JWT and returns its payload. Every failure is an
// AuthRequired error with a distinguishing subcode name.
func Verify(ctx context.Context, token string, resolver KeyResolver, p VerifyParams) (*Payload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
	}

	var header struct {
		Typ string `json:"typ"`
		Alg string `json:"alg"`
	}
	if err := unb64JSON(parts[0], &header); err != nil {
		return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
	}
	if badTypes[header.Typ] {
		return nil, xrpc.AuthRequired(fmt.Sprintf("Invalid jwt type %q", header.Typ), "BadJwtType")
	}

	payload, err := parsePayload(parts[1])
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > payload.Exp {
		return nil, xrpc.AuthRequired("jwt expired", "JwtExpired")
	}
	if p.OwnDid != nil && payload.Aud != *p.OwnDid {
		return nil, xrpc.AuthRequired("jwt audience does not match service did", "BadJwtAudience")
	}
	if p.Lxm != nil && payload.Lxm != *p.Lxm {
		if payload.Lxm == "" {
			return nil, xrpc.AuthRequired(
				fmt.Sprintf("missing jwt lexicon method (%q). must match: %s", "lxm", *p.Lxm),
				"BadJwtLexiconMethod")
		}
		return nil, xrpc.AuthRequired(
			fmt.Sprintf("bad jwt lexicon method (%q). must match: %s", "lxm", *p.Lxm),
			"BadJwtLexiconMethod")
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, xrpc.AuthRequired("poorly formatted jwt signature", "BadJwtSignature")
	}
	msg := []byte(parts[0] + "." + parts[1])

	key, err := resolver(ctx, payload.Iss, false)
	if err != nil {
		return nil, xrpc.AuthRequired("could not resolve signing key", "BadJwtSignature").Wrap(err)
	}
	if verifyErr := safeVerify(key, msg, sig); verifyErr != nil {
		// The issuer may have rotated keys; retry once with a forced
		// refresh, but only when the refreshed key actually differs.
		fresh, err := resolver(ctx, payload.Iss, true)
		if err != nil || fresh.Equal(key) || safeVerify(fresh, msg, sig) != nil {
			return nil, xrpc.AuthRequired("jwt signature does not match jwt issuer", "BadJwtSignature").Wrap(verifyErr)
		}
	}
	return payload, nil
}

func parsePayload(part string) (*Payload, error) {
	var loose map[string]any
	if err := unb64JSON(part, &loose); err != nil {
		return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
	}
	if _, ok := loose["iss"].(string); !ok {
		return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
	}
	if _, ok := loose["aud"].(string); !ok {
		return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
	}
	if _, ok := loose["exp"].(float64); !ok {
		return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
	}
	for _, k := range []string{"lxm", "nonce"} {
		if v, present := loose[k]; present {
			if _, ok := v.(string); !ok {
				return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
			}
		}
	}
	var payload Payload
	if err := unb64JSON(part, &payload); err != nil {
		return nil, xrpc.AuthRequired("poorly formatted jwt", "BadJwt")
	}
	return &payload, nil
}

func safeVerify(key *PublicKey, msg, sig []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serviceauth: verify panic: %v", r)
		}
	}()
	return key.Verify(msg, sig)
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func unb64JSON(part string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(part)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
