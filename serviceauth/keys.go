// Package serviceauth issues and verifies short-lived service-to-service
// JWTs bound to an audience and optionally to a lexicon method.
package serviceauth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-varint"
)

// JWT signing algorithm identifiers.
const (
	AlgES256K = "ES256K"
	AlgEdDSA  = "EdDSA"
)

// multicodec prefixes for did:key encoding
const (
	codecSecp256k1Pub = 0xe7
	codecEd25519Pub   = 0xed
)

// Keypair signs service JWTs. Implementations carry their algorithm
// identifier and a did:key form of the public key.
type Keypair interface {
	JWTAlg() string
	Did() string
	Sign(msg []byte) ([]byte, error)
	PublicKey() *PublicKey
}

// PublicKey verifies service JWT signatures. Keys compare equal by
// algorithm and raw bytes, which is what the rotation retry relies on.
type PublicKey struct {
	alg string
	raw []byte
}

// NewPublicKey wraps raw key material: a 33-byte compressed secp256k1
// point for ES256K or a 32-byte ed25519 key for EdDSA.
func NewPublicKey(alg string, raw []byte) (*PublicKey, error) {
	switch alg {
	case AlgES256K:
		if _, err := secp256k1.ParsePubKey(raw); err != nil {
			return nil, fmt.Errorf("serviceauth: bad secp256k1 key: %w", err)
		}
	case AlgEdDSA:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("serviceauth: bad ed25519 key length %d", len(raw))
		}
	default:
		return nil, fmt.Errorf("serviceauth: unsupported alg %q", alg)
	}
	return &PublicKey{alg: alg, raw: append([]byte(nil), raw...)}, nil
}

// JWTAlg returns the key's signing algorithm identifier.
func (k *PublicKey) JWTAlg() string { return k.alg }

// Equal reports whether both keys hold the same material.
func (k *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && k.alg == other.alg && bytes.Equal(k.raw, other.raw)
}

// Did returns the did:key encoding of the public key.
func (k *PublicKey) Did() string {
	var codec uint64 = codecEd25519Pub
	if k.alg == AlgES256K {
		codec = codecSecp256k1Pub
	}
	prefixed := append(varint.ToUvarint(codec), k.raw...)
	return "did:key:z" + base58.Encode(prefixed)
}

// Verify checks sig over msg. ES256K signatures are 64-byte r||s over the
// SHA-256 digest; EdDSA signs the message directly.
func (k *PublicKey) Verify(msg, sig []byte) error {
	switch k.alg {
	case AlgES256K:
		if len(sig) != 64 {
			return fmt.Errorf("serviceauth: bad signature length %d", len(sig))
		}
		var r, s secp256k1.ModNScalar
		if overflow := r.SetByteSlice(sig[:32]); overflow {
			return fmt.Errorf("serviceauth: signature r overflow")
		}
		if overflow := s.SetByteSlice(sig[32:]); overflow {
			return fmt.Errorf("serviceauth: signature s overflow")
		}
		pub, err := secp256k1.ParsePubKey(k.raw)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(msg)
		if !secpecdsa.NewSignature(&r, &s).Verify(digest[:], pub) {
			return fmt.Errorf("serviceauth: signature mismatch")
		}
		return nil
	case AlgEdDSA:
		if !ed25519.Verify(ed25519.PublicKey(k.raw), msg, sig) {
			return fmt.Errorf("serviceauth: signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("serviceauth: unsupported alg %q", k.alg)
	}
}

// K256Keypair is a secp256k1 keypair producing ES256K signatures.
type K256Keypair struct {
	priv *secp256k1.PrivateKey
	pub  *PublicKey
}

// GenerateK256 creates a fresh secp256k1 keypair.
func GenerateK256() (*K256Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newK256(priv), nil
}

// K256FromBytes imports a 32-byte secp256k1 private key.
func K256FromBytes(b []byte) (*K256Keypair, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("serviceauth: bad private key length %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return newK256(priv), nil
}

func newK256(priv *secp256k1.PrivateKey) *K256Keypair {
	pub := &PublicKey{alg: AlgES256K, raw: priv.PubKey().SerializeCompressed()}
	return &K256Keypair{priv: priv, pub: pub}
}

func (k *K256Keypair) JWTAlg() string        { return AlgES256K }
func (k *K256Keypair) Did() string           { return k.pub.Did() }
func (k *K256Keypair) PublicKey() *PublicKey { return k.pub }

// Sign produces a compact 64-byte r||s signature over the SHA-256 digest
// of msg.
func (k *K256Keypair) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	compact := secpecdsa.SignCompact(k.priv, digest[:], true)
	// SignCompact prepends a recovery byte; the JWT form drops it.
	return compact[1:], nil
}

// Ed25519Keypair produces EdDSA signatures.
type Ed25519Keypair struct {
	priv ed25519.PrivateKey
	pub  *PublicKey
}

// GenerateEd25519 creates a fresh ed25519 keypair.
func GenerateEd25519() (*Ed25519Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Keypair{priv: priv, pub: &PublicKey{alg: AlgEdDSA, raw: pub}}, nil
}

func (k *Ed25519Keypair) JWTAlg() string        { return AlgEdDSA }
func (k *Ed25519Keypair) Did() string           { return k.pub.Did() }
func (k *Ed25519Keypair) PublicKey() *PublicKey { return k.pub }

func (k *Ed25519Keypair) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, msg), nil
}
