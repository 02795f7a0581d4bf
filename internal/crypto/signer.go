// Package crypto provides participant identity and block-authentication
// primitives. The Chain Store and Consensus Engine only depend on the
// Signer/Verifier interfaces; this package supplies two
// implementations: the hash-only HashOnlySigner/HashOnlyVerifier that
// cmd/streamletd wires, and an ECDSA P-256 ECDSASigner/ECDSAVerifier
// adapted from the teacher's ECDSA key-handling code.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/nimbusledger/streamlet/internal/digest"
)

var (
	ErrInvalidKeyFormat   = errors.New("invalid key format")
	ErrUnsupportedCurve   = errors.New("unsupported elliptic curve")
	ErrKeyGeneration      = errors.New("key generation failed")
	ErrSignatureMismatch  = errors.New("signature does not verify against public key")
	ErrUnsupportedPEMType = errors.New("unsupported pem block type")
)

// Signer produces a proposer's signature over a block digest.
type Signer interface {
	Sign(d digest.Digest) ([]byte, error)
	PublicKeyBytes() []byte
}

// Verifier checks a signature produced by some Signer's public key.
type Verifier interface {
	Verify(d digest.Digest, signature, pubKeyBytes []byte) error
}

// ECDSASigner signs with a P-256 private key, adapted from the
// teacher's crypto.GenerateECDSAKeyPair/SerializePublicKeyToBytes
// key-management primitives.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
}

// GenerateECDSASigner creates a fresh P-256 signing identity.
func GenerateECDSASigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &ECDSASigner{priv: priv}, nil
}

// LoadECDSASignerPEM loads a PKCS#8 or SEC1 unencrypted private key
// from a PEM file, mirroring the teacher's LoadPrivateKeyPEM.
func LoadECDSASignerPEM(path string) (*ECDSASigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode PEM block", ErrInvalidKeyFormat)
	}

	var key interface{}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPEMType, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key DER bytes: %w", err)
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not ECDSA", ErrInvalidKeyFormat)
	}
	return &ECDSASigner{priv: priv}, nil
}

// SaveECDSASignerPEM persists the signer's private key in PKCS#8 PEM.
func (s *ECDSASigner) SaveECDSASignerPEM(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

// Sign signs a block digest directly (ECDSA over a fixed-size hash
// has no further pre-hash step needed since d is already 20 bytes of
// collision-resistant digest).
func (s *ECDSASigner) Sign(d digest.Digest) ([]byte, error) {
	r, sVal, err := ecdsa.Sign(rand.Reader, s.priv, d[:])
	if err != nil {
		return nil, fmt.Errorf("signing digest: %w", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sVal.FillBytes(sig[32:])
	return sig, nil
}

// PublicKeyBytes returns the uncompressed P-256 public key.
func (s *ECDSASigner) PublicKeyBytes() []byte {
	return elliptic.Marshal(elliptic.P256(), s.priv.PublicKey.X, s.priv.PublicKey.Y)
}

// ECDSAVerifier verifies signatures produced by an ECDSASigner.
type ECDSAVerifier struct{}

// Verify implements Verifier.
func (ECDSAVerifier) Verify(d digest.Digest, signature, pubKeyBytes []byte) error {
	if len(signature) != 64 {
		return fmt.Errorf("%w: expected 64-byte signature, got %d", ErrInvalidKeyFormat, len(signature))
	}
	if len(pubKeyBytes) != 65 || pubKeyBytes[0] != 0x04 {
		return fmt.Errorf("%w: expected 65-byte uncompressed P-256 public key", ErrInvalidKeyFormat)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), pubKeyBytes)
	if x == nil {
		return fmt.Errorf("%w: failed to unmarshal public key", ErrInvalidKeyFormat)
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	r := new(big.Int).SetBytes(signature[:32])
	sVal := new(big.Int).SetBytes(signature[32:])
	if !ecdsa.Verify(pub, d[:], r, sVal) {
		return ErrSignatureMismatch
	}
	return nil
}

// HashOnlySigner is a zero-setup identity used in tests and local
// multi-node runs where participant authentication is out of scope
// (§1 Non-goals): its "signature" is just a digest of the node id and
// block digest, and HashOnlyVerifier recomputes it rather than
// checking a public-key signature.
type HashOnlySigner struct {
	NodeID string
}

// Sign implements Signer with a deterministic, non-cryptographic stand-in.
func (s HashOnlySigner) Sign(d digest.Digest) ([]byte, error) {
	h := sha256.Sum256(append([]byte(s.NodeID), d[:]...))
	return h[:], nil
}

// PublicKeyBytes returns the node id itself, standing in for a public key.
func (s HashOnlySigner) PublicKeyBytes() []byte {
	return []byte(s.NodeID)
}

// HashOnlyVerifier recomputes HashOnlySigner's stand-in signature.
type HashOnlyVerifier struct{}

func (HashOnlyVerifier) Verify(d digest.Digest, signature, pubKeyBytes []byte) error {
	want := sha256.Sum256(append(pubKeyBytes, d[:]...))
	if len(signature) != len(want) {
		return ErrSignatureMismatch
	}
	for i := range want {
		if signature[i] != want[i] {
			return ErrSignatureMismatch
		}
	}
	return nil
}
