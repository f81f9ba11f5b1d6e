// Package signing defines the contract the ledger requires from a signer and
// ships an Ed25519 implementation.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Signer produces and checks signatures over a record hash.
type Signer interface {
	Sign(ctx context.Context, data []byte) ([]byte, error)
	Verify(ctx context.Context, data, signature []byte) (bool, error)
	// KeyID identifies the key so verifiers can tell rotated keys apart.
	KeyID() string
}

// Ed25519Signer signs with a single in-process Ed25519 key.
type Ed25519Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer creates a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid ed25519 seed length: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		private: priv,
		public:  pub,
		keyID:   keyIDFor(pub),
	}, nil
}

// LoadEd25519SeedFile reads a hex encoded seed from disk.
func LoadEd25519SeedFile(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing seed: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid signing seed encoding: %w", err)
	}
	return NewEd25519Signer(seed)
}

// NewEd25519Verifier creates a verify-only signer for a retired key. Its Sign
// always fails with ErrVerifyOnly.
func NewEd25519Verifier(pub ed25519.PublicKey) (*Ed25519Signer, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length: %d", len(pub))
	}
	return &Ed25519Signer{public: pub, keyID: keyIDFor(pub)}, nil
}

// LoadEd25519PublicKeyFile reads a hex encoded public key from disk.
func LoadEd25519PublicKeyFile(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	return NewEd25519Verifier(pub)
}

// LoadVerifiers reads each path with LoadEd25519PublicKeyFile.
func LoadVerifiers(paths []string) ([]Signer, error) {
	out := make([]Signer, 0, len(paths))
	for _, path := range paths {
		v, err := LoadEd25519PublicKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func keyIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(sum[:8])
}

// ErrVerifyOnly is returned when a verify-only signer is asked to sign.
var ErrVerifyOnly = errors.New("signer holds no private key")

// Sign implements Signer.
func (s *Ed25519Signer) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.private == nil {
		return nil, ErrVerifyOnly
	}
	return ed25519.Sign(s.private, data), nil
}

// Verify implements Signer.
func (s *Ed25519Signer) Verify(ctx context.Context, data, signature []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(s.public, data, signature), nil
}

// KeyID implements Signer.
func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.public }

// ErrTimeout is returned by a TimeoutSigner when the wrapped signer overruns.
var ErrTimeout = errors.New("signer timed out")

// TimeoutSigner bounds every call to the wrapped signer. Remote signers (HSM,
// KMS) are the usual reason to wrap.
type TimeoutSigner struct {
	next    Signer
	timeout time.Duration
}

// WithTimeout wraps next. A non-positive timeout returns next unchanged.
func WithTimeout(next Signer, timeout time.Duration) Signer {
	if timeout <= 0 {
		return next
	}
	return &TimeoutSigner{next: next, timeout: timeout}
}

type signResult struct {
	sig []byte
	ok  bool
	err error
}

func (t *TimeoutSigner) call(ctx context.Context, fn func(context.Context) signResult) signResult {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan signResult, 1)
	go func() { done <- fn(ctx) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return signResult{err: ErrTimeout}
		}
		return signResult{err: ctx.Err()}
	}
}

// Sign implements Signer.
func (t *TimeoutSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	res := t.call(ctx, func(ctx context.Context) signResult {
		sig, err := t.next.Sign(ctx, data)
		return signResult{sig: sig, err: err}
	})
	return res.sig, res.err
}

// Verify implements Signer.
func (t *TimeoutSigner) Verify(ctx context.Context, data, signature []byte) (bool, error) {
	res := t.call(ctx, func(ctx context.Context) signResult {
		ok, err := t.next.Verify(ctx, data, signature)
		return signResult{ok: ok, err: err}
	})
	return res.ok, res.err
}

// KeyID implements Signer.
func (t *TimeoutSigner) KeyID() string { return t.next.KeyID() }
