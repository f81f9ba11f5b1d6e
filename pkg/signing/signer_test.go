package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

// slowSigner blocks until its context is done.
type slowSigner struct{}

func (slowSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowSigner) Verify(ctx context.Context, data, signature []byte) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (slowSigner) KeyID() string { return "slow" }

func TestEd25519Signer(t *testing.T) {
	t.Run("sign and verify", func(t *testing.T) {
		s, err := NewEd25519Signer(testSeed())
		require.NoError(t, err)

		sig, err := s.Sign(context.Background(), []byte("record-hash"))
		require.NoError(t, err)

		ok, err := s.Verify(context.Background(), []byte("record-hash"), sig)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Verify(context.Background(), []byte("other-hash"), sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("short signature does not verify", func(t *testing.T) {
		s, err := NewEd25519Signer(testSeed())
		require.NoError(t, err)

		ok, err := s.Verify(context.Background(), []byte("x"), []byte{1, 2, 3})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid seed", func(t *testing.T) {
		_, err := NewEd25519Signer([]byte("short"))
		assert.Error(t, err)
	})

	t.Run("key id is stable", func(t *testing.T) {
		a, _ := NewEd25519Signer(testSeed())
		b, _ := NewEd25519Signer(testSeed())
		assert.Equal(t, a.KeyID(), b.KeyID())
		assert.Contains(t, a.KeyID(), "ed25519:")
	})
}

func TestLoadEd25519SeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.hex")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(testSeed())+"\n"), 0600))

	s, err := LoadEd25519SeedFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, s.PublicKey())

	_, err = LoadEd25519SeedFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestEd25519Verifier(t *testing.T) {
	signer, err := NewEd25519Signer(testSeed())
	require.NoError(t, err)
	sig, err := signer.Sign(context.Background(), []byte("record-hash"))
	require.NoError(t, err)

	t.Run("verifies with the public key only", func(t *testing.T) {
		v, err := NewEd25519Verifier(signer.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, signer.KeyID(), v.KeyID())

		ok, err := v.Verify(context.Background(), []byte("record-hash"), sig)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = v.Sign(context.Background(), []byte("record-hash"))
		assert.ErrorIs(t, err, ErrVerifyOnly)
	})

	t.Run("loads a hex public key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "retired.pub")
		require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(signer.PublicKey())+"\n"), 0600))

		v, err := LoadEd25519PublicKeyFile(path)
		require.NoError(t, err)
		assert.Equal(t, signer.KeyID(), v.KeyID())

		vs, err := LoadVerifiers([]string{path})
		require.NoError(t, err)
		require.Len(t, vs, 1)
		assert.Equal(t, signer.KeyID(), vs[0].KeyID())

		_, err = LoadVerifiers([]string{filepath.Join(t.TempDir(), "missing.pub")})
		assert.Error(t, err)
	})

	t.Run("invalid public key", func(t *testing.T) {
		_, err := NewEd25519Verifier([]byte("short"))
		assert.Error(t, err)
	})
}

func TestTimeoutSigner(t *testing.T) {
	t.Run("times out slow signer", func(t *testing.T) {
		s := WithTimeout(slowSigner{}, 20*time.Millisecond)

		_, err := s.Sign(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, ErrTimeout)

		_, err = s.Verify(context.Background(), []byte("x"), nil)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("passes through fast signer", func(t *testing.T) {
		inner, err := NewEd25519Signer(testSeed())
		require.NoError(t, err)
		s := WithTimeout(inner, time.Second)

		sig, err := s.Sign(context.Background(), []byte("x"))
		require.NoError(t, err)
		ok, err := s.Verify(context.Background(), []byte("x"), sig)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, inner.KeyID(), s.KeyID())
	})

	t.Run("zero timeout returns inner", func(t *testing.T) {
		inner, _ := NewEd25519Signer(testSeed())
		assert.Same(t, inner, WithTimeout(inner, 0))
	})
}
