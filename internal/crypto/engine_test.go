package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pair builds two engines that have imported each other's public keys.
func pair(t *testing.T) (*Engine, *Engine) {
	t.Helper()
	a, err := NewEngine(time.Hour)
	require.NoError(t, err)
	b, err := NewEngine(time.Hour)
	require.NoError(t, err)

	require.NoError(t, a.ImportPeerKey("b", b.ExportPublicKey()))
	require.NoError(t, b.ImportPeerKey("a", a.ExportPublicKey()))
	return a, b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := pair(t)

	aad := []byte("msg-1|a")
	sealed, err := a.Encrypt("b", []byte("hello mesh"), aad)
	require.NoError(t, err)
	require.Len(t, sealed.Nonce, NonceSize)
	require.Equal(t, uint32(0), sealed.Epoch)

	plaintext, err := b.Decrypt("a", sealed, aad)
	require.NoError(t, err)
	require.Equal(t, "hello mesh", string(plaintext))
}

func TestDecryptFailuresAreUniform(t *testing.T) {
	a, b := pair(t)

	aad := []byte("msg-1|a")
	sealed, err := a.Encrypt("b", []byte("hello"), aad)
	require.NoError(t, err)

	tampered := sealed
	tampered.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	_, err = b.Decrypt("a", tampered, aad)
	require.ErrorIs(t, err, ErrAuthentication)

	_, err = b.Decrypt("a", sealed, []byte("msg-2|a"))
	require.ErrorIs(t, err, ErrAuthentication)

	badNonce := sealed
	badNonce.Nonce = sealed.Nonce[:NonceSize-1]
	_, err = b.Decrypt("a", badNonce, aad)
	require.ErrorIs(t, err, ErrAuthentication)

	badAlgo := sealed
	badAlgo.Algorithm = 0x7f
	_, err = b.Decrypt("a", badAlgo, aad)
	require.ErrorIs(t, err, ErrAuthentication)

	_, err = b.Decrypt("stranger", sealed, aad)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestNonceUniqueness(t *testing.T) {
	a, _ := pair(t)

	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		sealed, err := a.Encrypt("b", []byte("x"), nil)
		require.NoError(t, err)
		_, dup := seen[string(sealed.Nonce)]
		require.False(t, dup, "nonce repeated at message %d", i)
		seen[string(sealed.Nonce)] = struct{}{}
	}
}

func TestRotationKeepsPreviousEpoch(t *testing.T) {
	a, b := pair(t)

	aad := []byte("msg-1|a")
	sealed, err := a.Encrypt("b", []byte("before rotation"), aad)
	require.NoError(t, err)

	// Receiver rotates: the epoch-0 message must still open via the
	// retained previous key.
	require.NoError(t, b.Rotate("a"))
	epoch, ok := b.Epoch("a")
	require.True(t, ok)
	require.Equal(t, uint32(1), epoch)

	plaintext, err := b.Decrypt("a", sealed, aad)
	require.NoError(t, err)
	require.Equal(t, "before rotation", string(plaintext))

	// Two rotations later the epoch-0 key is gone.
	require.NoError(t, b.Rotate("a"))
	_, err = b.Decrypt("a", sealed, aad)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestRotatedPeersStayInSync(t *testing.T) {
	a, b := pair(t)

	require.NoError(t, a.Rotate("b"))
	require.NoError(t, b.Rotate("a"))

	aad := []byte("msg-2|a")
	sealed, err := a.Encrypt("b", []byte("epoch one"), aad)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sealed.Epoch)

	plaintext, err := b.Decrypt("a", sealed, aad)
	require.NoError(t, err)
	require.Equal(t, "epoch one", string(plaintext))
}

func TestTimedRotation(t *testing.T) {
	a, err := NewEngine(time.Minute)
	require.NoError(t, err)
	b, err := NewEngine(time.Minute)
	require.NoError(t, err)
	require.NoError(t, a.ImportPeerKey("b", b.ExportPublicKey()))
	require.NoError(t, b.ImportPeerKey("a", a.ExportPublicKey()))

	base := time.Now()
	a.now = func() time.Time { return base }

	sealed, err := a.Encrypt("b", []byte("x"), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), sealed.Epoch)

	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	sealed, err = a.Encrypt("b", []byte("x"), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sealed.Epoch)
}

func TestImportKeyChangeInvalidatesSession(t *testing.T) {
	a, _ := pair(t)

	other, err := NewEngine(time.Hour)
	require.NoError(t, err)

	err = a.ImportPeerKey("b", other.ExportPublicKey())
	require.ErrorIs(t, err, ErrKeyChanged)

	// The invalidated session must refuse to encrypt.
	_, err = a.Encrypt("b", []byte("x"), nil)
	require.ErrorIs(t, err, ErrEncryption)
}

func TestEncryptUnknownPeer(t *testing.T) {
	a, err := NewEngine(time.Hour)
	require.NoError(t, err)

	_, err = a.Encrypt("nobody", []byte("x"), nil)
	require.ErrorIs(t, err, ErrEncryption)
}

func TestReimportSameKeyIsNoop(t *testing.T) {
	a, b := pair(t)

	require.NoError(t, a.ImportPeerKey("b", b.ExportPublicKey()))

	sealed, err := a.Encrypt("b", []byte("still works"), nil)
	require.NoError(t, err)
	plaintext, err := b.Decrypt("a", sealed, nil)
	require.NoError(t, err)
	require.Equal(t, "still works", string(plaintext))
}

func TestEngineFromKeyKeepsIdentity(t *testing.T) {
	orig, err := NewEngine(time.Hour)
	require.NoError(t, err)

	restored, err := NewEngineFromKey(orig.ExportPrivateKey(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, orig.ExportPublicKey(), restored.ExportPublicKey())

	other, err := NewEngine(time.Hour)
	require.NoError(t, err)
	require.NoError(t, other.ImportPeerKey("me", restored.ExportPublicKey()))
	require.NoError(t, restored.ImportPeerKey("other", other.ExportPublicKey()))

	aad := []byte("msg-1|me")
	sealed, err := restored.Encrypt("other", []byte("still the same node"), aad)
	require.NoError(t, err)
	plaintext, err := other.Decrypt("me", sealed, aad)
	require.NoError(t, err)
	require.Equal(t, "still the same node", string(plaintext))

	_, err = NewEngineFromKey([]byte("not a key"), time.Hour)
	require.Error(t, err)
}
