package seal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters, the cost does not matter for correctness
var testParams = KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("room secret"), []byte("room:1"))
	require.NoError(t, err)

	plain, err := Open(key, sealed, []byte("room:1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("room secret"), plain)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()

	sealed, err := Seal(key, []byte("x"), nil)
	require.NoError(t, err)

	_, err = Open(other, sealed, nil)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenWithWrongAADFails(t *testing.T) {
	key, _ := GenerateKey()
	sealed, err := Seal(key, []byte("x"), []byte("a"))
	require.NoError(t, err)

	_, err = Open(key, sealed, []byte("b"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenTruncated(t *testing.T) {
	key, _ := GenerateKey()
	_, err := Open(key, []byte{1, 2, 3}, nil)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenStringInvalidBase64(t *testing.T) {
	key, _ := GenerateKey()
	_, err := OpenString(key, "not base64!!", nil)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	k1, err := DeriveMasterKey([]byte("passkey"), salt, testParams)
	require.NoError(t, err)
	k2, err := DeriveMasterKey([]byte("passkey"), salt, testParams)
	require.NoError(t, err)
	k3, err := DeriveMasterKey([]byte("other"), salt, testParams)
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveMasterKeyRejectsEmptyPasskey(t *testing.T) {
	_, err := DeriveMasterKey(nil, []byte("salt"), testParams)
	require.ErrorIs(t, err, ErrEmptyPasskey)
}

func TestDeriveSubKeyIsPurposeBound(t *testing.T) {
	master, _ := GenerateKey()
	a, err := DeriveSubKey(master, "a")
	require.NoError(t, err)
	b, err := DeriveSubKey(master, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, KeySize)
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
