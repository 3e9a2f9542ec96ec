package zcrypto

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := NewKey()
	require.NoError(t, err)
	return key
}

func TestEncryptDecrypt_RoundTripBoundaries(t *testing.T) {
	const blockSize = 64
	s := NewSuite(blockSize)
	key := testKey(t)

	lengths := []int{0, 1, blockSize - 1, blockSize, blockSize + 1, 2 * blockSize, 3*blockSize + 1, 10 * blockSize}
	for _, n := range lengths {
		data := bytes.Repeat([]byte{byte(n)}, n)

		ct, err := s.Encrypt(data, key)
		require.NoError(t, err, "len %d", n)
		assert.Equal(t, s.EncryptedSize(n), len(ct), "len %d", n)

		pt, err := s.Decrypt(ct, key)
		require.NoError(t, err, "len %d", n)
		assert.Equal(t, len(data), len(pt), "len %d", n)
		assert.True(t, bytes.Equal(data, pt), "len %d", n)
	}
}

func TestEncrypt_RandomNonce(t *testing.T) {
	s := NewSuite(0)
	key := testKey(t)

	a, err := s.Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b, err := s.Encrypt([]byte("same"), key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongKey(t *testing.T) {
	s := NewSuite(32)
	ct, err := s.Encrypt([]byte("secret content"), testKey(t))
	require.NoError(t, err)

	_, err = s.Decrypt(ct, testKey(t))
	assert.ErrorContains(t, err, "decrypting block 0")
}

func TestDecrypt_TruncatedStreamRejected(t *testing.T) {
	s := NewSuite(16)
	key := testKey(t)
	data := bytes.Repeat([]byte("x"), 48)

	ct, err := s.Encrypt(data, key)
	require.NoError(t, err)

	// Drop the last sealed block. The new last block was not sealed as
	// final, so authentication must fail.
	truncated := ct[:len(ct)-(16+tagSize)]
	_, err = s.Decrypt(truncated, key)
	assert.Error(t, err)
}

func TestDecrypt_ReorderedBlocksRejected(t *testing.T) {
	s := NewSuite(16)
	key := testKey(t)
	data := []byte("0123456789abcdefFEDCBA9876543210")

	ct, err := s.Encrypt(data, key)
	require.NoError(t, err)

	sealed := 16 + tagSize
	swapped := append([]byte{}, ct[:nonceSize]...)
	swapped = append(swapped, ct[nonceSize+sealed:]...)
	swapped = append(swapped, ct[nonceSize:nonceSize+sealed]...)

	_, err = s.Decrypt(swapped, key)
	assert.Error(t, err)
}

func TestDecrypt_TooShort(t *testing.T) {
	s := NewSuite(0)
	_, err := s.Decrypt([]byte("short"), testKey(t))
	assert.ErrorContains(t, err, "too short")
}

func TestWrapUnwrapKey(t *testing.T) {
	s := NewSuite(0)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	key := testKey(t)
	wrapped, err := s.WrapKey(key, &kp.Public)
	require.NoError(t, err)
	assert.NotEqual(t, key, wrapped)

	got, err := s.UnwrapKey(wrapped, kp)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestUnwrapKey_WrongRecipient(t *testing.T) {
	s := NewSuite(0)
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	wrapped, err := s.WrapKey(testKey(t), &alice.Public)
	require.NoError(t, err)

	_, err = s.UnwrapKey(wrapped, bob)
	assert.ErrorContains(t, err, "authentication failed")
}

func TestWrapKey_NilPublicKey(t *testing.T) {
	_, err := NewSuite(0).WrapKey(testKey(t), nil)
	assert.Error(t, err)
}

func TestKeyedHash_DeterministicAndKeyed(t *testing.T) {
	a, err := KeyedHash([]byte("report.txt"), []byte("salt-1"), 20)
	require.NoError(t, err)
	b, err := KeyedHash([]byte("report.txt"), []byte("salt-1"), 20)
	require.NoError(t, err)
	c, err := KeyedHash([]byte("report.txt"), []byte("salt-2"), 20)
	require.NoError(t, err)

	assert.Len(t, a, 20)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestKeyedHash_LongKeyAndBadSize(t *testing.T) {
	_, err := KeyedHash([]byte("x"), bytes.Repeat([]byte("k"), 100), 32)
	require.NoError(t, err)

	_, err = KeyedHash([]byte("x"), nil, 0)
	assert.Error(t, err)
	_, err = KeyedHash([]byte("x"), nil, 65)
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	s := NewSuite(0)
	assert.Len(t, s.Hash([]byte("abc")), 32)
	assert.Equal(t, s.Hash([]byte("abc")), s.Hash([]byte("abc")))
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte("ikm"), []byte("salt"), []byte("info"), 16)
	require.NoError(t, err)
	b, err := DeriveKey([]byte("ikm"), []byte("salt"), []byte("other"), 16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func TestZeroKey(t *testing.T) {
	key := []byte{1, 2, 3}
	ZeroKey(key)
	assert.Equal(t, []byte{0, 0, 0}, key)
}

func TestLoadKeyPair_RebuildsPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0o600))

	loaded, err := LoadKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded.Public)

	pk, err := ParsePublicKey(kp.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, *pk)
}

func TestParsePublicKey_Errors(t *testing.T) {
	_, err := ParsePublicKey("zz")
	assert.Error(t, err)
	_, err = ParsePublicKey("abcd")
	assert.ErrorContains(t, err, "32 bytes")
}
