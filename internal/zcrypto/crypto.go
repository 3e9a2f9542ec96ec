// Package zcrypto is the crypto provider used by the sync engine: key
// wrapping to principals' public keys, tweakable block encryption of node
// content, and keyed hashing of cleartext names.
package zcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of per-node symmetric keys.
	KeySize = chacha20poly1305.KeySize

	// DefaultBlockSize is the plaintext size of one encrypted block.
	DefaultBlockSize = 64 * 1024

	// nonceSize is the XChaCha20-Poly1305 nonce length; the stream header
	// is one random base nonce.
	nonceSize = chacha20poly1305.NonceSizeX

	// tagSize is the Poly1305 tag appended to every block.
	tagSize = chacha20poly1305.Overhead

	// maxKeyedHashSize bounds the digest length accepted by KeyedHash.
	maxKeyedHashSize = blake2b.Size
)

// Provider is the crypto surface the sync engine depends on.
type Provider interface {
	WrapKey(key []byte, publicKey *[32]byte) ([]byte, error)
	UnwrapKey(wrapped []byte, kp *KeyPair) ([]byte, error)
	Encrypt(data, key []byte) ([]byte, error)
	Decrypt(data, key []byte) ([]byte, error)
	KeyedHash(data, key []byte, size int) ([]byte, error)
	Hash(data []byte) []byte
}

// Suite implements Provider with NaCl sealed boxes for key wrapping,
// XChaCha20-Poly1305 blocks for content and BLAKE2b for hashing.
type Suite struct {
	blockSize int
	rand      io.Reader
}

// NewSuite returns a Suite encrypting content in blocks of blockSize bytes.
// A non-positive blockSize selects DefaultBlockSize.
func NewSuite(blockSize int) *Suite {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &Suite{blockSize: blockSize, rand: rand.Reader}
}

// BlockSize returns the plaintext block size.
func (s *Suite) BlockSize() int { return s.blockSize }

// NewKey returns a fresh random symmetric key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return key, nil
}

// RandomBytes returns n random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}

	return b, nil
}

// WrapKey seals key to publicKey with an anonymous sealed box. Only the
// holder of the matching private key can unwrap it.
func (s *Suite) WrapKey(key []byte, publicKey *[32]byte) ([]byte, error) {
	if publicKey == nil {
		return nil, fmt.Errorf("wrapping key: nil public key")
	}

	sealed, err := box.SealAnonymous(nil, key, publicKey, s.rand)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}

	return sealed, nil
}

// UnwrapKey opens a sealed box produced by WrapKey.
func (s *Suite) UnwrapKey(wrapped []byte, kp *KeyPair) ([]byte, error) {
	if kp == nil {
		return nil, fmt.Errorf("unwrapping key: nil key pair")
	}

	key, ok := box.OpenAnonymous(nil, wrapped, &kp.Public, &kp.Private)
	if !ok {
		return nil, fmt.Errorf("unwrapping key: authentication failed")
	}

	return key, nil
}

// Encrypt encrypts data in fixed-size blocks. Each block is sealed with
// the base nonce tweaked by its index, and the block index plus a final
// flag are bound as additional data so blocks cannot be reordered or the
// stream truncated. Format: [24-byte nonce]([block ciphertext][16-byte tag])+
// Empty input produces a single empty final block.
func (s *Suite) Encrypt(data, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}

	base := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.rand, base); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blocks := (len(data) + s.blockSize - 1) / s.blockSize
	if blocks == 0 {
		blocks = 1
	}

	out := make([]byte, 0, nonceSize+len(data)+blocks*tagSize)
	out = append(out, base...)

	nonce := make([]byte, nonceSize)

	for i := 0; i < blocks; i++ {
		start := i * s.blockSize
		end := min(start+s.blockSize, len(data))

		tweakNonce(nonce, base, uint64(i))
		out = aead.Seal(out, nonce, data[start:end], blockAAD(uint64(i), i == blocks-1))
	}

	return out, nil
}

// Decrypt reverses Encrypt.
func (s *Suite) Decrypt(data, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}

	if len(data) < nonceSize+tagSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	base := data[:nonceSize]
	body := data[nonceSize:]
	sealedBlock := s.blockSize + tagSize
	blocks := (len(body) + sealedBlock - 1) / sealedBlock

	out := make([]byte, 0, max(0, len(body)-blocks*tagSize))
	nonce := make([]byte, nonceSize)

	for i := 0; i < blocks; i++ {
		start := i * sealedBlock
		end := min(start+sealedBlock, len(body))

		if end-start < tagSize {
			return nil, fmt.Errorf("block %d truncated", i)
		}

		tweakNonce(nonce, base, uint64(i))

		out, err = aead.Open(out, nonce, body[start:end], blockAAD(uint64(i), i == blocks-1))
		if err != nil {
			return nil, fmt.Errorf("decrypting block %d: %w", i, err)
		}
	}

	return out, nil
}

// EncryptedSize returns the ciphertext length Encrypt produces for n bytes.
func (s *Suite) EncryptedSize(n int) int {
	blocks := (n + s.blockSize - 1) / s.blockSize
	if blocks == 0 {
		blocks = 1
	}

	return nonceSize + n + blocks*tagSize
}

func tweakNonce(dst, base []byte, index uint64) {
	copy(dst, base)

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)

	for i := 0; i < 8; i++ {
		dst[nonceSize-8+i] ^= idx[i]
	}
}

func blockAAD(index uint64, final bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)

	if final {
		aad[8] = 1
	}

	return aad
}

// KeyedHash returns a BLAKE2b MAC of data under key with the given digest
// size in bytes.
func (s *Suite) KeyedHash(data, key []byte, size int) ([]byte, error) {
	return KeyedHash(data, key, size)
}

// KeyedHash is the package-level form of Suite.KeyedHash. Keys longer
// than 64 bytes are first reduced with SHA-256.
func KeyedHash(data, key []byte, size int) ([]byte, error) {
	if size <= 0 || size > maxKeyedHashSize {
		return nil, fmt.Errorf("keyed hash size %d out of range", size)
	}

	if len(key) > blake2b.Size {
		sum := sha256.Sum256(key)
		key = sum[:]
	}

	h, err := blake2b.New(size, key)
	if err != nil {
		return nil, fmt.Errorf("creating keyed hash: %w", err)
	}

	h.Write(data)

	return h.Sum(nil), nil
}

// Hash returns the unkeyed BLAKE2b-256 digest of data.
func (s *Suite) Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// DeriveKey derives keyLen bytes from ikm with HKDF-SHA256.
func DeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return out, nil
}

// ZeroKey overwrites key material in place.
func ZeroKey(key []byte) {
	subtle.ConstantTimeCopy(1, key, make([]byte, len(key)))
}

// KeyPair is a Curve25519 key pair identifying a principal.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair returns a fresh key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromPrivate rebuilds a key pair from its private half.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(priv))
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}

	kp := &KeyPair{}
	copy(kp.Private[:], priv)
	copy(kp.Public[:], pub)

	return kp, nil
}

// LoadKeyPair reads a hex-encoded private key from path.
func LoadKeyPair(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}

	defer ZeroKey(priv)

	return KeyPairFromPrivate(priv)
}

// PublicKeyHex returns the hex encoding of the public key.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}

	if len(raw) != 32 {
		return nil, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}

	var pk [32]byte
	copy(pk[:], raw)

	return &pk, nil
}
