// Package cloudpath derives the encrypted object-storage keys that mirror
// the cleartext treesystem. A node's key is {treeID}/{dirPrefix}/{hashedName}
// where dirPrefix belongs to the parent and hashedName is a keyed hash of
// the node's cleartext name under the parent's dirSalt.
package cloudpath

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	// ExtRcrd is the extension of the metadata fork.
	ExtRcrd = "rcrd"
	// ExtData is the extension of the content fork.
	ExtData = "data"
	// ExtAvatar is the extension of avatar objects in the prefs trunk.
	ExtAvatar = "avatar"

	// DirPrefixLen is the length of a dirPrefix in hex characters.
	DirPrefixLen = 32

	// FileNameLen is the length of a hashed file name (160 bits in zbase32).
	FileNameLen = 32

	// DirSaltLen is the length of a freshly generated directory salt.
	DirSaltLen = 32

	treeIDMinLen = 8
	treeIDMaxLen = 64
	extMaxLen    = 16

	// nameHashSize is the keyed hash digest size; 20 bytes encode to
	// exactly FileNameLen zbase32 characters.
	nameHashSize = 20
)

// zbase32 is the human-oriented base-32 alphabet used for hashed names.
const zbase32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

var zbase32 = base32.NewEncoding(zbase32Alphabet).WithPadding(base32.NoPadding)

var folder = cases.Fold()

// Trunk identifies one of the per-user, per-tree root containers.
type Trunk int

const (
	TrunkHome Trunk = iota
	TrunkPrefs
	TrunkInbox
	TrunkOutbox
)

// Trunks lists every trunk in listing order.
var Trunks = []Trunk{TrunkHome, TrunkPrefs, TrunkInbox, TrunkOutbox}

func (t Trunk) String() string {
	switch t {
	case TrunkHome:
		return "home"
	case TrunkPrefs:
		return "prefs"
	case TrunkInbox:
		return "inbox"
	case TrunkOutbox:
		return "outbox"
	}

	return fmt.Sprintf("trunk(%d)", int(t))
}

// DirPrefix returns the reserved dirPrefix whose children are the trunk's
// top-level nodes.
func (t Trunk) DirPrefix() string {
	return fmt.Sprintf("%032X", int(t))
}

// ParseTrunk maps a trunk name back to its value.
func ParseTrunk(s string) (Trunk, bool) {
	for _, t := range Trunks {
		if t.String() == s {
			return t, true
		}
	}

	return 0, false
}

// IsReservedPrefix reports whether prefix belongs to a trunk.
func IsReservedPrefix(prefix string) bool {
	for _, t := range Trunks {
		if t.DirPrefix() == prefix {
			return true
		}
	}

	return false
}

// CloudPath is the object key of a node fork, relative to the bucket.
type CloudPath struct {
	TreeID    string `json:"treeID"`
	DirPrefix string `json:"dirPrefix"`
	FileName  string `json:"fileName"`
}

// Parse splits a key of the form treeID/dirPrefix/fileName[.ext].
func Parse(key string) (CloudPath, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return CloudPath{}, zerrors.Invalid("cloud path", "want 3 components, got %d", len(parts))
	}

	p := CloudPath{TreeID: parts[0], DirPrefix: parts[1], FileName: parts[2]}
	if err := p.Validate(); err != nil {
		return CloudPath{}, err
	}

	return p, nil
}

// Path returns the object key.
func (p CloudPath) Path() string {
	return p.TreeID + "/" + p.DirPrefix + "/" + p.FileName
}

// DirPath returns the listing prefix of the directory holding the object.
func (p CloudPath) DirPath() string {
	return DirPath(p.TreeID, p.DirPrefix)
}

// DirPath returns the listing prefix for children of dirPrefix.
func DirPath(treeID, dirPrefix string) string {
	return treeID + "/" + dirPrefix + "/"
}

// Ext returns the extension without the dot, or "".
func (p CloudPath) Ext() string {
	if i := strings.IndexByte(p.FileName, '.'); i >= 0 {
		return p.FileName[i+1:]
	}

	return ""
}

// BaseName returns the hashed file name without its extension.
func (p CloudPath) BaseName() string {
	if i := strings.IndexByte(p.FileName, '.'); i >= 0 {
		return p.FileName[:i]
	}

	return p.FileName
}

// WithExt returns the same path with the extension replaced.
func (p CloudPath) WithExt(ext string) CloudPath {
	q := p
	q.FileName = p.BaseName()

	if ext != "" {
		q.FileName += "." + ext
	}

	return q
}

// EqualIgnoringExt reports whether p and q name forks of the same node.
func (p CloudPath) EqualIgnoringExt(q CloudPath) bool {
	return p.TreeID == q.TreeID && p.DirPrefix == q.DirPrefix && p.BaseName() == q.BaseName()
}

// IsZero reports whether p is unset.
func (p CloudPath) IsZero() bool {
	return p == CloudPath{}
}

func (p CloudPath) String() string { return p.Path() }

// Validate checks every component of p.
func (p CloudPath) Validate() error {
	if err := ValidateTreeID(p.TreeID); err != nil {
		return err
	}

	if err := ValidateDirPrefix(p.DirPrefix); err != nil {
		return err
	}

	return ValidateFileName(p.FileName)
}

// ValidateTreeID checks length, charset and the leading dot rule.
func ValidateTreeID(id string) error {
	if len(id) < treeIDMinLen || len(id) > treeIDMaxLen {
		return zerrors.Invalid("treeID", "length %d outside [%d, %d]", len(id), treeIDMinLen, treeIDMaxLen)
	}

	if id[0] == '.' {
		return zerrors.Invalid("treeID", "must not start with '.'")
	}

	for _, r := range id {
		if !isTreeIDRune(r) {
			return zerrors.Invalid("treeID", "invalid character %q", r)
		}
	}

	return nil
}

func isTreeIDRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '-' || r == '_'
}

// ValidateDirPrefix checks for exactly 32 uppercase hex characters.
func ValidateDirPrefix(prefix string) error {
	if len(prefix) != DirPrefixLen {
		return zerrors.Invalid("dirPrefix", "want %d hex chars, got %d", DirPrefixLen, len(prefix))
	}

	for _, r := range prefix {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')) {
			return zerrors.Invalid("dirPrefix", "invalid character %q", r)
		}
	}

	return nil
}

// ValidateFileName checks a hashed file name with an optional extension.
func ValidateFileName(name string) error {
	base, ext, hasExt := strings.Cut(name, ".")
	if len(base) != FileNameLen {
		return zerrors.Invalid("fileName", "want %d chars, got %d", FileNameLen, len(base))
	}

	for _, r := range base {
		if !strings.ContainsRune(zbase32Alphabet, r) {
			return zerrors.Invalid("fileName", "invalid character %q", r)
		}
	}

	if !hasExt {
		return nil
	}

	if ext == "" || len(ext) > extMaxLen {
		return zerrors.Invalid("fileName", "extension length %d outside [1, %d]", len(ext), extMaxLen)
	}

	for _, r := range ext {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return zerrors.Invalid("fileName", "invalid extension character %q", r)
		}
	}

	return nil
}

// CloudLocator pins a CloudPath to a region and bucket.
type CloudLocator struct {
	Region string    `json:"region"`
	Bucket string    `json:"bucket"`
	Path   CloudPath `json:"path"`
}

// Key returns the object key within the bucket.
func (l CloudLocator) Key() string { return l.Path.Path() }

// WithExt returns the locator of another fork of the same node.
func (l CloudLocator) WithExt(ext string) CloudLocator {
	l.Path = l.Path.WithExt(ext)
	return l
}

// EqualIgnoringExt compares region, bucket and path modulo extension.
func (l CloudLocator) EqualIgnoringExt(o CloudLocator) bool {
	return l.Region == o.Region && l.Bucket == o.Bucket && l.Path.EqualIgnoringExt(o.Path)
}

// IsZero reports whether l is unset.
func (l CloudLocator) IsZero() bool {
	return l == CloudLocator{}
}

func (l CloudLocator) String() string {
	return l.Region + "/" + l.Bucket + "/" + l.Path.Path()
}

// NormalizeName canonicalises a cleartext name before hashing: Unicode
// NFC followed by case folding, so names that a case-insensitive
// filesystem would treat as equal map to the same cloud path.
func NormalizeName(name string) string {
	return folder.String(norm.NFC.String(name))
}

// HashName returns the 32-character hashed file name for a cleartext
// name under dirSalt.
func HashName(name string, dirSalt []byte) (string, error) {
	if name == "" {
		return "", zerrors.Invalid("name", "empty")
	}

	if len(dirSalt) == 0 {
		return "", zerrors.Invalid("dirSalt", "empty")
	}

	digest, err := zcrypto.KeyedHash([]byte(NormalizeName(name)), dirSalt, nameHashSize)
	if err != nil {
		return "", fmt.Errorf("hashing name: %w", err)
	}

	return zbase32.EncodeToString(digest), nil
}

// Derive computes the cloud path of a node called name whose parent has
// the given dirPrefix and dirSalt. ext selects the fork ("" for none).
func Derive(treeID, parentDirPrefix string, parentDirSalt []byte, name, ext string) (CloudPath, error) {
	hashed, err := HashName(name, parentDirSalt)
	if err != nil {
		return CloudPath{}, err
	}

	p := CloudPath{TreeID: treeID, DirPrefix: parentDirPrefix, FileName: hashed}.WithExt(ext)
	if err := p.Validate(); err != nil {
		return CloudPath{}, err
	}

	return p, nil
}

// NewDirPrefix returns a random dirPrefix that never collides with a
// reserved trunk prefix.
func NewDirPrefix() (string, error) {
	for {
		b, err := zcrypto.RandomBytes(DirPrefixLen / 2)
		if err != nil {
			return "", err
		}

		prefix := strings.ToUpper(hex.EncodeToString(b))
		if !IsReservedPrefix(prefix) {
			return prefix, nil
		}
	}
}

// NewDirSalt returns a fresh random directory salt.
func NewDirSalt() ([]byte, error) {
	return zcrypto.RandomBytes(DirSaltLen)
}

// TrunkDirSalt returns the salt of a trunk, derived from the account's
// secret key so every device of the user computes identical paths for
// top-level nodes while nobody without the key can.
func TrunkDirSalt(secret []byte, userID, treeID string, t Trunk) ([]byte, error) {
	if t == TrunkInbox {
		return InboxDirSalt(userID, treeID)
	}

	if len(secret) == 0 {
		return nil, zerrors.Invalid("trunk salt", "no account secret")
	}

	return zcrypto.DeriveKey(secret, []byte(userID+"/"+treeID), []byte("zdc-trunk-salt:"+t.String()), DirSaltLen)
}

// InboxDirSalt returns the salt of a user's inbox trunk. Senders address
// the recipient's inbox without its key, so this salt comes from public
// inputs only and inbox names are not hidden from the provider.
func InboxDirSalt(userID, treeID string) ([]byte, error) {
	return zcrypto.DeriveKey([]byte(userID), []byte(treeID), []byte("zdc-trunk-salt:"+TrunkInbox.String()), DirSaltLen)
}

// AvatarPath returns the key of a user's avatar inside the prefs trunk.
func AvatarPath(secret []byte, userID, treeID string) (CloudPath, error) {
	salt, err := TrunkDirSalt(secret, userID, treeID, TrunkPrefs)
	if err != nil {
		return CloudPath{}, err
	}

	return Derive(treeID, TrunkPrefs.DirPrefix(), salt, "avatar:"+userID, ExtAvatar)
}
