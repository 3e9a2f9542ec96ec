// Package sharelist models per-node permissions: a map from principal key
// to a permission string and the node key wrapped for that principal.
// ShareLists are merge-aware; concurrent edits from different devices are
// combined one permission character at a time.
package sharelist

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

// Permission is a single permission character.
type Permission byte

const (
	PermRead        Permission = 'r'
	PermWrite       Permission = 'w'
	PermShare       Permission = 's'
	PermRecordsOnly Permission = 'R'
	PermLeafsOnly   Permission = 'L'
	PermUserOnly    Permission = 'U'
	PermWriteOnce   Permission = 'W'
	PermBurnIfOwner Permission = 'B'
)

// permOrder is the canonical order permission strings are rendered in.
const permOrder = "rwsRLUWB"

// Principal key prefixes.
const (
	PrefixUser       = "UID:"
	PrefixServer     = "SRV:"
	PrefixPassphrase = "PWD:"

	// Anyone matches every user. Only valid for drop-box style entries.
	Anyone = PrefixUser + "*"
)

// UserKey returns the principal key of a user.
func UserKey(userID string) string { return PrefixUser + userID }

// ServerKey returns the principal key of a server.
func ServerKey(serverID string) string { return PrefixServer + serverID }

// PassphraseKey returns the principal key of a passphrase.
func PassphraseKey(id string) string { return PrefixPassphrase + id }

// UserID extracts the user ID from a "UID:" key.
func UserID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, PrefixUser)
	if !ok || id == "" || id == "*" {
		return "", false
	}

	return id, true
}

// ValidateKey checks a principal key's shape.
func ValidateKey(key string) error {
	for _, prefix := range []string{PrefixUser, PrefixServer, PrefixPassphrase} {
		if id, ok := strings.CutPrefix(key, prefix); ok {
			if id == "" {
				return zerrors.Invalid("principal", "empty id in %q", key)
			}

			if id == "*" && prefix != PrefixUser {
				return zerrors.Invalid("principal", "wildcard only valid for users")
			}

			return nil
		}
	}

	return zerrors.Invalid("principal", "unknown prefix in %q", key)
}

// ValidatePerms checks that every character is a known permission.
func ValidatePerms(perms string) error {
	for i := 0; i < len(perms); i++ {
		if strings.IndexByte(permOrder, perms[i]) < 0 {
			return zerrors.Invalid("permissions", "unknown permission %q", perms[i])
		}
	}

	return nil
}

// Item is the entry of a single principal.
type Item struct {
	Perms string `json:"perms"`
	Key   []byte `json:"key,omitempty"`

	// CanAddKey is set only when read permission was granted explicitly.
	// Key filling skips items without it.
	CanAddKey bool `json:"canAddKey,omitempty"`
}

// Has reports whether the item grants p.
func (it Item) Has(p Permission) bool {
	return strings.IndexByte(it.Perms, byte(p)) >= 0
}

func normalizePerms(perms string) string {
	var b strings.Builder

	for i := 0; i < len(permOrder); i++ {
		if strings.IndexByte(perms, permOrder[i]) >= 0 {
			b.WriteByte(permOrder[i])
		}
	}

	return b.String()
}

// ShareList maps principal keys to items. The zero value is an empty list
// that must be initialised with New or Clone before mutation.
type ShareList map[string]Item

// New returns an empty share list.
func New() ShareList { return ShareList{} }

// Clone returns a deep copy.
func (s ShareList) Clone() ShareList {
	out := make(ShareList, len(s))
	for k, it := range s {
		it.Key = bytes.Clone(it.Key)
		out[k] = it
	}

	return out
}

// Keys returns the principal keys in sorted order.
func (s ShareList) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// HasPermission reports whether principal has p.
func (s ShareList) HasPermission(principal string, p Permission) bool {
	it, ok := s[principal]
	return ok && it.Has(p)
}

// AddPermission grants p to principal, creating the item if needed.
// Granting read marks the item as eligible for a wrapped key.
func (s ShareList) AddPermission(principal string, p Permission) error {
	if err := ValidateKey(principal); err != nil {
		return err
	}

	if err := ValidatePerms(string(p)); err != nil {
		return err
	}

	it := s[principal]
	it.Perms = normalizePerms(it.Perms + string(p))

	if p == PermRead {
		it.CanAddKey = true
	}

	s[principal] = it

	return nil
}

// RemovePermission revokes p from principal. Removing read also drops the
// wrapped key. Items left with no permissions are kept until RemoveItem.
func (s ShareList) RemovePermission(principal string, p Permission) {
	it, ok := s[principal]
	if !ok {
		return
	}

	it.Perms = strings.ReplaceAll(it.Perms, string(p), "")

	if p == PermRead {
		it.Key = nil
		it.CanAddKey = false
	}

	s[principal] = it
}

// RemoveItem deletes principal's entry. The owner's entry can only be
// removed by the owner.
func (s ShareList) RemoveItem(principal, actorID, ownerID string) error {
	if principal == UserKey(ownerID) && actorID != ownerID {
		return zerrors.Structural(zerrors.ErrOwnerEntryRequired)
	}

	delete(s, principal)

	return nil
}

// SetKey stores a wrapped node key for principal. Only principals with
// read may hold a key.
func (s ShareList) SetKey(principal string, wrapped []byte) error {
	it, ok := s[principal]
	if !ok || !it.Has(PermRead) {
		return zerrors.Structural(fmt.Errorf("principal %s lacks read permission", principal))
	}

	it.Key = bytes.Clone(wrapped)
	s[principal] = it

	return nil
}

// MissingKeys lists principals that were explicitly granted read and have
// no wrapped key yet. Wildcard entries never receive keys.
func (s ShareList) MissingKeys() []string {
	var out []string

	for _, k := range s.Keys() {
		it := s[k]
		if k == Anyone || !it.Has(PermRead) || !it.CanAddKey || len(it.Key) > 0 {
			continue
		}

		out = append(out, k)
	}

	return out
}

// Validate checks every item for shape and the read/key invariant.
func (s ShareList) Validate() error {
	for k, it := range s {
		if err := ValidateKey(k); err != nil {
			return err
		}

		if err := ValidatePerms(it.Perms); err != nil {
			return err
		}

		if len(it.Key) > 0 && !it.Has(PermRead) {
			return zerrors.Structural(fmt.Errorf("principal %s holds a key without read", k))
		}
	}

	return nil
}

// Equal compares permissions and keys.
func (s ShareList) Equal(o ShareList) bool {
	if len(s) != len(o) {
		return false
	}

	for k, a := range s {
		b, ok := o[k]
		if !ok || a.Perms != b.Perms || !bytes.Equal(a.Key, b.Key) {
			return false
		}
	}

	return true
}

// Inherit returns the default share list of a new child of a node with
// parent's list. Wildcard drop-box entries do not propagate, and wrapped
// keys are never copied since the child has its own key.
func Inherit(parent ShareList) ShareList {
	out := New()

	for k, it := range parent {
		if k == Anyone {
			continue
		}

		out[k] = Item{Perms: it.Perms, CanAddKey: it.Has(PermRead)}
	}

	return out
}
