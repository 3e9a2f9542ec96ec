// Package rcrd encodes the two cloud objects of a node: the RCRD record
// (JSON with per-principal wrapped keys and encrypted metadata) and the
// DATA container (independently encrypted metadata, thumbnail and content
// sections).
package rcrd

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

// Version is the record format written by this package.
const Version = 3

// Record is the on-the-wire RCRD document.
type Record struct {
	Version  int                  `json:"version"`
	CloudID  string               `json:"cloudID"`
	Sender   string               `json:"sender,omitempty"`
	Keys     map[string]KeyEntry  `json:"keys"`
	Children map[string]ChildInfo `json:"children,omitempty"`
	Meta     []byte               `json:"meta"`
	Data     map[string]string    `json:"data,omitempty"`
	BurnDate *time.Time           `json:"burnDate,omitempty"`
}

// KeyEntry is one principal's permissions and wrapped node key.
type KeyEntry struct {
	Perms string `json:"perms"`
	Burn  bool   `json:"burn,omitempty"`
	Key   []byte `json:"key,omitempty"`
}

// ChildInfo announces the dirPrefix under which a directory's children live.
type ChildInfo struct {
	Prefix string `json:"prefix"`
}

// Meta is the encrypted part of a record.
type Meta struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	DirSalt  []byte `json:"dirSalt,omitempty"`
	OwnerID  string `json:"ownerID,omitempty"`
	Path     string `json:"path,omitempty"`
	FileID   string `json:"fileID,omitempty"`
}

// Plain is the cleartext view of a record.
type Plain struct {
	CloudID   string
	Sender    string
	ShareList sharelist.ShareList
	DirPrefix string
	Meta      Meta
	NodeKey   []byte
	Data      map[string]string
	BurnDate  time.Time
}

// Encode serialises p. Every share list entry that holds a wrapped key is
// written as-is; meta is encrypted with the node key.
func Encode(c zcrypto.Provider, p *Plain) ([]byte, error) {
	if len(p.NodeKey) == 0 {
		return nil, zerrors.Invalid("node key", "empty")
	}

	if p.CloudID == "" {
		return nil, zerrors.Invalid("cloudID", "empty")
	}

	metaJSON, err := json.Marshal(p.Meta)
	if err != nil {
		return nil, fmt.Errorf("encoding meta: %w", err)
	}

	meta, err := c.Encrypt(metaJSON, p.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting meta: %w", err)
	}

	r := Record{
		Version: Version,
		CloudID: p.CloudID,
		Sender:  p.Sender,
		Keys:    make(map[string]KeyEntry, len(p.ShareList)),
		Meta:    meta,
		Data:    p.Data,
	}

	for k, it := range p.ShareList {
		r.Keys[k] = KeyEntry{Perms: it.Perms, Burn: it.Has(sharelist.PermBurnIfOwner), Key: it.Key}
	}

	if p.DirPrefix != "" {
		r.Children = map[string]ChildInfo{"": {Prefix: p.DirPrefix}}
	}

	if !p.BurnDate.IsZero() {
		t := p.BurnDate.UTC()
		r.BurnDate = &t
	}

	return json.Marshal(r)
}

// Parse decodes the public envelope of a record without decrypting it.
func Parse(raw []byte) (*Record, error) {
	if !gjson.ValidBytes(raw) {
		return nil, zerrors.Invalid("record", "not JSON")
	}

	if v := gjson.GetBytes(raw, "version").Int(); v != Version {
		return nil, fmt.Errorf("%w: %d", zerrors.ErrUnsupportedVersion, v)
	}

	r := &Record{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	return r, nil
}

// Decode parses raw and decrypts it as principal using kp.
func Decode(c zcrypto.Provider, raw []byte, principal string, kp *zcrypto.KeyPair) (*Plain, error) {
	r, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	entry, ok := r.Keys[principal]
	if !ok || len(entry.Key) == 0 {
		return nil, fmt.Errorf("%w: %s", zerrors.ErrNoAccess, principal)
	}

	nodeKey, err := c.UnwrapKey(entry.Key, kp)
	if err != nil {
		return nil, fmt.Errorf("unwrapping node key: %w", err)
	}

	return r.open(c, nodeKey)
}

// DecodeWithKey decrypts a record whose node key is already known.
func DecodeWithKey(c zcrypto.Provider, raw, nodeKey []byte) (*Plain, error) {
	r, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	return r.open(c, nodeKey)
}

func (r *Record) open(c zcrypto.Provider, nodeKey []byte) (*Plain, error) {
	metaJSON, err := c.Decrypt(r.Meta, nodeKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting meta: %w", err)
	}

	p := &Plain{
		CloudID:   r.CloudID,
		Sender:    r.Sender,
		ShareList: r.ShareList(),
		NodeKey:   nodeKey,
		Data:      maps.Clone(r.Data),
	}

	if err := json.Unmarshal(metaJSON, &p.Meta); err != nil {
		return nil, fmt.Errorf("decoding meta: %w", err)
	}

	if child, ok := r.Children[""]; ok {
		p.DirPrefix = child.Prefix
	}

	if r.BurnDate != nil {
		p.BurnDate = *r.BurnDate
	}

	return p, nil
}

// ShareList rebuilds the share list carried by the record's keys.
func (r *Record) ShareList() sharelist.ShareList {
	s := sharelist.New()

	for k, e := range r.Keys {
		s[k] = sharelist.Item{
			Perms:     e.Perms,
			Key:       e.Key,
			CanAddKey: strings.IndexByte(e.Perms, byte(sharelist.PermRead)) >= 0,
		}
	}

	return s
}

// Principals returns the user IDs named in the record's keys and sender.
func (r *Record) Principals() []string {
	var out []string

	if r.Sender != "" {
		out = append(out, r.Sender)
	}

	for k := range r.Keys {
		if id, ok := sharelist.UserID(k); ok {
			out = append(out, id)
		}
	}

	return out
}
