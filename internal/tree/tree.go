// Package tree is the local treesystem API. Every mutation validates the
// tree invariants, writes the node, and queues the matching cloud
// operations inside the caller's write transaction, so a returned error
// leaves nothing committed.
package tree

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/queue"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

const maxNameLen = 255

// Tree applies local mutations.
type Tree struct {
	queue  *queue.Queue
	secret []byte
	now    func() time.Time
}

// New returns a Tree queueing through q. secret is the account's private
// key; trunk and avatar paths are derived from it.
func New(q *queue.Queue, secret []byte) *Tree {
	return &Tree{queue: q, secret: secret, now: time.Now}
}

// Queue returns the queue rules the tree enqueues through.
func (t *Tree) Queue() *queue.Queue { return t.queue }

// ValidateName checks a cleartext node name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return zerrors.Invalid("name", "empty")
	case name == "." || name == "..":
		return zerrors.Invalid("name", "%q is reserved", name)
	case len(name) > maxNameLen:
		return zerrors.Invalid("name", "longer than %d bytes", maxNameLen)
	case strings.ContainsAny(name, "/\x00"):
		return zerrors.Invalid("name", "contains a path separator or NUL")
	}

	return nil
}

// EnsureTrunks creates any missing trunk of a user's tree. Trunks are
// never uploaded; their dirPrefix is reserved and their dirSalt derived
// from the account secret, so every device of the user computes the same
// child paths.
func (t *Tree) EnsureTrunks(tx *state.Tx, userID, treeID string) (map[cloudpath.Trunk]*state.Node, error) {
	if err := cloudpath.ValidateTreeID(treeID); err != nil {
		return nil, err
	}

	out := make(map[cloudpath.Trunk]*state.Node, len(cloudpath.Trunks))

	for _, tr := range cloudpath.Trunks {
		n, err := tx.Trunk(userID, treeID, tr)
		if err != nil {
			return nil, err
		}

		if n == nil {
			salt, err := cloudpath.TrunkDirSalt(t.secret, userID, treeID, tr)
			if err != nil {
				return nil, err
			}

			n = &state.Node{
				ID:           uuid.NewString(),
				LocalUserID:  userID,
				TreeID:       treeID,
				Type:         state.NodeTrunk,
				Trunk:        tr.String(),
				Name:         tr.String(),
				ShareList:    sharelist.ForTrunk(tr, userID),
				DirPrefix:    tr.DirPrefix(),
				DirSalt:      salt,
				LastModified: t.now(),
			}

			if err := tx.PutNode(n); err != nil {
				return nil, fmt.Errorf("creating %s trunk: %w", tr, err)
			}
		}

		out[tr] = n
	}

	return out, nil
}

// CreateOptions configures CreateNode.
type CreateOptions struct {
	// Type defaults to NodeFile.
	Type state.NodeType

	// ShareList overrides the list inherited from the parent.
	ShareList sharelist.ShareList

	// SkipData suppresses the content upload of a new file, for nodes
	// whose content will be queued later with QueueDataUpload.
	SkipData bool
}

// CreateNode adds a child named name under parentID and queues its record
// upload, plus a content upload for files.
func (t *Tree) CreateNode(tx *state.Tx, parentID, name string, opts CreateOptions) (*state.Node, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if opts.Type == "" {
		opts.Type = state.NodeFile
	}

	if opts.Type == state.NodeTrunk {
		return nil, zerrors.Invalid("type", "trunks are created by EnsureTrunks")
	}

	parent, err := t.parent(tx, parentID)
	if err != nil {
		return nil, err
	}

	if err := t.checkSibling(tx, parent.ID, name, ""); err != nil {
		return nil, err
	}

	n, err := t.newNode(parent, name, opts)
	if err != nil {
		return nil, err
	}

	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	if _, err := t.queue.EnqueuePutRcrd(tx, n, nil); err != nil {
		return nil, fmt.Errorf("queueing record upload: %w", err)
	}

	if n.IsLeaf() && !opts.SkipData {
		if _, err := t.queue.EnqueuePutData(tx, n); err != nil {
			return nil, fmt.Errorf("queueing data upload: %w", err)
		}
	}

	return n, nil
}

func (t *Tree) newNode(parent *state.Node, name string, opts CreateOptions) (*state.Node, error) {
	key, err := zcrypto.NewKey()
	if err != nil {
		return nil, err
	}

	prefix, err := cloudpath.NewDirPrefix()
	if err != nil {
		return nil, err
	}

	salt, err := cloudpath.NewDirSalt()
	if err != nil {
		return nil, err
	}

	shares := opts.ShareList
	if shares == nil {
		shares = sharelist.Inherit(parent.ShareList)
	} else {
		shares = shares.Clone()
	}

	if err := shares.Validate(); err != nil {
		return nil, err
	}

	return &state.Node{
		ID:                 uuid.NewString(),
		LocalUserID:        parent.LocalUserID,
		TreeID:             parent.TreeID,
		ParentID:           parent.ID,
		Type:               opts.Type,
		Name:               name,
		EncryptionKey:      key,
		ShareList:          shares,
		DirPrefix:          prefix,
		DirSalt:            salt,
		ProvisionalCloudID: uuid.NewString(),
		LastModified:       t.now(),
	}, nil
}

func (t *Tree) parent(tx *state.Tx, parentID string) (*state.Node, error) {
	parent, err := tx.Node(parentID)
	if err != nil {
		return nil, zerrors.Structural(fmt.Errorf("%w: %s", zerrors.ErrParentNotFound, parentID))
	}

	if parent.IsLeaf() {
		return nil, zerrors.Invalid("parent", "%s is a file", parentID)
	}

	return parent, nil
}

// checkSibling fails when another child of parentID already normalises to
// name. selfID is excluded.
func (t *Tree) checkSibling(tx *state.Tx, parentID, name, selfID string) error {
	existing, err := tx.ChildByName(parentID, name)
	if err != nil {
		return err
	}

	if existing != nil && existing.ID != selfID {
		return zerrors.Structural(fmt.Errorf("%w: %q", zerrors.ErrNameConflict, name))
	}

	return nil
}

// ModifyNode applies fn to the node's metadata and queues a record upload.
// Names, parents and share lists change through MoveNode and SetShareList.
func (t *Tree) ModifyNode(tx *state.Tx, id string, fn func(n *state.Node) error) (*state.Node, error) {
	n, err := tx.Node(id)
	if err != nil {
		return nil, zerrors.Structural(err)
	}

	if n.IsTrunk() {
		return nil, zerrors.Structural(zerrors.ErrTrunkImmutable)
	}

	before := *n
	before.ShareList = n.ShareList.Clone()

	if err := fn(n); err != nil {
		return nil, err
	}

	if n.ID != before.ID || n.Name != before.Name || n.ParentID != before.ParentID || n.Type != before.Type {
		return nil, zerrors.Invalid("node", "identity, name, parent and type change through MoveNode")
	}

	if !n.ShareList.Equal(before.ShareList) {
		return nil, zerrors.Invalid("node", "share list changes through SetShareList")
	}

	n.LastModified = t.now()

	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	if _, err := t.queue.EnqueuePutRcrd(tx, n, nil); err != nil {
		return nil, err
	}

	return n, nil
}

// QueueDataUpload queues an upload of a file's current content.
func (t *Tree) QueueDataUpload(tx *state.Tx, id string) (*state.Operation, error) {
	n, err := tx.Node(id)
	if err != nil {
		return nil, zerrors.Structural(err)
	}

	if !n.IsLeaf() {
		return nil, zerrors.Invalid("node", "%s has no content", id)
	}

	n.LastModified = t.now()

	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	return t.queue.EnqueuePutData(tx, n)
}

// MoveNode renames and/or reparents a node. A node that never reached the
// cloud has its queued uploads migrated to the new path; an uploaded node
// gets a move operation. Descendant paths depend only on the node's own
// dirPrefix and dirSalt, so they are unaffected.
func (t *Tree) MoveNode(tx *state.Tx, id, newParentID, newName string) (*state.Node, error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}

	n, err := tx.Node(id)
	if err != nil {
		return nil, zerrors.Structural(err)
	}

	if n.IsTrunk() {
		return nil, zerrors.Structural(zerrors.ErrTrunkImmutable)
	}

	if newParentID == "" {
		newParentID = n.ParentID
	}

	parent, err := t.parent(tx, newParentID)
	if err != nil {
		return nil, err
	}

	if parent.ID == n.ID {
		return nil, zerrors.Structural(zerrors.ErrMoveIntoDescendant)
	}

	below, err := tx.IsDescendant(parent.ID, n.ID)
	if err != nil {
		return nil, err
	}

	if below {
		return nil, zerrors.Structural(zerrors.ErrMoveIntoDescendant)
	}

	if parent.LocalUserID != n.LocalUserID || parent.TreeID != n.TreeID {
		return nil, zerrors.Invalid("parent", "must belong to the same tree")
	}

	if err := t.checkSibling(tx, parent.ID, newName, n.ID); err != nil {
		return nil, err
	}

	if n.ParentID == parent.ID && n.Name == newName {
		return n, nil
	}

	var src cloudpath.CloudLocator
	if n.Uploaded() {
		if src, err = tx.CloudLocator(n, cloudpath.ExtRcrd); err != nil {
			return nil, err
		}
	}

	n.ParentID = parent.ID
	n.Name = newName
	n.LastModified = t.now()

	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	if !n.Uploaded() {
		return n, t.queue.MigrateLocators(tx, n)
	}

	if _, err := t.queue.EnqueueMove(tx, n, src); err != nil {
		return nil, err
	}

	return n, nil
}

// SetShareList applies fn to a copy of the node's share list and queues a
// record upload carrying the resulting changeset.
func (t *Tree) SetShareList(tx *state.Tx, id, actorID string, fn func(s sharelist.ShareList) error) (*state.Node, error) {
	n, err := tx.Node(id)
	if err != nil {
		return nil, zerrors.Structural(err)
	}

	if n.IsTrunk() {
		return nil, zerrors.Structural(zerrors.ErrTrunkImmutable)
	}

	updated := n.ShareList.Clone()
	if updated == nil {
		updated = sharelist.New()
	}

	if err := fn(updated); err != nil {
		return nil, err
	}

	if err := updated.Validate(); err != nil {
		return nil, err
	}

	owner := sharelist.UserKey(n.LocalUserID)
	if _, had := n.ShareList[owner]; had && actorID != n.LocalUserID {
		if _, still := updated[owner]; !still {
			return nil, zerrors.Structural(zerrors.ErrOwnerEntryRequired)
		}
	}

	cs := sharelist.Diff(n.ShareList, updated)
	if cs.IsEmpty() {
		return n, nil
	}

	n.ShareList = updated
	n.LastModified = t.now()

	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	if _, err := t.queue.EnqueuePutRcrd(tx, n, cs); err != nil {
		return nil, err
	}

	return n, nil
}
