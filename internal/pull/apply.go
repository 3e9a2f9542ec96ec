package pull

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/delegate"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// apply reconciles one fetched record with the local tree. Local state is
// re-read inside the transaction, so operations queued since the listing
// are taken into account.
func (c *cycle) apply(tx *state.Tx, it *Item, plain *rcrd.Plain, info cloud.ObjectInfo) error {
	parent, err := tx.Node(it.Parent.ID)
	if err != nil {
		if errors.Is(err, zerrors.ErrNodeNotFound) {
			return nil
		}

		return err
	}

	c.noteUsers(tx, plain)

	byName, err := tx.NodeByCloudName(c.p.UserID, c.p.TreeID, parent.DirPrefix, it.BaseName)
	if err != nil {
		return err
	}

	n, err := tx.NodeByCloudID(c.p.UserID, plain.CloudID)
	if err != nil {
		return err
	}

	if n == nil && byName != nil && byName.CloudID == "" && byName.ProvisionalCloudID == plain.CloudID {
		c.log.Info("adopting own upload", slog.String("node_id", byName.ID))
		n = byName
	}

	if plain.Meta.Type == string(state.NodeFile) && it.Data == nil {
		dirty := false

		if n != nil {
			if dirty, err = tx.HasOpsForNode(n.LocalUserID, n.TreeID, n.ID); err != nil {
				return err
			}
		}

		if !dirty {
			if n != nil {
				c.ps.MarkProcessed(n.ID)
			}

			return c.orphan(tx, info, plain.CloudID)
		}
	}

	if n != nil {
		if !c.ps.MarkProcessed(n.ID) {
			return nil
		}

		return c.update(tx, n, parent, it, plain, info)
	}

	if byName != nil {
		if err := c.resolveConflict(tx, byName, plain, info); err != nil {
			return err
		}
	}

	return c.insert(tx, parent, it, plain, info)
}

// noteUsers collects the users a record names that are not known locally.
func (c *cycle) noteUsers(tx *state.Tx, plain *rcrd.Plain) {
	ids := make([]string, 0, len(plain.ShareList)+1)
	if plain.Sender != "" {
		ids = append(ids, plain.Sender)
	}

	for k := range plain.ShareList {
		if id, ok := sharelist.UserID(k); ok {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		if u, err := tx.User(id); err == nil && u == nil {
			c.ps.AddUnknownUser(id)
		}
	}
}

func (c *cycle) update(tx *state.Tx, n, parent *state.Node, it *Item, plain *rcrd.Plain, info cloud.ObjectInfo) error {
	ops, err := tx.OpsForNode(n.LocalUserID, n.TreeID, n.ID)
	if err != nil {
		return err
	}

	if len(ops) > 0 {
		return c.merge(tx, n, parent, ops, it, plain, info)
	}

	oldParentID, oldName := n.ParentID, n.Name
	moved := oldParentID != parent.ID || oldName != plain.Meta.Filename

	if moved {
		if err := c.clearName(tx, n, parent, plain, info); err != nil {
			return err
		}
	}

	var change delegate.Change
	if n.ETagRcrd != info.ETag {
		change |= delegate.ChangeRecord
	}

	n.CloudID = plain.CloudID
	n.ParentID = parent.ID
	n.Name = plain.Meta.Filename
	n.ShareList = plain.ShareList
	n.EncryptionKey = plain.NodeKey
	n.SenderID = plain.Sender
	n.ETagRcrd = info.ETag
	n.LastModifiedRcrd = info.LastModified

	if !n.IsLeaf() && plain.DirPrefix != "" {
		n.DirPrefix = plain.DirPrefix
		n.DirSalt = plain.Meta.DirSalt
	}

	if it.Data != nil && it.Data.ETag != n.ETagData {
		n.ETagData = it.Data.ETag
		n.LastModifiedData = it.Data.LastModified
		change |= delegate.ChangeData
	}

	if err := tx.PutNode(n); err != nil {
		return err
	}

	if moved {
		c.changed()
		c.res.Moved++
		c.Delegate.MovedNode(tx, n, oldParentID, oldName)
	}

	if change != 0 {
		c.changed()
		c.res.Modified++
		c.Delegate.ModifiedNode(tx, n, change)
	}

	if !n.IsLeaf() {
		c.ps.PushList(n, it.Depth+1)
	}

	return nil
}

// merge folds a remote record into a node with queued local changes. The
// share list is rebuilt from the cloud version plus every pending
// changeset. A remote move or rename is adopted and the queued puts follow
// it; when the node has a local move queued, that move wins and starts
// from where the record now lives. Parked operations become ready again
// against the new eTags.
func (c *cycle) merge(tx *state.Tx, n, parent *state.Node, ops []*state.Operation, it *Item, plain *rcrd.Plain, info cloud.ObjectInfo) error {
	q := c.Tree.Queue()

	pending, err := q.PendingChangesets(tx, n)
	if err != nil {
		return err
	}

	localMove := slices.ContainsFunc(ops, func(op *state.Operation) bool { return op.Type == state.OpMove })

	oldParentID, oldName := n.ParentID, n.Name
	moved := !localMove && (oldParentID != parent.ID || oldName != plain.Meta.Filename)

	if moved {
		if err := c.clearName(tx, n, parent, plain, info); err != nil {
			return err
		}

		n.ParentID = parent.ID
		n.Name = plain.Meta.Filename
	}

	n.ShareList = sharelist.Merge(plain.ShareList, pending...)
	n.CloudID = plain.CloudID
	n.ETagRcrd = info.ETag
	n.LastModifiedRcrd = info.LastModified

	dataChanged := false
	if it.Data != nil {
		dataChanged = c.adoptData(n, ops, it.Data)
	}

	if err := tx.PutNode(n); err != nil {
		return err
	}

	switch {
	case moved:
		if err := q.MigrateLocators(tx, n); err != nil {
			return err
		}

		c.changed()
		c.res.Moved++
		c.Delegate.MovedNode(tx, n, oldParentID, oldName)
	case localMove:
		src, err := cloudpath.Parse(info.Key)
		if err != nil {
			return err
		}

		loc := cloudpath.CloudLocator{Region: c.bucket.Region, Bucket: c.bucket.Name, Path: src}
		if err := q.RebaseSource(tx, n, loc); err != nil {
			return err
		}
	}

	if dataChanged {
		c.changed()
		c.res.Modified++
		c.Delegate.ModifiedNode(tx, n, delegate.ChangeData)
	}

	c.log.Debug("merged remote record into dirty node",
		slog.String("node_id", n.ID),
		slog.Int("pending", len(pending)),
		slog.Bool("moved", moved),
	)

	if !n.IsLeaf() {
		c.ps.PushList(n, it.Depth+1)
	}

	return q.ResetConflicts(tx, n)
}

// adoptData records the remote content eTag of a node with queued
// operations and reports whether the content change should be surfaced.
// A queued content upload is rebased instead: the local edit is written
// over the remote version with that version as its precondition.
func (c *cycle) adoptData(n *state.Node, ops []*state.Operation, data *cloud.ObjectInfo) bool {
	if data.ETag == n.ETagData {
		return false
	}

	n.ETagData = data.ETag
	n.LastModifiedData = data.LastModified

	if slices.ContainsFunc(ops, (*state.Operation).IsPutData) {
		c.log.Info("rebasing local content over remote edit", slog.String("node_id", n.ID), slog.String("etag", data.ETag))
		return false
	}

	return true
}

// clearName makes room for n under parent with the remote record's name.
// Another local node holding that name is treated like a node in the way
// of a remote create.
func (c *cycle) clearName(tx *state.Tx, n, parent *state.Node, plain *rcrd.Plain, info cloud.ObjectInfo) error {
	other, err := tx.ChildByName(parent.ID, plain.Meta.Filename)
	if err != nil || other == nil || other.ID == n.ID {
		return err
	}

	return c.resolveConflict(tx, other, plain, info)
}

func (c *cycle) insert(tx *state.Tx, parent *state.Node, it *Item, plain *rcrd.Plain, info cloud.ObjectInfo) error {
	typ := state.NodeType(plain.Meta.Type)
	if typ != state.NodeFile && typ != state.NodeDirectory {
		c.log.Warn("skipping record of unknown type", slog.String("key", info.Key), slog.String("type", plain.Meta.Type))
		return nil
	}

	n := &state.Node{
		ID:               uuid.NewString(),
		LocalUserID:      c.p.UserID,
		TreeID:           c.p.TreeID,
		ParentID:         parent.ID,
		Type:             typ,
		Name:             plain.Meta.Filename,
		EncryptionKey:    plain.NodeKey,
		ShareList:        plain.ShareList,
		CloudID:          plain.CloudID,
		SenderID:         plain.Sender,
		ETagRcrd:         info.ETag,
		LastModifiedRcrd: info.LastModified,
		LastModified:     info.LastModified,
	}

	if typ == state.NodeDirectory {
		n.DirPrefix = plain.DirPrefix
		n.DirSalt = plain.Meta.DirSalt
	}

	if it.Data != nil {
		n.ETagData = it.Data.ETag
		n.LastModifiedData = it.Data.LastModified
	}

	if err := tx.PutNode(n); err != nil {
		return err
	}

	c.ps.MarkProcessed(n.ID)
	c.changed()
	c.res.New++
	c.Delegate.NewNode(tx, n)

	if typ == state.NodeDirectory && n.DirPrefix != "" {
		c.ps.PushList(n, it.Depth+1)
	}

	return nil
}

// resolveConflict clears the path of a remote record that landed where a
// different local node lives. A clean uploaded node was replaced remotely
// and is removed. Otherwise the delegate is told, and unless it moved or
// deleted the node itself, the node is renamed.
func (c *cycle) resolveConflict(tx *state.Tx, local *state.Node, plain *rcrd.Plain, info cloud.ObjectInfo) error {
	if local.Uploaded() {
		dirty, err := c.subtreeDirty(tx, local.ID)
		if err != nil {
			return err
		}

		if !dirty {
			return c.remove(tx, local)
		}
	}

	c.res.Conflicts++
	c.Delegate.ConflictNode(tx, local, delegate.Conflict{
		RemoteCloudID: plain.CloudID,
		RemoteName:    plain.Meta.Filename,
		ETagRcrd:      info.ETag,
	})

	cur, err := tx.Node(local.ID)
	if errors.Is(err, zerrors.ErrNodeNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if cur.ParentID != local.ParentID || cloudpath.NormalizeName(cur.Name) != cloudpath.NormalizeName(plain.Meta.Filename) {
		return nil
	}

	name, err := uniqueName(tx, cur.ParentID, cur.Name)
	if err != nil {
		return err
	}

	c.log.Info("renaming conflicting local node", slog.String("node_id", cur.ID), slog.String("from", cur.Name), slog.String("to", name))

	moved, err := c.Tree.MoveNode(tx, cur.ID, cur.ParentID, name)
	if err != nil {
		return fmt.Errorf("renaming %s: %w", cur.ID, err)
	}

	return c.Tree.Queue().ResetConflicts(tx, moved)
}

// uniqueName returns "name (n).ext" for the smallest n >= 2 not taken
// under parentID.
func uniqueName(tx *state.Tx, parentID, name string) (string, error) {
	stem, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		stem, ext = name[:i], name[i:]
	}

	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)

		existing, err := tx.ChildByName(parentID, candidate)
		if err != nil {
			return "", err
		}

		if existing == nil {
			return candidate, nil
		}
	}
}
