package tree

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// DeleteNode removes a node and everything below it. A node that never
// reached the cloud is dropped locally along with its queued uploads.
// Otherwise a delete-leaf (files) or delete-node (directories) operation is
// queued against a cloud node record that keeps the last known eTags.
//
// Descendants with queued operations block the delete unless opts carries
// AllowPendingDescendants, in which case their unstarted operations are
// discarded.
func (t *Tree) DeleteNode(tx *state.Tx, id string, opts state.DeleteNodeOptions) (*state.Operation, error) {
	n, err := tx.Node(id)
	if err != nil {
		return nil, zerrors.Structural(err)
	}

	if n.IsTrunk() {
		return nil, zerrors.Structural(zerrors.ErrTrunkImmutable)
	}

	desc, err := tx.Descendants(n.ID)
	if err != nil {
		return nil, err
	}

	if !opts.Has(state.AllowPendingDescendants) {
		dirty, err := t.queue.DirtyNodeIDs(tx, n.LocalUserID, n.TreeID)
		if err != nil {
			return nil, err
		}

		count := 0

		for _, d := range desc {
			if dirty[d.ID] {
				count++
			}
		}

		if count > 0 {
			return nil, zerrors.Structural(fmt.Errorf("%w: %d below %s", zerrors.ErrDirtyDescendants, count, n.Name))
		}
	}

	loc, err := tx.CloudLocator(n, cloudpath.ExtRcrd)
	if err != nil {
		return nil, err
	}

	var (
		deps     []string
		manifest []state.ManifestEntry
	)

	// Deepest first, so children never outlive their parent's index entry.
	for i := len(desc) - 1; i >= 0; i-- {
		d := desc[i]

		inFlight, err := t.queue.RemoveNodeOps(tx, d.LocalUserID, d.TreeID, d.ID)
		if err != nil {
			return nil, err
		}

		for _, op := range inFlight {
			deps = append(deps, op.ID)
		}

		entries, err := manifestEntries(tx, d)
		if err != nil {
			return nil, err
		}

		manifest = append(manifest, entries...)

		if err := tx.DeleteNode(d.ID); err != nil {
			return nil, err
		}
	}

	inFlight, err := t.queue.RemoveNodeOps(tx, n.LocalUserID, n.TreeID, n.ID)
	if err != nil {
		return nil, err
	}

	for _, op := range inFlight {
		deps = append(deps, op.ID)
	}

	if err := tx.DeleteNode(n.ID); err != nil {
		return nil, err
	}

	if !n.Uploaded() && len(deps) == 0 && len(manifest) == 0 {
		return nil, nil
	}

	cn := &state.CloudNode{
		ID:                  uuid.NewString(),
		LocalUserID:         n.LocalUserID,
		CloudID:             n.CloudID,
		CloudLocator:        loc,
		DirPrefix:           n.DirPrefix,
		ETagRcrd:            n.ETagRcrd,
		ETagData:            n.ETagData,
		IsQueuedForDeletion: true,
		DiscoveredAt:        t.now(),
	}

	if err := tx.PutCloudNode(cn); err != nil {
		return nil, err
	}

	op := &state.Operation{
		LocalUserID:  n.LocalUserID,
		TreeID:       n.TreeID,
		Type:         state.OpDeleteLeaf,
		CloudNodeID:  cn.ID,
		CloudLocator: loc,
		ETag:         n.ETagRcrd,
		Dependencies: deps,
	}

	if !n.IsLeaf() {
		op.Type = state.OpDeleteNode
		op.Options = opts &^ state.AllowPendingDescendants
		op.Manifest = manifest
	}

	if err := tx.AddOp(op); err != nil {
		return nil, err
	}

	return op, nil
}

// manifestEntries lists the uploaded forks of d with their eTags.
func manifestEntries(tx *state.Tx, d *state.Node) ([]state.ManifestEntry, error) {
	if !d.Uploaded() {
		return nil, nil
	}

	loc, err := tx.CloudLocator(d, cloudpath.ExtRcrd)
	if err != nil {
		return nil, err
	}

	out := []state.ManifestEntry{{Key: loc.Key(), ETag: d.ETagRcrd}}

	if d.IsLeaf() && d.ETagData != "" {
		out = append(out, state.ManifestEntry{Key: loc.WithExt(cloudpath.ExtData).Key(), ETag: d.ETagData})
	}

	return out, nil
}

// CopyLeafToInbox queues a server-side copy of a file into recipientID's
// inbox trunk. The copy's record is re-wrapped for the recipient when the
// operation executes.
func (t *Tree) CopyLeafToInbox(tx *state.Tx, id, recipientID string) (*state.Operation, error) {
	n, err := tx.Node(id)
	if err != nil {
		return nil, zerrors.Structural(err)
	}

	if !n.IsLeaf() {
		return nil, zerrors.Invalid("node", "only files can be sent")
	}

	recipient, err := tx.User(recipientID)
	if err != nil {
		return nil, err
	}

	if recipient == nil || recipient.Bucket == "" {
		return nil, zerrors.Structural(fmt.Errorf("%w: %s", zerrors.ErrReceiverNotFound, recipientID))
	}

	messageID := uuid.NewString()

	salt, err := cloudpath.InboxDirSalt(recipientID, n.TreeID)
	if err != nil {
		return nil, err
	}

	dstPath, err := cloudpath.Derive(n.TreeID, cloudpath.TrunkInbox.DirPrefix(), salt, n.Name, cloudpath.ExtRcrd)
	if err != nil {
		return nil, err
	}

	src, err := tx.CloudLocator(n, cloudpath.ExtData)
	if err != nil {
		return nil, err
	}

	op := &state.Operation{
		LocalUserID:     n.LocalUserID,
		TreeID:          n.TreeID,
		Type:            state.OpCopyLeaf,
		NodeID:          n.ID,
		MessageID:       messageID,
		RecipientID:     recipientID,
		CloudLocator:    src,
		DstCloudLocator: cloudpath.CloudLocator{Region: recipient.Region, Bucket: recipient.Bucket, Path: dstPath},
	}

	if err := tx.AddOp(op); err != nil {
		return nil, err
	}

	return op, nil
}

// SetAvatar queues an upload of the user's avatar, or its removal when
// data is empty. A pending avatar upload is replaced in place.
func (t *Tree) SetAvatar(tx *state.Tx, userID, treeID string, data []byte) (*state.Operation, error) {
	u, err := tx.User(userID)
	if err != nil {
		return nil, err
	}

	if u == nil || u.Local == nil {
		return nil, zerrors.Invalid("user", "%s is not signed in on this device", userID)
	}

	if !t.queue.RecordEveryVersion() {
		ops, err := tx.Ops(userID, treeID)
		if err != nil {
			return nil, err
		}

		for i := len(ops) - 1; i >= 0; i-- {
			op := ops[i]
			if op.Type != state.OpAvatar {
				continue
			}

			if op.Status != state.StatusPending {
				break
			}

			op.Payload = data

			return op, tx.PutOp(op)
		}
	}

	path, err := cloudpath.AvatarPath(t.secret, userID, treeID)
	if err != nil {
		return nil, err
	}

	op := &state.Operation{
		LocalUserID:  userID,
		TreeID:       treeID,
		Type:         state.OpAvatar,
		CloudLocator: cloudpath.CloudLocator{Region: u.Region, Bucket: u.Bucket, Path: path},
		ETag:         u.Local.AvatarETag,
		Payload:      data,
	}

	if err := tx.AddOp(op); err != nil {
		return nil, err
	}

	return op, nil
}
