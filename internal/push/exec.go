package push

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// putOptions returns the precondition of a write over a fork whose last
// known eTag is etag.
func putOptions(etag string) cloud.PutOptions {
	if etag == "" {
		return cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny}
	}

	return cloud.PutOptions{IfMatch: etag}
}

// target loads the node a put writes and points op at the node's current
// path. A queued move owns the path change, so while one is pending the
// locator the put was queued with stands.
func (e *Engine) target(op *state.Operation) (*state.Node, error) {
	var n *state.Node

	err := e.DB.Update(func(tx *state.Tx) error {
		var err error
		if n, err = tx.Node(op.NodeID); err != nil {
			return err
		}

		ops, err := tx.OpsForNode(op.LocalUserID, op.TreeID, op.NodeID)
		if err != nil {
			return err
		}

		if slices.ContainsFunc(ops, func(o *state.Operation) bool { return o.Type == state.OpMove }) {
			return nil
		}

		loc, err := tx.CloudLocator(n, string(op.PutType))
		if err != nil || loc == op.CloudLocator {
			return err
		}

		cur, err := tx.Op(op.LocalUserID, op.TreeID, op.ID)
		if err != nil || cur == nil {
			return err
		}

		e.logger.Debug("put target moved", slog.String("op_id", op.ID), slog.String("from", op.CloudLocator.Key()), slog.String("to", loc.Key()))

		cur.CloudLocator = loc
		op.CloudLocator = loc

		return tx.PutOp(cur)
	})

	return n, err
}

func (e *Engine) putRcrd(ctx context.Context, op *state.Operation) error {
	n, err := e.target(op)
	if err != nil {
		if isNodeGone(err) {
			return e.drop(op, "node deleted")
		}

		return err
	}

	body, plain, err := e.encodeRecord(ctx, n)
	if err != nil {
		return err
	}

	info, err := e.Store.Put(ctx, cloud.BucketOf(op.CloudLocator), op.CloudLocator.Key(), body, putOptions(n.ETagRcrd))
	if zerrors.IsConflict(err) && n.ETagRcrd == "" {
		owned, remote, oerr := e.ownsRecord(ctx, op.CloudLocator, plain.CloudID)
		if oerr != nil {
			return oerr
		}

		if owned {
			e.logger.Info("record already uploaded", slog.String("node_id", n.ID))
			info, err = remote, nil
		}
	}

	if err != nil {
		return err
	}

	return e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Node(op.NodeID)
		if isNodeGone(err) {
			return e.handoff(tx, op, info, true)
		}

		if err != nil {
			return err
		}

		if cur.CloudID == "" {
			cur.CloudID = plain.CloudID
		}

		cur.ETagRcrd = info.ETag
		cur.LastModifiedRcrd = info.LastModified
		adoptKeys(cur, plain.ShareList)

		if err := tx.PutNode(cur); err != nil {
			return err
		}

		return tx.DeleteOp(op)
	})
}

// handoff completes an operation whose node was deleted while it ran: the
// queued delete of that node inherits the eTag just written, so its
// precondition matches.
func (e *Engine) handoff(tx *state.Tx, op *state.Operation, info cloud.ObjectInfo, rcrdFork bool) error {
	ops, err := tx.Ops(op.LocalUserID, op.TreeID)
	if err != nil {
		return err
	}

	for _, dep := range ops {
		if dep.CloudNodeID == "" || !slices.Contains(dep.Dependencies, op.ID) {
			continue
		}

		cn, err := tx.CloudNode(dep.CloudNodeID)
		if err != nil {
			return err
		}

		if rcrdFork {
			if dep.CloudLocator.EqualIgnoringExt(op.CloudLocator) {
				dep.ETag = info.ETag
			}

			if cn != nil {
				cn.ETagRcrd = info.ETag
			}
		} else if cn != nil {
			cn.ETagData = info.ETag
		}

		if cn != nil {
			if err := tx.PutCloudNode(cn); err != nil {
				return err
			}
		}

		if err := tx.PutOp(dep); err != nil {
			return err
		}
	}

	return tx.DeleteOp(op)
}

func (e *Engine) putData(ctx context.Context, op *state.Operation) error {
	n, err := e.target(op)
	if err != nil {
		if isNodeGone(err) {
			return e.drop(op, "node deleted")
		}

		return err
	}

	fork, err := e.Delegate.NodeData(ctx, n)
	if err != nil {
		return fmt.Errorf("reading content of %s: %w", n.ID, err)
	}

	body, err := rcrd.EncodeData(e.Crypto, n.EncryptionKey, *fork)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}

	var info cloud.ObjectInfo

	if int64(len(body)) > e.cfg.MultipartThreshold && e.Completer != nil {
		info, err = e.multipart(ctx, op, body, putOptions(n.ETagData))
	} else {
		info, err = e.Store.Put(ctx, cloud.BucketOf(op.CloudLocator), op.CloudLocator.Key(), body, putOptions(n.ETagData))
	}

	if err != nil {
		return err
	}

	return e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Node(op.NodeID)
		if isNodeGone(err) {
			return e.handoff(tx, op, info, false)
		}

		if err != nil {
			return err
		}

		cur.ETagData = info.ETag
		cur.LastModifiedData = info.LastModified

		if err := tx.PutNode(cur); err != nil {
			return err
		}

		if err := tx.DeleteOp(op); err != nil {
			return err
		}

		e.Delegate.PushedNodeData(tx, cur)

		return nil
	})
}

// move writes the node's record at its new path, copies the content fork
// server-side and removes the old forks. Each step tolerates having
// already happened in an earlier attempt.
func (e *Engine) move(ctx context.Context, op *state.Operation) error {
	n, err := e.loadNode(op.NodeID)
	if err != nil {
		if isNodeGone(err) {
			return e.drop(op, "node deleted")
		}

		return err
	}

	src, dst := op.CloudLocator, op.DstCloudLocator
	srcB, dstB := cloud.BucketOf(src), cloud.BucketOf(dst)

	body, plain, err := e.encodeRecord(ctx, n)
	if err != nil {
		return err
	}

	info, err := e.Store.Put(ctx, dstB, dst.Key(), body, cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny})
	if zerrors.IsConflict(err) {
		owned, remote, oerr := e.ownsRecord(ctx, dst, plain.CloudID)
		if oerr != nil {
			return oerr
		}

		if owned {
			info, err = remote, nil
		}
	}

	if err != nil {
		return err
	}

	var dataInfo cloud.ObjectInfo

	if n.IsLeaf() && n.ETagData != "" {
		srcData, dstData := src.WithExt(cloudpath.ExtData).Key(), dst.WithExt(cloudpath.ExtData).Key()

		dataInfo, err = e.Store.Copy(ctx, srcB, srcData, dstB, dstData, cloud.CopyOptions{SourceIfMatch: n.ETagData})
		if isNotFound(err) {
			dataInfo, err = e.Store.Head(ctx, dstB, dstData)
		}

		if err != nil {
			return fmt.Errorf("copying content: %w", err)
		}
	}

	// A source replaced by another writer is no longer ours to remove.
	old := map[string]string{
		src.Key():                             n.ETagRcrd,
		src.WithExt(cloudpath.ExtData).Key(): n.ETagData,
	}

	for key, etag := range old {
		err := e.Store.Delete(ctx, srcB, key, etag)
		if err != nil && !isNotFound(err) && !zerrors.IsConflict(err) {
			return fmt.Errorf("removing old fork: %w", err)
		}
	}

	return e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Node(op.NodeID)
		if isNodeGone(err) {
			return tx.DeleteOp(op)
		}

		if err != nil {
			return err
		}

		cur.ETagRcrd = info.ETag
		cur.LastModifiedRcrd = info.LastModified

		if dataInfo.ETag != "" {
			cur.ETagData = dataInfo.ETag
			cur.LastModifiedData = dataInfo.LastModified
		}

		adoptKeys(cur, plain.ShareList)

		if err := tx.PutNode(cur); err != nil {
			return err
		}

		return tx.DeleteOp(op)
	})
}

// finishDelete removes the cloud node and operation of a completed delete.
func (e *Engine) finishDelete(op *state.Operation) error {
	return e.DB.Update(func(tx *state.Tx) error {
		if err := tx.DeleteCloudNode(op.CloudNodeID); err != nil {
			return err
		}

		return tx.DeleteOp(op)
	})
}

func (e *Engine) deleteLeaf(ctx context.Context, op *state.Operation) error {
	b := cloud.BucketOf(op.CloudLocator)
	dataKey := op.CloudLocator.WithExt(cloudpath.ExtData).Key()

	if op.IfOrphan {
		_, err := e.Store.Head(ctx, b, dataKey)
		if err == nil {
			e.logger.Info("keeping record", slog.String("reason", (&zerrors.OrphanError{Key: op.CloudLocator.Key()}).Error()))

			return e.finishDelete(op)
		}

		if !isNotFound(err) {
			return err
		}
	}

	if err := e.Store.Delete(ctx, b, op.CloudLocator.Key(), op.ETag); err != nil && !isNotFound(err) {
		return err
	}

	if !op.IfOrphan {
		if err := e.Store.Delete(ctx, b, dataKey, ""); err != nil && !isNotFound(err) {
			return err
		}
	}

	return e.finishDelete(op)
}

func (e *Engine) deleteNode(ctx context.Context, op *state.Operation) error {
	b := cloud.BucketOf(op.CloudLocator)
	known := make(map[string]bool, len(op.Manifest))

	var keys []string

	for _, m := range op.Manifest {
		known[m.Key] = true

		if !op.Options.Has(state.DeleteOutdatedNodes) && m.ETag != "" {
			info, err := e.Store.Head(ctx, b, m.Key)
			if isNotFound(err) {
				continue
			}

			if err != nil {
				return err
			}

			if info.ETag != m.ETag {
				e.logger.Info("keeping descendant modified since delete", slog.String("key", m.Key))
				continue
			}
		}

		keys = append(keys, m.Key)
	}

	if op.Options.Has(state.DeleteUnknownNodes) {
		unknown, err := e.unknownKeys(ctx, op, known)
		if err != nil {
			return err
		}

		keys = append(keys, unknown...)
	}

	if len(keys) > 0 {
		if err := e.Store.DeleteMany(ctx, b, keys); err != nil {
			return fmt.Errorf("deleting %d descendants: %w", len(keys), err)
		}
	}

	if err := e.Store.Delete(ctx, b, op.CloudLocator.Key(), op.ETag); err != nil && !isNotFound(err) {
		return err
	}

	return e.finishDelete(op)
}

// unknownKeys lists the directories a delete-node covers and returns the
// keys its manifest does not name.
func (e *Engine) unknownKeys(ctx context.Context, op *state.Operation, known map[string]bool) ([]string, error) {
	dirs := make(map[string]bool)

	var cn *state.CloudNode

	if err := e.DB.View(func(tx *state.Tx) error {
		var err error
		cn, err = tx.CloudNode(op.CloudNodeID)

		return err
	}); err != nil {
		return nil, err
	}

	if cn != nil && cn.DirPrefix != "" {
		dirs[cloudpath.DirPath(op.TreeID, cn.DirPrefix)] = true
	}

	for _, m := range op.Manifest {
		if p, err := cloudpath.Parse(m.Key); err == nil {
			dirs[p.DirPath()] = true
		}
	}

	b := cloud.BucketOf(op.CloudLocator)

	var out []string

	for dir := range dirs {
		token := ""

		for {
			page, err := e.Store.List(ctx, b, dir, token)
			if err != nil {
				return nil, fmt.Errorf("listing %s: %w", dir, err)
			}

			for _, o := range page.Objects {
				if !known[o.Key] {
					known[o.Key] = true
					out = append(out, o.Key)
				}
			}

			if page.NextToken == "" {
				break
			}

			token = page.NextToken
		}
	}

	return out, nil
}

// copyLeaf sends a file to a recipient's inbox: a record wrapped for the
// recipient at the destination, then a server-side copy of the content.
func (e *Engine) copyLeaf(ctx context.Context, op *state.Operation) error {
	n, err := e.loadNode(op.NodeID)
	if err != nil {
		if isNodeGone(err) {
			return e.drop(op, "node deleted")
		}

		return err
	}

	pub, err := e.publicKey(ctx, op.LocalUserID, op.RecipientID)
	if err != nil {
		if isNotFound(err) {
			return zerrors.Structural(fmt.Errorf("%w: %s", zerrors.ErrReceiverNotFound, op.RecipientID))
		}

		return err
	}

	wrapped, err := e.Crypto.WrapKey(n.EncryptionKey, pub)
	if err != nil {
		return fmt.Errorf("wrapping key for recipient: %w", err)
	}

	recipient := sharelist.UserKey(op.RecipientID)
	shares := sharelist.ShareList{recipient: {Perms: "rws", Key: wrapped, CanAddKey: true}}

	body, err := rcrd.Encode(e.Crypto, &rcrd.Plain{
		CloudID:   op.MessageID,
		Sender:    op.LocalUserID,
		ShareList: shares,
		NodeKey:   n.EncryptionKey,
		Meta:      rcrd.Meta{Type: string(state.NodeFile), Filename: n.Name, OwnerID: op.RecipientID},
	})
	if err != nil {
		return fmt.Errorf("encoding message record: %w", err)
	}

	dst := op.DstCloudLocator
	dstB := cloud.BucketOf(dst)

	_, err = e.Store.Put(ctx, dstB, dst.Key(), body, cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny})
	if zerrors.IsConflict(err) {
		owned, _, oerr := e.ownsRecord(ctx, dst, op.MessageID)
		if oerr != nil {
			return oerr
		}

		if !owned {
			return e.redirectMessage(ctx, op)
		}

		err = nil
	}

	if err != nil {
		return err
	}

	_, err = e.Store.Copy(ctx, cloud.BucketOf(op.CloudLocator), op.CloudLocator.Key(),
		dstB, dst.WithExt(cloudpath.ExtData).Key(), cloud.CopyOptions{SourceIfMatch: n.ETagData})
	if err != nil {
		return fmt.Errorf("copying content to inbox: %w", err)
	}

	return e.DB.Update(func(tx *state.Tx) error {
		if err := tx.DeleteOp(op); err != nil {
			return err
		}

		e.Delegate.SentMessage(tx, op)

		return nil
	})
}

// redirectMessage moves a message whose inbox name is taken to a name
// derived from its message ID, and retries it.
func (e *Engine) redirectMessage(ctx context.Context, op *state.Operation) error {
	salt, err := cloudpath.InboxDirSalt(op.RecipientID, op.TreeID)
	if err != nil {
		return err
	}

	p, err := cloudpath.Derive(op.TreeID, cloudpath.TrunkInbox.DirPrefix(), salt, op.MessageID, cloudpath.ExtRcrd)
	if err != nil {
		return err
	}

	if p == op.DstCloudLocator.Path {
		return &zerrors.ConflictError{Key: p.Path(), Err: zerrors.ErrPreconditionFailed}
	}

	if err := e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Op(op.LocalUserID, op.TreeID, op.ID)
		if err != nil || cur == nil {
			return err
		}

		cur.DstCloudLocator.Path = p

		return tx.PutOp(cur)
	}); err != nil {
		return err
	}

	op.DstCloudLocator.Path = p

	return e.copyLeaf(ctx, op)
}

// avatar swaps the user's avatar conditionally on the last known eTag. On
// a conflict the precondition is refreshed and the upload retried after
// backoff, so the latest local avatar wins.
func (e *Engine) avatar(ctx context.Context, op *state.Operation) error {
	b := cloud.BucketOf(op.CloudLocator)
	key := op.CloudLocator.Key()

	var (
		etag string
		err  error
	)

	if len(op.Payload) == 0 {
		err = e.Store.Delete(ctx, b, key, op.ETag)
		if isNotFound(err) {
			err = nil
		}
	} else {
		var info cloud.ObjectInfo
		info, err = e.Store.Put(ctx, b, key, op.Payload, putOptions(op.ETag))
		etag = info.ETag
	}

	if zerrors.IsConflict(err) {
		return e.refreshAvatarETag(ctx, op, err)
	}

	if err != nil {
		return err
	}

	return e.DB.Update(func(tx *state.Tx) error {
		u, err := tx.User(op.LocalUserID)
		if err != nil {
			return err
		}

		if u != nil && u.Local != nil {
			u.Local.AvatarETag = etag
			if err := tx.PutUser(u); err != nil {
				return err
			}
		}

		ops, err := tx.Ops(op.LocalUserID, op.TreeID)
		if err != nil {
			return err
		}

		for _, later := range ops {
			if later.Type == state.OpAvatar && later.ID != op.ID {
				later.ETag = etag
				if err := tx.PutOp(later); err != nil {
					return err
				}
			}
		}

		return tx.DeleteOp(op)
	})
}

func (e *Engine) refreshAvatarETag(ctx context.Context, op *state.Operation, cause error) error {
	info, err := e.Store.Head(ctx, cloud.BucketOf(op.CloudLocator), op.CloudLocator.Key())
	if err != nil && !isNotFound(err) {
		return err
	}

	if err := e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Op(op.LocalUserID, op.TreeID, op.ID)
		if err != nil || cur == nil {
			return err
		}

		cur.ETag = info.ETag

		return tx.PutOp(cur)
	}); err != nil {
		return err
	}

	return &zerrors.TransientError{Layer: zerrors.LayerApp, Err: fmt.Errorf("avatar changed remotely: %w", cause)}
}
