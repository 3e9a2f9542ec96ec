package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// sweep removes the uploaded nodes the traversal did not find. A node
// whose subtree still has queued operations is kept and reported to the
// delegate instead; its clean descendants are still removed.
func (c *cycle) sweep() error {
	unprocessed := c.ps.Unprocessed()
	if len(unprocessed) == 0 {
		return nil
	}

	return c.DB.Update(func(tx *state.Tx) error {
		dirty, err := c.Tree.Queue().DirtyNodeIDs(tx, c.p.UserID, c.p.TreeID)
		if err != nil {
			return err
		}

		type candidate struct {
			node  *state.Node
			depth int
		}

		var cands []candidate

		for id := range unprocessed {
			n, err := tx.Node(id)
			if errors.Is(err, zerrors.ErrNodeNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			if !n.Uploaded() {
				continue
			}

			depth, err := tx.Depth(id)
			if err != nil {
				return err
			}

			cands = append(cands, candidate{node: n, depth: depth})
		}

		slices.SortFunc(cands, func(a, b candidate) int { return a.depth - b.depth })

		for _, cand := range cands {
			n := cand.node
			if !tx.HasNode(n.ID) {
				continue
			}

			keep := dirty[n.ID]

			if !keep {
				desc, err := tx.Descendants(n.ID)
				if err != nil {
					return err
				}

				keep = slices.ContainsFunc(desc, func(d *state.Node) bool { return dirty[d.ID] })
			}

			if keep {
				c.log.Info("remote delete deferred, local changes pending", slog.String("node_id", n.ID), slog.String("name", n.Name))
				c.res.DeferredDirty++
				c.Delegate.DeletedDirtyNode(tx, n)

				continue
			}

			if err := c.remove(tx, n); err != nil {
				return err
			}
		}

		return nil
	})
}

// releaseConflicts returns parked puts to pending when the listing of
// their directory shows the target key free again. The node's eTag for
// that fork is cleared so the retry creates the object.
func (c *cycle) releaseConflicts() error {
	return c.DB.Update(func(tx *state.Tx) error {
		ops, err := tx.Ops(c.p.UserID, c.p.TreeID)
		if err != nil {
			return err
		}

		for _, op := range ops {
			if op.Type != state.OpPut || op.Status != state.StatusConflict {
				continue
			}

			if op.CloudLocator.Bucket != c.bucket.Name {
				continue
			}

			listed, present := c.ps.Listed(op.CloudLocator.Path.DirPath(), op.CloudLocator.Key())
			if !listed || present {
				continue
			}

			n, err := tx.Node(op.NodeID)
			if errors.Is(err, zerrors.ErrNodeNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			if op.IsPutData() {
				n.ETagData = ""
			} else {
				n.ETagRcrd = ""
			}

			if err := tx.PutNode(n); err != nil {
				return err
			}

			op.Status = state.StatusPending
			op.NextAttempt = time.Time{}

			if err := tx.PutOp(op); err != nil {
				return err
			}

			c.log.Info("released parked put, key is free",
				slog.String("node_id", n.ID),
				slog.String("key", op.CloudLocator.Key()),
			)
		}

		return nil
	})
}

// remove deletes n and its subtree locally, deepest first.
func (c *cycle) remove(tx *state.Tx, n *state.Node) error {
	desc, err := tx.Descendants(n.ID)
	if err != nil {
		return err
	}

	for i := len(desc) - 1; i >= 0; i-- {
		if err := tx.DeleteNode(desc[i].ID); err != nil {
			return err
		}

		c.Delegate.DeletedNode(tx, desc[i])
	}

	if err := tx.DeleteNode(n.ID); err != nil {
		return err
	}

	c.changed()
	c.res.Deleted++
	c.Delegate.DeletedNode(tx, n)

	return nil
}

// subtreeDirty reports whether id or any descendant has queued operations.
func (c *cycle) subtreeDirty(tx *state.Tx, id string) (bool, error) {
	dirty, err := c.Tree.Queue().DirtyNodeIDs(tx, c.p.UserID, c.p.TreeID)
	if err != nil {
		return false, err
	}

	if dirty[id] {
		return true, nil
	}

	desc, err := tx.Descendants(id)
	if err != nil {
		return false, err
	}

	return slices.ContainsFunc(desc, func(d *state.Node) bool { return dirty[d.ID] }), nil
}

// orphan handles a file record without a content fork. Past the grace
// period a conditional delete is queued; a content fork that shows up
// before it runs makes the delete a no-op.
func (c *cycle) orphan(tx *state.Tx, info cloud.ObjectInfo, cloudID string) error {
	if c.now().Sub(info.LastModified) < c.cfg.OrphanGrace {
		return nil
	}

	path, err := cloudpath.Parse(info.Key)
	if err != nil {
		return err
	}

	existing, err := tx.CloudNodeByName(c.p.UserID, path.BaseName())
	if err != nil || existing != nil {
		return err
	}

	loc := cloudpath.CloudLocator{Region: c.bucket.Region, Bucket: c.bucket.Name, Path: path}

	cn := &state.CloudNode{
		ID:                  uuid.NewString(),
		LocalUserID:         c.p.UserID,
		CloudID:             cloudID,
		CloudLocator:        loc,
		ETagRcrd:            info.ETag,
		IsQueuedForDeletion: true,
		DiscoveredAt:        c.now(),
	}

	if err := tx.PutCloudNode(cn); err != nil {
		return err
	}

	c.res.Orphans++
	c.log.Info("queueing orphan delete", slog.String("key", info.Key))

	return tx.AddOp(&state.Operation{
		LocalUserID:  c.p.UserID,
		TreeID:       c.p.TreeID,
		Type:         state.OpDeleteLeaf,
		CloudNodeID:  cn.ID,
		CloudLocator: loc,
		ETag:         info.ETag,
		IfOrphan:     true,
	})
}

// avatars reconciles the local user's avatar eTag with the listing, unless
// an avatar upload is still queued.
func (c *cycle) avatars() error {
	p, err := cloudpath.AvatarPath(c.Keys.Private[:], c.p.UserID, c.p.TreeID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	info, found := c.found[p.BaseName()]
	c.mu.Unlock()

	missing := slices.Contains(c.ps.UnprocessedAvatars(), p.BaseName())

	return c.DB.Update(func(tx *state.Tx) error {
		u, err := tx.User(c.p.UserID)
		if err != nil || u == nil || u.Local == nil {
			return err
		}

		ops, err := tx.Ops(c.p.UserID, c.p.TreeID)
		if err != nil {
			return err
		}

		if slices.ContainsFunc(ops, func(op *state.Operation) bool { return op.Type == state.OpAvatar }) {
			return nil
		}

		switch {
		case found && info.ETag != u.Local.AvatarETag:
			u.Local.AvatarETag = info.ETag
		case missing:
			u.Local.AvatarETag = ""
		default:
			return nil
		}

		c.log.Info("avatar changed remotely", slog.Bool("removed", missing))

		return tx.PutUser(u)
	})
}

// resolveUsers fetches the profiles of users first seen in this cycle.
func (c *cycle) resolveUsers(ctx context.Context) error {
	ids := c.ps.UnknownUsers()
	if len(ids) == 0 || c.Users == nil {
		return nil
	}

	slices.Sort(ids)

	for _, id := range ids {
		p, err := c.Users.ResolveUser(ctx, id)
		if err != nil {
			if errors.Is(err, zerrors.ErrObjectNotFound) {
				c.log.Warn("unknown user not found", slog.String("user_id", id))
				continue
			}

			return fmt.Errorf("resolving user %s: %w", id, err)
		}

		if err := c.DB.Update(func(tx *state.Tx) error {
			u := &state.User{ID: p.ID, PublicKey: p.PublicKey, Region: p.Region, Bucket: p.Bucket, FetchedAt: c.now()}

			if cur, err := tx.User(id); err == nil && cur != nil {
				u.Local = cur.Local
			}

			return tx.PutUser(u)
		}); err != nil {
			return err
		}
	}

	return nil
}
