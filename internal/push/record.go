package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

// loadNode reads a node outside any write transaction.
func (e *Engine) loadNode(id string) (*state.Node, error) {
	var n *state.Node

	err := e.DB.View(func(tx *state.Tx) error {
		var err error
		n, err = tx.Node(id)

		return err
	})

	return n, err
}

// publicKey returns the public key of userID, fetching and caching the
// profile of users not yet known.
func (e *Engine) publicKey(ctx context.Context, localUserID, userID string) (*[32]byte, error) {
	if userID == localUserID && e.Keys != nil {
		return &e.Keys.Public, nil
	}

	var u *state.User

	if err := e.DB.View(func(tx *state.Tx) error {
		var err error
		u, err = tx.User(userID)

		return err
	}); err != nil {
		return nil, err
	}

	if u == nil || u.PublicKey == "" {
		if e.Users == nil {
			return nil, fmt.Errorf("no public key for %s", userID)
		}

		p, err := e.Users.ResolveUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		u = &state.User{ID: p.ID, PublicKey: p.PublicKey, Region: p.Region, Bucket: p.Bucket, FetchedAt: e.now()}

		if err := e.DB.Update(func(tx *state.Tx) error {
			if cur, err := tx.User(userID); err == nil && cur != nil && cur.Local != nil {
				u.Local = cur.Local
			}

			return tx.PutUser(u)
		}); err != nil {
			return nil, err
		}
	}

	return zcrypto.ParsePublicKey(u.PublicKey)
}

// fillKeys returns a copy of n's share list with the node key wrapped for
// every principal explicitly granted read that has no key yet. Principals
// whose public key cannot be found are left without a key.
func (e *Engine) fillKeys(ctx context.Context, n *state.Node) (sharelist.ShareList, error) {
	shares := n.ShareList.Clone()

	for _, principal := range shares.MissingKeys() {
		uid, ok := sharelist.UserID(principal)
		if !ok {
			continue
		}

		pub, err := e.publicKey(ctx, n.LocalUserID, uid)
		if err != nil {
			if isNotFound(err) {
				e.logger.Warn("skipping key for unknown user", slog.String("user", uid), slog.String("node_id", n.ID))
				continue
			}

			return nil, fmt.Errorf("public key of %s: %w", uid, err)
		}

		wrapped, err := e.Crypto.WrapKey(n.EncryptionKey, pub)
		if err != nil {
			return nil, fmt.Errorf("wrapping key for %s: %w", uid, err)
		}

		if err := shares.SetKey(principal, wrapped); err != nil {
			return nil, err
		}
	}

	return shares, nil
}

// adoptKeys copies keys wrapped during upload into n's share list where n
// still grants read and holds no key.
func adoptKeys(n *state.Node, wrapped sharelist.ShareList) {
	for k, it := range wrapped {
		cur, ok := n.ShareList[k]
		if !ok || len(it.Key) == 0 || len(cur.Key) > 0 || !cur.Has(sharelist.PermRead) {
			continue
		}

		cur.Key = it.Key
		n.ShareList[k] = cur
	}
}

// recordCloudID is the cloudID a node's record carries.
func recordCloudID(n *state.Node) string {
	if n.CloudID != "" {
		return n.CloudID
	}

	return n.ProvisionalCloudID
}

// plainFor builds the cleartext record of n with the given share list.
func plainFor(n *state.Node, shares sharelist.ShareList) *rcrd.Plain {
	p := &rcrd.Plain{
		CloudID:   recordCloudID(n),
		Sender:    n.SenderID,
		ShareList: shares,
		NodeKey:   n.EncryptionKey,
		Meta: rcrd.Meta{
			Type:     string(n.Type),
			Filename: n.Name,
			OwnerID:  n.LocalUserID,
		},
	}

	if !n.IsLeaf() {
		p.DirPrefix = n.DirPrefix
		p.Meta.DirSalt = n.DirSalt
	}

	return p
}

// encodeRecord fills missing keys and encodes n's record.
func (e *Engine) encodeRecord(ctx context.Context, n *state.Node) ([]byte, *rcrd.Plain, error) {
	shares, err := e.fillKeys(ctx, n)
	if err != nil {
		return nil, nil, err
	}

	p := plainFor(n, shares)

	body, err := rcrd.Encode(e.Crypto, p)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding record: %w", err)
	}

	return body, p, nil
}

// ownsRecord reports whether the record at loc carries cloudID, meaning
// an earlier attempt of the same upload already landed.
func (e *Engine) ownsRecord(ctx context.Context, loc cloudpath.CloudLocator, cloudID string) (bool, cloud.ObjectInfo, error) {
	raw, info, err := e.Store.Get(ctx, cloud.BucketOf(loc), loc.Key())
	if err != nil {
		if isNotFound(err) {
			return false, cloud.ObjectInfo{}, nil
		}

		return false, cloud.ObjectInfo{}, err
	}

	r, err := rcrd.Parse(raw)
	if err != nil {
		return false, info, nil
	}

	return r.CloudID == cloudID, info, nil
}
