// Package delegate is the application callback surface of the sync engine.
// Every hook is optional; a nil hook selects the default behaviour noted on
// the field. Hooks that receive a *state.Tx run inside the write
// transaction that performed the state change and may mutate the tree
// through it.
package delegate

import (
	"context"

	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// Change describes what a pull found different about a known node.
type Change int

const (
	// ChangeRecord means the record (metadata or share list) changed.
	ChangeRecord Change = 1 << iota
	// ChangeData means the DATA fork changed.
	ChangeData
)

func (c Change) String() string {
	switch c {
	case ChangeRecord:
		return "record"
	case ChangeData:
		return "data"
	case ChangeRecord | ChangeData:
		return "record+data"
	}

	return "none"
}

// Conflict describes a cloud object found at the path of a different,
// not yet confirmed local node.
type Conflict struct {
	RemoteCloudID string
	RemoteName    string
	ETagRcrd      string
}

// Delegate is a set of independently optional hooks.
type Delegate struct {
	// DataForNode supplies the content of a file about to be uploaded.
	// It runs outside any transaction. Nil uploads an empty container.
	DataForNode func(ctx context.Context, n *state.Node) (*rcrd.DataFork, error)

	// DidPushNodeData runs after a content upload is confirmed.
	DidPushNodeData func(tx *state.Tx, n *state.Node)

	// DidSendMessage runs after a copy to a recipient's inbox completes.
	DidSendMessage func(tx *state.Tx, op *state.Operation)

	DidDiscoverNewNode      func(tx *state.Tx, n *state.Node)
	DidDiscoverModifiedNode func(tx *state.Tx, n *state.Node, c Change)
	DidDiscoverMovedNode    func(tx *state.Tx, n *state.Node, oldParentID, oldName string)
	DidDiscoverDeletedNode  func(tx *state.Tx, n *state.Node)

	// DidDiscoverDeletedDirtyNode runs for a node deleted in the cloud
	// while it still has queued operations. The node is kept.
	DidDiscoverDeletedDirtyNode func(tx *state.Tx, n *state.Node)

	// DidDiscoverConflictNode runs when a cloud object occupies the path
	// of local node n. If n still holds the path afterwards it is renamed
	// to "name (2).ext" (or the next free number).
	DidDiscoverConflictNode func(tx *state.Tx, n *state.Node, c Conflict)

	// PreferredNodeIDs names nodes whose records a pull should fetch
	// first, such as the directory on screen.
	PreferredNodeIDs func() []string
}

// NodeData returns the content to upload for n.
func (d *Delegate) NodeData(ctx context.Context, n *state.Node) (*rcrd.DataFork, error) {
	if d == nil || d.DataForNode == nil {
		return &rcrd.DataFork{Content: []byte{}}, nil
	}

	return d.DataForNode(ctx, n)
}

func (d *Delegate) PushedNodeData(tx *state.Tx, n *state.Node) {
	if d != nil && d.DidPushNodeData != nil {
		d.DidPushNodeData(tx, n)
	}
}

func (d *Delegate) SentMessage(tx *state.Tx, op *state.Operation) {
	if d != nil && d.DidSendMessage != nil {
		d.DidSendMessage(tx, op)
	}
}

func (d *Delegate) NewNode(tx *state.Tx, n *state.Node) {
	if d != nil && d.DidDiscoverNewNode != nil {
		d.DidDiscoverNewNode(tx, n)
	}
}

func (d *Delegate) ModifiedNode(tx *state.Tx, n *state.Node, c Change) {
	if d != nil && d.DidDiscoverModifiedNode != nil {
		d.DidDiscoverModifiedNode(tx, n, c)
	}
}

func (d *Delegate) MovedNode(tx *state.Tx, n *state.Node, oldParentID, oldName string) {
	if d != nil && d.DidDiscoverMovedNode != nil {
		d.DidDiscoverMovedNode(tx, n, oldParentID, oldName)
	}
}

func (d *Delegate) DeletedNode(tx *state.Tx, n *state.Node) {
	if d != nil && d.DidDiscoverDeletedNode != nil {
		d.DidDiscoverDeletedNode(tx, n)
	}
}

func (d *Delegate) DeletedDirtyNode(tx *state.Tx, n *state.Node) {
	if d != nil && d.DidDiscoverDeletedDirtyNode != nil {
		d.DidDiscoverDeletedDirtyNode(tx, n)
	}
}

func (d *Delegate) ConflictNode(tx *state.Tx, n *state.Node, c Conflict) {
	if d != nil && d.DidDiscoverConflictNode != nil {
		d.DidDiscoverConflictNode(tx, n, c)
	}
}

// Preferred returns the preferred node IDs as a set.
func (d *Delegate) Preferred() map[string]bool {
	if d == nil || d.PreferredNodeIDs == nil {
		return nil
	}

	ids := d.PreferredNodeIDs()
	out := make(map[string]bool, len(ids))

	for _, id := range ids {
		out[id] = true
	}

	return out
}

// Multi fans every hook out to each delegate in order. DataForNode and
// PreferredNodeIDs use the first delegate that sets them.
func Multi(ds ...*Delegate) *Delegate {
	m := &Delegate{
		DidPushNodeData: func(tx *state.Tx, n *state.Node) {
			for _, d := range ds {
				d.PushedNodeData(tx, n)
			}
		},
		DidSendMessage: func(tx *state.Tx, op *state.Operation) {
			for _, d := range ds {
				d.SentMessage(tx, op)
			}
		},
		DidDiscoverNewNode: func(tx *state.Tx, n *state.Node) {
			for _, d := range ds {
				d.NewNode(tx, n)
			}
		},
		DidDiscoverModifiedNode: func(tx *state.Tx, n *state.Node, c Change) {
			for _, d := range ds {
				d.ModifiedNode(tx, n, c)
			}
		},
		DidDiscoverMovedNode: func(tx *state.Tx, n *state.Node, oldParentID, oldName string) {
			for _, d := range ds {
				d.MovedNode(tx, n, oldParentID, oldName)
			}
		},
		DidDiscoverDeletedNode: func(tx *state.Tx, n *state.Node) {
			for _, d := range ds {
				d.DeletedNode(tx, n)
			}
		},
		DidDiscoverDeletedDirtyNode: func(tx *state.Tx, n *state.Node) {
			for _, d := range ds {
				d.DeletedDirtyNode(tx, n)
			}
		},
		DidDiscoverConflictNode: func(tx *state.Tx, n *state.Node, c Conflict) {
			for _, d := range ds {
				d.ConflictNode(tx, n, c)
			}
		},
	}

	for _, d := range ds {
		if d != nil && d.DataForNode != nil && m.DataForNode == nil {
			m.DataForNode = d.DataForNode
		}

		if d != nil && d.PreferredNodeIDs != nil && m.PreferredNodeIDs == nil {
			m.PreferredNodeIDs = d.PreferredNodeIDs
		}
	}

	return m
}
