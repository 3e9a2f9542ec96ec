// Package queue holds the rules of the per-pipeline operation queue:
// coalescing of redundant uploads, rcrd-before-data and parent-before-child
// dependencies, locator migration for never-uploaded nodes, and the
// readiness order the push engine drains in. Every function runs inside a
// caller-supplied write transaction so that a tree mutation and its
// operations commit together.
package queue

import (
	"slices"
	"time"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// Options tunes queue behaviour.
type Options struct {
	// RecordEveryVersion disables coalescing so every queued put is
	// executed verbatim, for servers that log each version.
	RecordEveryVersion bool
}

// Queue applies the queue rules to a transaction.
type Queue struct {
	opts Options
	now  func() time.Time
}

// New returns a Queue with opts.
func New(opts Options) *Queue {
	return &Queue{opts: opts, now: time.Now}
}

// RecordEveryVersion reports whether coalescing is disabled.
func (q *Queue) RecordEveryVersion() bool { return q.opts.RecordEveryVersion }

// coalesceTarget returns the last pending put of putType for the node that
// is not followed by a move or delete, or nil.
func coalesceTarget(ops []*state.Operation, putType state.PutType) *state.Operation {
	var target *state.Operation

	for _, op := range ops {
		switch {
		case op.Type == state.OpPut && op.PutType == putType:
			if op.Status == state.StatusPending || op.Status == state.StatusConflict {
				target = op
			} else {
				target = nil
			}
		case op.Type == state.OpMove || op.Type == state.OpDeleteLeaf || op.Type == state.OpDeleteNode:
			target = nil
		}
	}

	return target
}

// EnqueuePutRcrd queues an upload of node's record. Share list edits in cs
// are carried so they can be replayed onto a concurrently changed cloud
// record. A pending record upload for the same node absorbs the request
// unless every version must be recorded.
func (q *Queue) EnqueuePutRcrd(tx *state.Tx, node *state.Node, cs sharelist.Changeset) (*state.Operation, error) {
	ops, err := tx.OpsForNode(node.LocalUserID, node.TreeID, node.ID)
	if err != nil {
		return nil, err
	}

	if !q.opts.RecordEveryVersion {
		if target := coalesceTarget(ops, state.PutRcrd); target != nil {
			if len(cs) > 0 {
				target.Changeset = sharelist.Combine(target.Changeset, cs)
			}

			return target, tx.PutOp(target)
		}
	}

	loc, err := tx.CloudLocator(node, cloudpath.ExtRcrd)
	if err != nil {
		return nil, err
	}

	op := &state.Operation{
		LocalUserID:  node.LocalUserID,
		TreeID:       node.TreeID,
		Type:         state.OpPut,
		PutType:      state.PutRcrd,
		NodeID:       node.ID,
		CloudLocator: loc,
		Changeset:    cs,
	}

	deps, err := q.pathDependencies(tx, node, loc)
	if err != nil {
		return nil, err
	}

	op.Dependencies = deps

	if err := tx.AddOp(op); err != nil {
		return nil, err
	}

	return op, nil
}

// pathDependencies returns the ops a first upload at loc must wait for:
// the parent's first record upload, and any queued delete of an object at
// the same path.
func (q *Queue) pathDependencies(tx *state.Tx, node *state.Node, loc cloudpath.CloudLocator) ([]string, error) {
	var deps []string

	parent, err := tx.Node(node.ParentID)
	if err != nil {
		return nil, err
	}

	if !parent.IsTrunk() && !parent.Uploaded() {
		parentOps, err := tx.OpsForNode(parent.LocalUserID, parent.TreeID, parent.ID)
		if err != nil {
			return nil, err
		}

		for _, op := range parentOps {
			if op.IsPutRcrd() {
				deps = append(deps, op.ID)
				break
			}
		}
	}

	all, err := tx.Ops(node.LocalUserID, node.TreeID)
	if err != nil {
		return nil, err
	}

	for _, op := range all {
		isDelete := op.Type == state.OpDeleteLeaf || op.Type == state.OpDeleteNode
		if isDelete && op.NodeID != node.ID && op.CloudLocator.EqualIgnoringExt(loc) {
			deps = append(deps, op.ID)
		}
	}

	return deps, nil
}

// EnqueuePutData queues an upload of node's content. The operation depends
// on the node's pending record upload so the record always lands first.
// Redundant pending content uploads collapse into one, since the content
// is read when the operation executes.
func (q *Queue) EnqueuePutData(tx *state.Tx, node *state.Node) (*state.Operation, error) {
	ops, err := tx.OpsForNode(node.LocalUserID, node.TreeID, node.ID)
	if err != nil {
		return nil, err
	}

	if !q.opts.RecordEveryVersion {
		if target := coalesceTarget(ops, state.PutData); target != nil {
			return target, nil
		}
	}

	loc, err := tx.CloudLocator(node, cloudpath.ExtData)
	if err != nil {
		return nil, err
	}

	op := &state.Operation{
		LocalUserID:  node.LocalUserID,
		TreeID:       node.TreeID,
		Type:         state.OpPut,
		PutType:      state.PutData,
		NodeID:       node.ID,
		CloudLocator: loc,
	}

	for _, prev := range ops {
		if prev.IsPutRcrd() {
			op.Dependencies = append(op.Dependencies, prev.ID)
		}
	}

	if err := tx.AddOp(op); err != nil {
		return nil, err
	}

	return op, nil
}

// EnqueueMove queues a server-side move of an uploaded node from src to
// its current location.
func (q *Queue) EnqueueMove(tx *state.Tx, node *state.Node, src cloudpath.CloudLocator) (*state.Operation, error) {
	dst, err := tx.CloudLocator(node, cloudpath.ExtRcrd)
	if err != nil {
		return nil, err
	}

	deps, err := q.pathDependencies(tx, node, dst)
	if err != nil {
		return nil, err
	}

	op := &state.Operation{
		LocalUserID:     node.LocalUserID,
		TreeID:          node.TreeID,
		Type:            state.OpMove,
		NodeID:          node.ID,
		CloudLocator:    src.WithExt(cloudpath.ExtRcrd),
		DstCloudLocator: dst,
		Dependencies:    deps,
	}

	if err := tx.AddOp(op); err != nil {
		return nil, err
	}

	return op, nil
}

// MigrateLocators rewrites the locators of node's not-yet-executed puts to
// its current path. Used when a node that never reached the cloud is moved
// or renamed, so its first upload goes straight to the new path, and when a
// pull adopts a remote move of a node with queued puts. Record puts get the
// path dependencies of the new location, so a queued delete of whatever
// lived there runs first.
func (q *Queue) MigrateLocators(tx *state.Tx, node *state.Node) error {
	ops, err := tx.OpsForNode(node.LocalUserID, node.TreeID, node.ID)
	if err != nil {
		return err
	}

	for _, op := range ops {
		if op.Type != state.OpPut || op.Status == state.StatusInFlight {
			continue
		}

		loc, err := tx.CloudLocator(node, string(op.PutType))
		if err != nil {
			return err
		}

		if loc == op.CloudLocator {
			continue
		}

		op.CloudLocator = loc
		if op.Status == state.StatusConflict {
			op.Status = state.StatusPending
			op.NextAttempt = time.Time{}
		}

		if op.PutType == state.PutRcrd {
			deps, err := q.pathDependencies(tx, node, loc)
			if err != nil {
				return err
			}

			op.Dependencies = deps
		}

		if err := tx.PutOp(op); err != nil {
			return err
		}
	}

	return nil
}

// RebaseSource points node's queued work at src, where a pull found the
// node's record after another device moved it. Puts queued ahead of the
// node's first local move write there, and that move starts from there.
func (q *Queue) RebaseSource(tx *state.Tx, node *state.Node, src cloudpath.CloudLocator) error {
	ops, err := tx.OpsForNode(node.LocalUserID, node.TreeID, node.ID)
	if err != nil {
		return err
	}

	for _, op := range ops {
		if op.Type != state.OpPut && op.Type != state.OpMove {
			continue
		}

		if op.Status == state.StatusInFlight {
			if op.Type == state.OpMove {
				return nil
			}

			continue
		}

		if op.Type == state.OpMove {
			op.CloudLocator = src.WithExt(cloudpath.ExtRcrd)
		} else {
			op.CloudLocator = src.WithExt(string(op.PutType))
		}

		if err := tx.PutOp(op); err != nil {
			return err
		}

		if op.Type == state.OpMove {
			return nil
		}
	}

	return nil
}

// RemoveNodeOps drops every operation of nodeID that has not started.
// In-flight operations are returned so callers can depend on them.
func (q *Queue) RemoveNodeOps(tx *state.Tx, userID, treeID, nodeID string) ([]*state.Operation, error) {
	ops, err := tx.OpsForNode(userID, treeID, nodeID)
	if err != nil {
		return nil, err
	}

	var inFlight []*state.Operation

	for _, op := range ops {
		if op.Status == state.StatusInFlight {
			inFlight = append(inFlight, op)
			continue
		}

		if err := tx.DeleteOp(op); err != nil {
			return nil, err
		}
	}

	return inFlight, nil
}

// PendingChangesets returns the share list changesets of node's queued
// record uploads in queue order.
func (q *Queue) PendingChangesets(tx *state.Tx, node *state.Node) ([]sharelist.Changeset, error) {
	ops, err := tx.OpsForNode(node.LocalUserID, node.TreeID, node.ID)
	if err != nil {
		return nil, err
	}

	var out []sharelist.Changeset

	for _, op := range ops {
		if op.IsPutRcrd() && len(op.Changeset) > 0 {
			out = append(out, op.Changeset)
		}
	}

	return out, nil
}

// Ready returns the operations the push engine may start now: pending,
// past their backoff, first in line for their node, and with every
// dependency already gone from the queue. Higher priority runs first;
// equal priorities keep queue order.
func (q *Queue) Ready(tx *state.Tx, userID, treeID string) ([]*state.Operation, error) {
	ops, err := tx.Ops(userID, treeID)
	if err != nil {
		return nil, err
	}

	queued := make(map[string]bool, len(ops))
	for _, op := range ops {
		queued[op.ID] = true
	}

	now := q.now()
	claimed := make(map[string]bool)

	var ready []*state.Operation

	for _, op := range ops {
		target := targetKey(op)
		if target != "" {
			if claimed[target] {
				continue
			}

			claimed[target] = true
		}

		if op.Status != state.StatusPending || op.NextAttempt.After(now) {
			continue
		}

		if slices.ContainsFunc(op.Dependencies, func(id string) bool { return queued[id] }) {
			continue
		}

		ready = append(ready, op)
	}

	slices.SortStableFunc(ready, func(a, b *state.Operation) int {
		return b.Priority - a.Priority
	})

	return ready, nil
}

// targetKey identifies what an operation mutates, for FIFO ordering.
func targetKey(op *state.Operation) string {
	switch {
	case op.NodeID != "":
		return "node:" + op.NodeID
	case op.CloudNodeID != "":
		return "cloud:" + op.CloudNodeID
	case op.Type == state.OpAvatar:
		return "avatar:" + op.LocalUserID
	}

	return ""
}

// DirtyNodeIDs returns the nodes with any queued operation, including
// stuck ones.
func (q *Queue) DirtyNodeIDs(tx *state.Tx, userID, treeID string) (map[string]bool, error) {
	ops, err := tx.Ops(userID, treeID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool)

	for _, op := range ops {
		if op.NodeID != "" {
			out[op.NodeID] = true
		}
	}

	return out, nil
}

// Counts returns the number of queued operations per status.
func (q *Queue) Counts(tx *state.Tx, userID, treeID string) (map[state.OpStatus]int, error) {
	ops, err := tx.Ops(userID, treeID)
	if err != nil {
		return nil, err
	}

	out := make(map[state.OpStatus]int)
	for _, op := range ops {
		out[op.Status]++
	}

	return out, nil
}

// NextAttempt returns the earliest future retry time among pending
// operations, or zero when none is waiting.
func (q *Queue) NextAttempt(tx *state.Tx, userID, treeID string) (time.Time, error) {
	ops, err := tx.Ops(userID, treeID)
	if err != nil {
		return time.Time{}, err
	}

	var next time.Time

	now := q.now()
	for _, op := range ops {
		if op.Status != state.StatusPending || !op.NextAttempt.After(now) {
			continue
		}

		if next.IsZero() || op.NextAttempt.Before(next) {
			next = op.NextAttempt
		}
	}

	return next, nil
}

// ResetConflicts returns node's conflicted operations to pending once a
// pull has reconciled the node.
func (q *Queue) ResetConflicts(tx *state.Tx, node *state.Node) error {
	ops, err := tx.OpsForNode(node.LocalUserID, node.TreeID, node.ID)
	if err != nil {
		return err
	}

	for _, op := range ops {
		if op.Status != state.StatusConflict {
			continue
		}

		op.Status = state.StatusPending
		op.NextAttempt = time.Time{}

		if err := tx.PutOp(op); err != nil {
			return err
		}
	}

	return nil
}

// RetryStuck resets every stuck operation of a pipeline to pending with
// cleared fail counters, returning how many were reset.
func (q *Queue) RetryStuck(tx *state.Tx, userID, treeID string) (int, error) {
	ops, err := tx.Ops(userID, treeID)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, op := range ops {
		if op.Status != state.StatusStuck {
			continue
		}

		op.Status = state.StatusPending
		op.Fails = state.FailCounts{}
		op.NextAttempt = time.Time{}
		op.LastError = ""

		if err := tx.PutOp(op); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// ResetInFlight returns operations left in-flight by an interrupted run to
// pending. Called once before a pipeline's first drain.
func (q *Queue) ResetInFlight(tx *state.Tx, userID, treeID string) error {
	ops, err := tx.Ops(userID, treeID)
	if err != nil {
		return err
	}

	for _, op := range ops {
		if op.Status != state.StatusInFlight {
			continue
		}

		op.Status = state.StatusPending

		if err := tx.PutOp(op); err != nil {
			return err
		}
	}

	return nil
}
