package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

func (t *Tx) opsBucket(userID, treeID string, create bool) (*bolt.Bucket, error) {
	name := opsBucket(userID, treeID)
	if !create {
		return t.tx.Bucket(name), nil
	}

	b, err := t.tx.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, fmt.Errorf("creating queue %s: %w", name, err)
	}

	if err := t.bucket(pipelinesBucket).Put(compositeKey(userID, treeID), present); err != nil {
		return nil, err
	}

	return b, nil
}

// AddOp appends op to its pipeline's queue, assigning ID, Seq, CreatedAt
// and pending status.
func (t *Tx) AddOp(op *Operation) error {
	b, err := t.opsBucket(op.LocalUserID, op.TreeID, true)
	if err != nil {
		return err
	}

	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("allocating operation sequence: %w", err)
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	op.Seq = seq
	if op.Status == "" {
		op.Status = StatusPending
	}

	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	return putJSON(b, seqKey(seq), op)
}

// PutOp rewrites an existing operation in place.
func (t *Tx) PutOp(op *Operation) error {
	b, err := t.opsBucket(op.LocalUserID, op.TreeID, false)
	if err != nil {
		return err
	}

	if b == nil || b.Get(seqKey(op.Seq)) == nil {
		return fmt.Errorf("operation %s (seq %d) not queued", op.ID, op.Seq)
	}

	return putJSON(b, seqKey(op.Seq), op)
}

// DeleteOp removes an operation from its queue.
func (t *Tx) DeleteOp(op *Operation) error {
	b, err := t.opsBucket(op.LocalUserID, op.TreeID, false)
	if err != nil || b == nil {
		return err
	}

	return b.Delete(seqKey(op.Seq))
}

// Ops returns a pipeline's operations in sequence order.
func (t *Tx) Ops(userID, treeID string) ([]*Operation, error) {
	b, err := t.opsBucket(userID, treeID, false)
	if err != nil || b == nil {
		return nil, err
	}

	var out []*Operation

	err = b.ForEach(func(_, v []byte) error {
		op := &Operation{}
		if err := json.Unmarshal(v, op); err != nil {
			return fmt.Errorf("decoding operation: %w", err)
		}

		out = append(out, op)

		return nil
	})

	return out, err
}

// Op returns the operation with id, or nil.
func (t *Tx) Op(userID, treeID, id string) (*Operation, error) {
	ops, err := t.Ops(userID, treeID)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		if op.ID == id {
			return op, nil
		}
	}

	return nil, nil
}

// OpsForNode returns the operations targeting nodeID in sequence order.
func (t *Tx) OpsForNode(userID, treeID, nodeID string) ([]*Operation, error) {
	ops, err := t.Ops(userID, treeID)
	if err != nil {
		return nil, err
	}

	var out []*Operation

	for _, op := range ops {
		if op.NodeID == nodeID {
			out = append(out, op)
		}
	}

	return out, nil
}

// HasOpsForNode reports whether any operation targets nodeID.
func (t *Tx) HasOpsForNode(userID, treeID, nodeID string) (bool, error) {
	ops, err := t.OpsForNode(userID, treeID, nodeID)
	return len(ops) > 0, err
}
