package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

const (
	testUser = "user-alice"
	testTree = "com.example.notes"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testDB(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testQueue(opts Options) *Queue {
	q := New(opts)
	q.now = func() time.Time { return epoch }
	return q
}

func seed(t *testing.T, s *state.Store) *state.Node {
	t.Helper()

	salt, err := cloudpath.TrunkDirSalt([]byte("0123456789abcdef0123456789abcdef"), testUser, testTree, cloudpath.TrunkHome)
	require.NoError(t, err)

	home := &state.Node{
		ID:          "trunk-home",
		LocalUserID: testUser,
		TreeID:      testTree,
		Type:        state.NodeTrunk,
		Trunk:       "home",
		Name:        "home",
		DirPrefix:   cloudpath.TrunkHome.DirPrefix(),
		DirSalt:     salt,
	}

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		if err := tx.PutUser(&state.User{ID: testUser, Region: "us-west-2", Bucket: "zdc-alice"}); err != nil {
			return err
		}

		return tx.PutNode(home)
	}))

	return home
}

func addNode(t *testing.T, s *state.Store, id, parentID, name string, typ state.NodeType) *state.Node {
	t.Helper()

	prefix, err := cloudpath.NewDirPrefix()
	require.NoError(t, err)
	salt, err := cloudpath.NewDirSalt()
	require.NoError(t, err)

	n := &state.Node{
		ID:          id,
		LocalUserID: testUser,
		TreeID:      testTree,
		ParentID:    parentID,
		Type:        typ,
		Name:        name,
		DirPrefix:   prefix,
		DirSalt:     salt,
	}

	require.NoError(t, s.Update(func(tx *state.Tx) error { return tx.PutNode(n) }))

	return n
}

func allOps(t *testing.T, s *state.Store) []*state.Operation {
	t.Helper()

	var ops []*state.Operation

	require.NoError(t, s.View(func(tx *state.Tx) error {
		var err error
		ops, err = tx.Ops(testUser, testTree)
		return err
	}))

	return ops
}

func ready(t *testing.T, s *state.Store, q *Queue) []*state.Operation {
	t.Helper()

	var out []*state.Operation

	require.NoError(t, s.View(func(tx *state.Tx) error {
		var err error
		out, err = q.Ready(tx, testUser, testTree)
		return err
	}))

	return out
}

func ids(ops []*state.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}

	return out
}

func TestPutRcrdCoalescesAndCombinesChangesets(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n1", "trunk-home", "a.txt", state.NodeFile)
	q := testQueue(Options{})

	bob := sharelist.UserKey("user-bob")
	carol := sharelist.UserKey("user-carol")

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		first, err := q.EnqueuePutRcrd(tx, n, sharelist.Changeset{bob: {ItemAdded: true, Added: "r"}})
		require.NoError(t, err)

		second, err := q.EnqueuePutRcrd(tx, n, sharelist.Changeset{carol: {ItemAdded: true, Added: "r"}})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		return nil
	}))

	ops := allOps(t, s)
	require.Len(t, ops, 1)
	assert.Contains(t, ops[0].Changeset, bob)
	assert.Contains(t, ops[0].Changeset, carol)
}

func TestRecordEveryVersionDisablesCoalescing(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n1", "trunk-home", "a.txt", state.NodeFile)
	q := testQueue(Options{RecordEveryVersion: true})

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		for range 3 {
			if _, err := q.EnqueuePutData(tx, n); err != nil {
				return err
			}
		}

		return nil
	}))

	assert.Len(t, allOps(t, s), 3)
	assert.True(t, q.RecordEveryVersion())
}

func TestCoalescingStopsAtInFlightAndMove(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n1", "trunk-home", "a.txt", state.NodeFile)
	q := testQueue(Options{})

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		op, err := q.EnqueuePutData(tx, n)
		require.NoError(t, err)

		op.Status = state.StatusInFlight
		require.NoError(t, tx.PutOp(op))

		again, err := q.EnqueuePutData(tx, n)
		require.NoError(t, err)
		assert.NotEqual(t, op.ID, again.ID, "in-flight upload cannot absorb new content")

		src, err := tx.CloudLocator(n, cloudpath.ExtRcrd)
		require.NoError(t, err)
		_, err = q.EnqueueMove(tx, n, src)
		require.NoError(t, err)

		last, err := q.EnqueuePutData(tx, n)
		require.NoError(t, err)
		assert.NotEqual(t, again.ID, last.ID, "puts never coalesce across a move")
		return nil
	}))

	assert.Len(t, allOps(t, s), 4)
}

func TestReadyIsFIFOPerNode(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	a := addNode(t, s, "a", "trunk-home", "a.txt", state.NodeFile)
	b := addNode(t, s, "b", "trunk-home", "b.txt", state.NodeFile)
	q := testQueue(Options{})

	var rcrdA, dataA, rcrdB *state.Operation

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		var err error
		if rcrdA, err = q.EnqueuePutRcrd(tx, a, nil); err != nil {
			return err
		}

		if dataA, err = q.EnqueuePutData(tx, a); err != nil {
			return err
		}

		rcrdB, err = q.EnqueuePutRcrd(tx, b, nil)
		return err
	}))

	assert.Equal(t, []string{rcrdA.ID, rcrdB.ID}, ids(ready(t, s, q)))

	require.NoError(t, s.Update(func(tx *state.Tx) error { return tx.DeleteOp(rcrdA) }))

	assert.Equal(t, []string{dataA.ID, rcrdB.ID}, ids(ready(t, s, q)))
}

func TestReadyWaitsForParentRecord(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	dir := addNode(t, s, "dir", "trunk-home", "dir", state.NodeDirectory)
	child := addNode(t, s, "child", "dir", "c.txt", state.NodeFile)
	q := testQueue(Options{})

	var dirOp, childOp *state.Operation

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		var err error
		if dirOp, err = q.EnqueuePutRcrd(tx, dir, nil); err != nil {
			return err
		}

		childOp, err = q.EnqueuePutRcrd(tx, child, nil)
		return err
	}))

	assert.Equal(t, []string{dirOp.ID}, childOp.Dependencies)
	assert.Equal(t, []string{dirOp.ID}, ids(ready(t, s, q)))
}

func TestReadyHonoursBackoffStatusAndPriority(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	a := addNode(t, s, "a", "trunk-home", "a.txt", state.NodeFile)
	b := addNode(t, s, "b", "trunk-home", "b.txt", state.NodeFile)
	c := addNode(t, s, "c", "trunk-home", "c.txt", state.NodeFile)
	q := testQueue(Options{})

	var opA, opB, opC *state.Operation

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		var err error
		if opA, err = q.EnqueuePutRcrd(tx, a, nil); err != nil {
			return err
		}

		if opB, err = q.EnqueuePutRcrd(tx, b, nil); err != nil {
			return err
		}

		if opC, err = q.EnqueuePutRcrd(tx, c, nil); err != nil {
			return err
		}

		opA.NextAttempt = epoch.Add(time.Minute)
		opC.Priority = 10

		if err := tx.PutOp(opA); err != nil {
			return err
		}

		return tx.PutOp(opC)
	}))

	assert.Equal(t, []string{opC.ID, opB.ID}, ids(ready(t, s, q)))

	var next time.Time

	require.NoError(t, s.View(func(tx *state.Tx) error {
		var err error
		next, err = q.NextAttempt(tx, testUser, testTree)
		return err
	}))
	assert.Equal(t, epoch.Add(time.Minute), next)
}

func TestStuckOpBlocksItsNodeUntilRetried(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n", "trunk-home", "a.txt", state.NodeFile)
	q := testQueue(Options{RecordEveryVersion: true})

	var first *state.Operation

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		var err error
		if first, err = q.EnqueuePutData(tx, n); err != nil {
			return err
		}

		first.Status = state.StatusStuck
		first.Fails = state.FailCounts{S3: 5}
		first.LastError = "boom"
		if err := tx.PutOp(first); err != nil {
			return err
		}

		_, err = q.EnqueuePutData(tx, n)
		return err
	}))

	assert.Empty(t, ready(t, s, q))

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		count, err := q.RetryStuck(tx, testUser, testTree)
		assert.Equal(t, 1, count)
		return err
	}))

	got := ready(t, s, q)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Zero(t, got[0].Fails.Total())
	assert.Empty(t, got[0].LastError)
}

func TestMigrateLocatorsSkipsInFlight(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n", "trunk-home", "old.txt", state.NodeFile)
	q := testQueue(Options{})

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		rcrd, err := q.EnqueuePutRcrd(tx, n, nil)
		if err != nil {
			return err
		}

		if _, err := q.EnqueuePutData(tx, n); err != nil {
			return err
		}

		rcrd.Status = state.StatusInFlight
		if err := tx.PutOp(rcrd); err != nil {
			return err
		}

		n.Name = "new.txt"
		if err := tx.PutNode(n); err != nil {
			return err
		}

		return q.MigrateLocators(tx, n)
	}))

	ops := allOps(t, s)
	require.Len(t, ops, 2)
	assert.False(t, ops[0].CloudLocator.EqualIgnoringExt(ops[1].CloudLocator))
	assert.Equal(t, cloudpath.ExtData, ops[1].CloudLocator.Path.Ext())
}

func TestMigrateLocatorsWaitsForDeleteAtNewPath(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	x := addNode(t, s, "x", "trunk-home", "x.txt", state.NodeFile)
	y := addNode(t, s, "y", "trunk-home", "y.txt", state.NodeFile)
	q := testQueue(Options{})

	var del, put *state.Operation

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		loc, err := tx.CloudLocator(x, cloudpath.ExtRcrd)
		if err != nil {
			return err
		}

		if err := tx.DeleteNode(x.ID); err != nil {
			return err
		}

		del = &state.Operation{
			LocalUserID:  testUser,
			TreeID:       testTree,
			Type:         state.OpDeleteLeaf,
			CloudNodeID:  "cloud-x",
			CloudLocator: loc,
		}
		if err := tx.AddOp(del); err != nil {
			return err
		}

		if put, err = q.EnqueuePutRcrd(tx, y, nil); err != nil {
			return err
		}

		assert.Empty(t, put.Dependencies, "y.txt does not share a path with the delete")

		y.Name = "x.txt"
		if err := tx.PutNode(y); err != nil {
			return err
		}

		return q.MigrateLocators(tx, y)
	}))

	ops := allOps(t, s)
	require.Len(t, ops, 2)
	assert.Equal(t, put.ID, ops[1].ID)
	assert.Equal(t, []string{del.ID}, ops[1].Dependencies)
	assert.True(t, ops[1].CloudLocator.EqualIgnoringExt(del.CloudLocator))
	assert.Equal(t, []string{del.ID}, ids(ready(t, s, q)), "the put waits for the delete")
}

func TestRebaseSourceStopsAtFirstMove(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n", "trunk-home", "a.txt", state.NodeFile)
	q := testQueue(Options{})

	remote := cloudpath.CloudLocator{
		Region: "us-west-2",
		Bucket: "zdc-alice",
		Path: cloudpath.CloudPath{
			TreeID:    testTree,
			DirPrefix: cloudpath.TrunkHome.DirPrefix(),
			FileName:  "abcdefghijklmnopqrstuvwxyz234567.rcrd",
		},
	}

	var before, move, after *state.Operation

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		var err error
		if before, err = q.EnqueuePutData(tx, n); err != nil {
			return err
		}

		src, err := tx.CloudLocator(n, cloudpath.ExtRcrd)
		if err != nil {
			return err
		}

		n.Name = "b.txt"
		if err := tx.PutNode(n); err != nil {
			return err
		}

		if move, err = q.EnqueueMove(tx, n, src); err != nil {
			return err
		}

		if after, err = q.EnqueuePutData(tx, n); err != nil {
			return err
		}

		return q.RebaseSource(tx, n, remote)
	}))

	got := make(map[string]*state.Operation)
	for _, op := range allOps(t, s) {
		got[op.ID] = op
	}

	assert.Equal(t, remote.WithExt(cloudpath.ExtData), got[before.ID].CloudLocator)
	assert.Equal(t, remote, got[move.ID].CloudLocator)
	assert.Equal(t, after.CloudLocator, got[after.ID].CloudLocator, "work queued after the move is untouched")
	assert.Equal(t, move.DstCloudLocator, got[move.ID].DstCloudLocator)
}

func TestRemoveNodeOpsReturnsInFlight(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n", "trunk-home", "a.txt", state.NodeFile)
	q := testQueue(Options{})

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		rcrd, err := q.EnqueuePutRcrd(tx, n, nil)
		if err != nil {
			return err
		}

		if _, err := q.EnqueuePutData(tx, n); err != nil {
			return err
		}

		rcrd.Status = state.StatusInFlight
		if err := tx.PutOp(rcrd); err != nil {
			return err
		}

		inFlight, err := q.RemoveNodeOps(tx, testUser, testTree, n.ID)
		require.Len(t, inFlight, 1)
		assert.Equal(t, rcrd.ID, inFlight[0].ID)
		return err
	}))

	assert.Len(t, allOps(t, s), 1)
}

func TestResetConflictsAndInFlight(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	a := addNode(t, s, "a", "trunk-home", "a.txt", state.NodeFile)
	b := addNode(t, s, "b", "trunk-home", "b.txt", state.NodeFile)
	q := testQueue(Options{})

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		opA, err := q.EnqueuePutRcrd(tx, a, nil)
		if err != nil {
			return err
		}

		opB, err := q.EnqueuePutRcrd(tx, b, nil)
		if err != nil {
			return err
		}

		opA.Status = state.StatusConflict
		opB.Status = state.StatusInFlight

		if err := tx.PutOp(opA); err != nil {
			return err
		}

		return tx.PutOp(opB)
	}))

	require.NoError(t, s.View(func(tx *state.Tx) error {
		counts, err := q.Counts(tx, testUser, testTree)
		assert.Equal(t, map[state.OpStatus]int{state.StatusConflict: 1, state.StatusInFlight: 1}, counts)
		return err
	}))

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		if err := q.ResetConflicts(tx, a); err != nil {
			return err
		}

		return q.ResetInFlight(tx, testUser, testTree)
	}))

	assert.Len(t, ready(t, s, q), 2)
}

func TestPendingChangesetsInQueueOrder(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n", "trunk-home", "a.txt", state.NodeFile)
	q := testQueue(Options{RecordEveryVersion: true})

	bob := sharelist.UserKey("user-bob")

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		if _, err := q.EnqueuePutRcrd(tx, n, sharelist.Changeset{bob: {ItemAdded: true, Added: "r"}}); err != nil {
			return err
		}

		if _, err := q.EnqueuePutRcrd(tx, n, nil); err != nil {
			return err
		}

		_, err := q.EnqueuePutRcrd(tx, n, sharelist.Changeset{bob: {Removed: "r"}})
		return err
	}))

	require.NoError(t, s.View(func(tx *state.Tx) error {
		got, err := q.PendingChangesets(tx, n)
		require.Len(t, got, 2)
		assert.True(t, got[0][bob].ItemAdded)
		assert.Equal(t, "r", got[1][bob].Removed)
		return err
	}))
}

func TestDirtyNodeIDs(t *testing.T) {
	s := testDB(t)
	seed(t, s)
	n := addNode(t, s, "n", "trunk-home", "a.txt", state.NodeFile)
	addNode(t, s, "clean", "trunk-home", "b.txt", state.NodeFile)
	q := testQueue(Options{})

	require.NoError(t, s.Update(func(tx *state.Tx) error {
		_, err := q.EnqueuePutData(tx, n)
		return err
	}))

	require.NoError(t, s.View(func(tx *state.Tx) error {
		dirty, err := q.DirtyNodeIDs(tx, testUser, testTree)
		assert.Equal(t, map[string]bool{"n": true}, dirty)
		return err
	}))
}
