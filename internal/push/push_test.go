package push

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloud/cloudmock"
	"github.com/alexjbarnes/zdc-sync/internal/cloud/memstore"
	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/delegate"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/queue"
	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/tree"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

const (
	testUser = "user-alice"
	testTree = "com.example.notes"
)

var testBucket = cloud.Bucket{Region: "us-west-2", Name: "zdc-alice"}

type fixture struct {
	db      *state.Store
	tree    *tree.Tree
	home    *state.Node
	suite   *zcrypto.Suite
	keys    *zcrypto.KeyPair
	content map[string][]byte
	pushed  []string
	sent    []string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kp, err := zcrypto.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{
		db:      db,
		tree:    tree.New(queue.New(queue.Options{}), kp.Private[:]),
		suite:   zcrypto.NewSuite(0),
		keys:    kp,
		content: make(map[string][]byte),
	}

	require.NoError(t, db.Update(func(tx *state.Tx) error {
		err := tx.PutUser(&state.User{
			ID: testUser, PublicKey: kp.PublicKeyHex(),
			Region: testBucket.Region, Bucket: testBucket.Name,
			Local: &state.LocalCredentials{},
		})
		if err != nil {
			return err
		}

		trunks, err := f.tree.EnsureTrunks(tx, testUser, testTree)
		f.home = trunks[cloudpath.TrunkHome]

		return err
	}))

	return f
}

func (f *fixture) delegate() *delegate.Delegate {
	return &delegate.Delegate{
		DataForNode: func(_ context.Context, n *state.Node) (*rcrd.DataFork, error) {
			return &rcrd.DataFork{Content: f.content[n.ID]}, nil
		},
		DidPushNodeData: func(_ *state.Tx, n *state.Node) { f.pushed = append(f.pushed, n.ID) },
		DidSendMessage:  func(_ *state.Tx, op *state.Operation) { f.sent = append(f.sent, op.MessageID) },
	}
}

func (f *fixture) engine(store cloud.Store, cfg Config) *Engine {
	deps := Deps{
		DB:       f.db,
		Queue:    f.tree.Queue(),
		Store:    store,
		Crypto:   f.suite,
		Keys:     f.keys,
		Delegate: f.delegate(),
	}

	if c, ok := store.(cloud.Completer); ok {
		deps.Completer = c
	}

	if u, ok := store.(cloud.UserResolver); ok {
		deps.Users = u
	}

	return New(deps, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (f *fixture) create(t *testing.T, parentID, name string, typ state.NodeType, content []byte) *state.Node {
	t.Helper()

	var n *state.Node

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		var err error
		n, err = f.tree.CreateNode(tx, parentID, name, tree.CreateOptions{Type: typ})
		return err
	}))

	f.content[n.ID] = content

	return n
}

func (f *fixture) node(t *testing.T, id string) *state.Node {
	t.Helper()

	var n *state.Node

	require.NoError(t, f.db.View(func(tx *state.Tx) error {
		var err error
		n, err = tx.Node(id)
		return err
	}))

	return n
}

func (f *fixture) ops(t *testing.T) []*state.Operation {
	t.Helper()

	var ops []*state.Operation

	require.NoError(t, f.db.View(func(tx *state.Tx) error {
		var err error
		ops, err = tx.Ops(testUser, testTree)
		return err
	}))

	return ops
}

func (f *fixture) locator(t *testing.T, n *state.Node, ext string) cloudpath.CloudLocator {
	t.Helper()

	var loc cloudpath.CloudLocator

	require.NoError(t, f.db.View(func(tx *state.Tx) error {
		var err error
		loc, err = tx.CloudLocator(n, ext)
		return err
	}))

	return loc
}

var pipeline = state.Pipeline{UserID: testUser, TreeID: testTree}

func TestDrainUploadsNewFile(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	n := f.create(t, f.home.ID, "notes.txt", state.NodeFile, []byte("hello"))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Empty(t, f.ops(t))

	got := f.node(t, n.ID)
	assert.Equal(t, n.ProvisionalCloudID, got.CloudID)
	assert.NotEmpty(t, got.ETagRcrd)
	assert.NotEmpty(t, got.ETagData)
	assert.Equal(t, []string{n.ID}, f.pushed)
	assert.NotEmpty(t, got.ShareList[sharelist.UserKey(testUser)].Key, "owner key wrapped on upload")

	loc := f.locator(t, got, cloudpath.ExtRcrd)
	raw, info, err := store.Get(context.Background(), testBucket, loc.Key())
	require.NoError(t, err)
	assert.Equal(t, got.ETagRcrd, info.ETag)

	plain, err := rcrd.Decode(f.suite, raw, sharelist.UserKey(testUser), f.keys)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", plain.Meta.Filename)
	assert.Equal(t, n.ProvisionalCloudID, plain.CloudID)

	data, _, err := store.Get(context.Background(), testBucket, loc.WithExt(cloudpath.ExtData).Key())
	require.NoError(t, err)

	fork, err := rcrd.DecodeData(f.suite, got.EncryptionKey, data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(fork.Content))
}

func TestDrainParentBeforeChild(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{Workers: 1})

	dir := f.create(t, f.home.ID, "docs", state.NodeDirectory, nil)
	child := f.create(t, dir.ID, "a.txt", state.NodeFile, []byte("a"))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Empty(t, f.ops(t))
	assert.True(t, f.node(t, dir.ID).Uploaded())
	assert.True(t, f.node(t, child.ID).Uploaded())
	assert.Len(t, store.Keys(testBucket), 3)
}

func TestFirstUploadAdoptsOwnEarlierAttempt(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	n := f.create(t, f.home.ID, "retry.txt", state.NodeFile, []byte("x"))
	require.NoError(t, e.Drain(context.Background(), pipeline))

	remoteETag := f.node(t, n.ID).ETagRcrd

	// Forget the success, as if the process died before recording it.
	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		cur, err := tx.Node(n.ID)
		if err != nil {
			return err
		}

		cur.CloudID = ""
		cur.ETagRcrd = ""

		if err := tx.PutNode(cur); err != nil {
			return err
		}

		_, err = f.tree.Queue().EnqueuePutRcrd(tx, cur, nil)

		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Empty(t, f.ops(t))
	got := f.node(t, n.ID)
	assert.Equal(t, n.ProvisionalCloudID, got.CloudID)
	assert.Equal(t, remoteETag, got.ETagRcrd)
}

func TestConflictParksOperation(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	var conflicted []state.Pipeline
	e.OnConflict = func(p state.Pipeline) { conflicted = append(conflicted, p) }

	n := f.create(t, f.home.ID, "taken.txt", state.NodeFile, []byte("x"))

	loc := f.locator(t, n, cloudpath.ExtRcrd)
	_, err := store.Put(context.Background(), testBucket, loc.Key(), []byte("someone else"), cloud.PutOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Drain(context.Background(), pipeline))

	ops := f.ops(t)
	require.Len(t, ops, 2)
	assert.Equal(t, state.StatusConflict, ops[0].Status)
	assert.Equal(t, state.StatusPending, ops[1].Status, "data upload waits on the record")
	assert.Equal(t, []state.Pipeline{pipeline}, conflicted)
	assert.False(t, f.node(t, n.ID).Uploaded())
}

func TestTransientFailureBacksOff(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	f.create(t, f.home.ID, "flaky.txt", state.NodeFile, []byte("x"))
	store.FailNext("Put", &zerrors.TransientError{Layer: zerrors.LayerS3, Err: errors.New("503")})

	before := time.Now()
	require.NoError(t, e.Drain(context.Background(), pipeline))

	ops := f.ops(t)
	require.Len(t, ops, 2)
	assert.Equal(t, state.StatusPending, ops[0].Status)
	assert.Equal(t, 1, ops[0].Fails.S3)
	assert.Zero(t, ops[0].Fails.App)
	assert.True(t, ops[0].NextAttempt.After(before.Add(backoffMin-time.Second)))
	assert.Contains(t, ops[0].LastError, "503")
}

func TestRepeatedFailureMarksStuck(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{Thresholds: Thresholds{App: 1}})

	f.create(t, f.home.ID, "broken.txt", state.NodeFile, []byte("x"))
	store.FailNext("Put", errors.New("boom"))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	ops := f.ops(t)
	assert.Equal(t, state.StatusStuck, ops[0].Status)
	assert.Equal(t, 1, ops[0].Fails.App)
}

func TestAuthFailureStopsDrain(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	var authErr error
	e.OnAuthFailure = func(_ state.Pipeline, err error) { authErr = err }

	f.create(t, f.home.ID, "a.txt", state.NodeFile, []byte("x"))
	store.FailNext("Put", &zerrors.AuthError{Err: zerrors.ErrTokenExpired})

	err := e.Drain(context.Background(), pipeline)
	require.Error(t, err)
	assert.True(t, zerrors.IsAuth(err))
	require.Error(t, authErr)

	ops := f.ops(t)
	assert.Equal(t, state.StatusPending, ops[0].Status)
	assert.Zero(t, ops[0].Fails)
}

func TestMultipartUpload(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{MultipartThreshold: 1024, PartSize: 512})

	content := bytes.Repeat([]byte("0123456789abcdef"), 256)
	n := f.create(t, f.home.ID, "big.bin", state.NodeFile, content)

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Empty(t, f.ops(t))
	assert.Equal(t, 1, store.Calls("CreateMultipart"))
	assert.GreaterOrEqual(t, store.Calls("UploadPart"), 8)
	assert.Equal(t, 1, store.Calls("CompleteMultipart"))

	got := f.node(t, n.ID)
	data, info, err := store.Get(context.Background(), testBucket, f.locator(t, got, cloudpath.ExtData).Key())
	require.NoError(t, err)
	assert.Equal(t, got.ETagData, info.ETag)

	fork, err := rcrd.DecodeData(f.suite, got.EncryptionKey, data)
	require.NoError(t, err)
	assert.Equal(t, content, fork.Content)
}

func TestMultipartRetriesPart(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{MultipartThreshold: 1024, PartSize: 512})

	f.create(t, f.home.ID, "big.bin", state.NodeFile, bytes.Repeat([]byte{7}, 4096))
	store.FailNext("UploadPart", errors.New("reset by peer"))

	require.NoError(t, e.Drain(context.Background(), pipeline))
	assert.Empty(t, f.ops(t))
}

func TestMultipartCompletionConflictParks(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{MultipartThreshold: 1024, PartSize: 512})

	n := f.create(t, f.home.ID, "big.bin", state.NodeFile, bytes.Repeat([]byte{1}, 4096))
	require.NoError(t, e.Drain(context.Background(), pipeline))

	key := f.locator(t, f.node(t, n.ID), cloudpath.ExtData).Key()
	_, err := store.Put(context.Background(), testBucket, key, []byte("other writer"), cloud.PutOptions{})
	require.NoError(t, err)

	f.content[n.ID] = bytes.Repeat([]byte{2}, 4096)
	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		_, err := f.tree.QueueDataUpload(tx, n.ID)
		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	ops := f.ops(t)
	require.Len(t, ops, 1)
	assert.Equal(t, state.StatusConflict, ops[0].Status)
	assert.Equal(t, 2, store.Calls("CompleteMultipart"))

	data, _, err := store.Get(context.Background(), testBucket, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("other writer"), data)
}

func TestPutFollowsRenameAtExecution(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	var n *state.Node

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		var err error
		n, err = f.tree.CreateNode(tx, f.home.ID, "before.txt", tree.CreateOptions{SkipData: true})
		if err != nil {
			return err
		}

		n.Name = "after.txt"

		return tx.PutNode(n)
	}))

	queued := f.ops(t)
	require.Len(t, queued, 1)
	require.NotEqual(t, f.locator(t, n, cloudpath.ExtRcrd), queued[0].CloudLocator)

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Empty(t, f.ops(t))
	assert.Equal(t, []string{f.locator(t, f.node(t, n.ID), cloudpath.ExtRcrd).Key()}, store.Keys(testBucket))
}

func TestDeleteUploadedLeaf(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	n := f.create(t, f.home.ID, "gone.txt", state.NodeFile, []byte("x"))
	require.NoError(t, e.Drain(context.Background(), pipeline))
	require.Len(t, store.Keys(testBucket), 2)

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		_, err := f.tree.DeleteNode(tx, n.ID, 0)
		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Empty(t, store.Keys(testBucket))
	assert.Empty(t, f.ops(t))

	require.NoError(t, f.db.View(func(tx *state.Tx) error {
		cns, err := tx.CloudNodes(testUser)
		assert.Empty(t, cns)
		return err
	}))
}

func TestDeleteDirectoryRemovesDescendants(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	dir := f.create(t, f.home.ID, "docs", state.NodeDirectory, nil)
	f.create(t, dir.ID, "a.txt", state.NodeFile, []byte("a"))
	f.create(t, dir.ID, "b.txt", state.NodeFile, []byte("b"))
	require.NoError(t, e.Drain(context.Background(), pipeline))
	require.Len(t, store.Keys(testBucket), 5)

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		_, err := f.tree.DeleteNode(tx, dir.ID, state.DeleteUnknownNodes)
		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Empty(t, store.Keys(testBucket))
	assert.Empty(t, f.ops(t))
}

func TestDeleteDirectoryKeepsRemotelyModified(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	dir := f.create(t, f.home.ID, "docs", state.NodeDirectory, nil)
	child := f.create(t, dir.ID, "a.txt", state.NodeFile, []byte("a"))
	require.NoError(t, e.Drain(context.Background(), pipeline))

	childData := f.locator(t, f.node(t, child.ID), cloudpath.ExtData).Key()

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		_, err := f.tree.DeleteNode(tx, dir.ID, 0)
		return err
	}))

	_, err := store.Put(context.Background(), testBucket, childData, []byte("edited elsewhere"), cloud.PutOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Drain(context.Background(), pipeline))

	assert.Equal(t, []string{childData}, store.Keys(testBucket))
}

func TestMoveRewritesRecordAndCopiesData(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	n := f.create(t, f.home.ID, "old.txt", state.NodeFile, []byte("body"))
	require.NoError(t, e.Drain(context.Background(), pipeline))

	oldKey := f.locator(t, f.node(t, n.ID), cloudpath.ExtRcrd).Key()

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		_, err := f.tree.MoveNode(tx, n.ID, f.home.ID, "new.txt")
		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))
	assert.Empty(t, f.ops(t))

	got := f.node(t, n.ID)
	newLoc := f.locator(t, got, cloudpath.ExtRcrd)
	assert.NotEqual(t, oldKey, newLoc.Key())

	keys := store.Keys(testBucket)
	assert.ElementsMatch(t, []string{newLoc.Key(), newLoc.WithExt(cloudpath.ExtData).Key()}, keys)

	info, err := store.Head(context.Background(), testBucket, newLoc.Key())
	require.NoError(t, err)
	assert.Equal(t, info.ETag, got.ETagRcrd)
}

func TestCopyLeafToInbox(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	bob, err := zcrypto.GenerateKeyPair()
	require.NoError(t, err)

	bobBucket := cloud.Bucket{Region: "eu-west-1", Name: "zdc-bob"}
	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		return tx.PutUser(&state.User{ID: "user-bob", PublicKey: bob.PublicKeyHex(), Region: bobBucket.Region, Bucket: bobBucket.Name})
	}))

	n := f.create(t, f.home.ID, "gift.txt", state.NodeFile, []byte("for bob"))
	require.NoError(t, e.Drain(context.Background(), pipeline))

	var op *state.Operation

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		op, err = f.tree.CopyLeafToInbox(tx, n.ID, "user-bob")
		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))
	assert.Empty(t, f.ops(t))
	assert.Equal(t, []string{op.MessageID}, f.sent)

	raw, _, err := store.Get(context.Background(), bobBucket, op.DstCloudLocator.Key())
	require.NoError(t, err)

	plain, err := rcrd.Decode(f.suite, raw, sharelist.UserKey("user-bob"), bob)
	require.NoError(t, err)
	assert.Equal(t, op.MessageID, plain.CloudID)
	assert.Equal(t, testUser, plain.Sender)
	assert.Equal(t, "user-bob", plain.Meta.OwnerID)

	data, _, err := store.Get(context.Background(), bobBucket, op.DstCloudLocator.WithExt(cloudpath.ExtData).Key())
	require.NoError(t, err)

	fork, err := rcrd.DecodeData(f.suite, plain.NodeKey, data)
	require.NoError(t, err)
	assert.Equal(t, "for bob", string(fork.Content))
}

func TestAvatarUploadAndRemoval(t *testing.T) {
	f := setup(t)
	store := memstore.New()
	e := f.engine(store, Config{})

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		_, err := f.tree.SetAvatar(tx, testUser, testTree, []byte("png"))
		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	var etag string

	require.NoError(t, f.db.View(func(tx *state.Tx) error {
		u, err := tx.User(testUser)
		etag = u.Local.AvatarETag
		return err
	}))
	assert.NotEmpty(t, etag)
	assert.Len(t, store.Keys(testBucket), 1)

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		_, err := f.tree.SetAvatar(tx, testUser, testTree, nil)
		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))
	assert.Empty(t, store.Keys(testBucket))
}

func TestPrepareResetsInFlight(t *testing.T) {
	f := setup(t)
	e := f.engine(memstore.New(), Config{})

	f.create(t, f.home.ID, "a.txt", state.NodeFile, nil)

	batch, err := e.claim(pipeline)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, state.StatusInFlight, f.ops(t)[0].Status)

	require.NoError(t, e.Prepare(pipeline))
	assert.Equal(t, state.StatusPending, f.ops(t)[0].Status)
}

func TestFirstRecordUploadIsConditional(t *testing.T) {
	f := setup(t)
	ctrl := gomock.NewController(t)
	store := cloudmock.NewMockStore(ctrl)
	e := f.engine(store, Config{})

	var n *state.Node

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		var err error
		n, err = f.tree.CreateNode(tx, f.home.ID, "solo.txt", tree.CreateOptions{SkipData: true})
		return err
	}))

	key := f.locator(t, n, cloudpath.ExtRcrd).Key()

	store.EXPECT().
		Put(gomock.Any(), testBucket, key, gomock.Any(), cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny}).
		Return(cloud.ObjectInfo{Key: key, ETag: `"e1"`}, nil)

	require.NoError(t, e.Drain(context.Background(), pipeline))
	assert.Equal(t, `"e1"`, f.node(t, n.ID).ETagRcrd)
}

func TestUpdateUsesIfMatch(t *testing.T) {
	f := setup(t)
	ctrl := gomock.NewController(t)
	store := cloudmock.NewMockStore(ctrl)
	e := f.engine(store, Config{})

	var n *state.Node

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		var err error
		n, err = f.tree.CreateNode(tx, f.home.ID, "solo.txt", tree.CreateOptions{SkipData: true})
		return err
	}))

	key := f.locator(t, n, cloudpath.ExtRcrd).Key()

	gomock.InOrder(
		store.EXPECT().Put(gomock.Any(), testBucket, key, gomock.Any(), cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny}).
			Return(cloud.ObjectInfo{Key: key, ETag: `"e1"`}, nil),
		store.EXPECT().Put(gomock.Any(), testBucket, key, gomock.Any(), cloud.PutOptions{IfMatch: `"e1"`}).
			Return(cloud.ObjectInfo{}, &zerrors.TransientError{Layer: zerrors.LayerPoll, Err: errors.New("timeout")}),
	)

	require.NoError(t, e.Drain(context.Background(), pipeline))

	require.NoError(t, f.db.Update(func(tx *state.Tx) error {
		cur, err := tx.Node(n.ID)
		if err != nil {
			return err
		}

		_, err = f.tree.Queue().EnqueuePutRcrd(tx, cur, nil)

		return err
	}))

	require.NoError(t, e.Drain(context.Background(), pipeline))

	ops := f.ops(t)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Fails.Poll)
}

func TestBackoffBounds(t *testing.T) {
	for n := 1; n <= 12; n++ {
		d := Backoff(n)
		assert.GreaterOrEqual(t, d, backoffMin)
		assert.LessOrEqual(t, d, backoffMax+backoffMax/2)
	}

	assert.Less(t, Backoff(1), 8*time.Second)
	assert.GreaterOrEqual(t, Backoff(20), backoffMax)
}
