package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

var bkt = cloud.Bucket{Region: "us-west-2", Name: "zdc-alice"}

func TestPutPreconditions(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.Put(ctx, bkt, "k", []byte("v1"), cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny})
	require.NoError(t, err)

	_, err = s.Put(ctx, bkt, "k", []byte("v2"), cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny})
	assert.True(t, zerrors.IsConflict(err))

	_, err = s.Put(ctx, bkt, "k", []byte("v2"), cloud.PutOptions{IfMatch: `"stale"`})
	assert.True(t, zerrors.IsConflict(err))

	second, err := s.Put(ctx, bkt, "k", []byte("v2"), cloud.PutOptions{IfMatch: first.ETag})
	require.NoError(t, err)
	assert.NotEqual(t, first.ETag, second.ETag)

	body, got, err := s.Get(ctx, bkt, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(body))
	assert.Equal(t, second.ETag, got.ETag)
}

func TestGetMissing(t *testing.T) {
	_, _, err := New().Get(context.Background(), bkt, "nope")
	assert.ErrorIs(t, err, zerrors.ErrObjectNotFound)
}

func TestDeleteConditional(t *testing.T) {
	ctx := context.Background()
	s := New()

	o, err := s.Put(ctx, bkt, "k", []byte("v"), cloud.PutOptions{})
	require.NoError(t, err)

	assert.True(t, zerrors.IsConflict(s.Delete(ctx, bkt, "k", `"other"`)))
	require.NoError(t, s.Delete(ctx, bkt, "k", o.ETag))
	assert.NoError(t, s.Delete(ctx, bkt, "k", ""), "unconditional delete of a missing key succeeds")
	assert.ErrorIs(t, s.Delete(ctx, bkt, "k", o.ETag), zerrors.ErrObjectNotFound)
}

func TestCopyAcrossBuckets(t *testing.T) {
	ctx := context.Background()
	s := New()
	dst := cloud.Bucket{Region: "eu-west-1", Name: "zdc-bob"}

	o, err := s.Put(ctx, bkt, "src", []byte("payload"), cloud.PutOptions{})
	require.NoError(t, err)

	_, err = s.Copy(ctx, bkt, "src", dst, "dst", cloud.CopyOptions{SourceIfMatch: `"x"`})
	assert.True(t, zerrors.IsConflict(err))

	_, err = s.Copy(ctx, bkt, "src", dst, "dst", cloud.CopyOptions{SourceIfMatch: o.ETag, IfNoneMatch: cloud.IfNoneMatchAny})
	require.NoError(t, err)

	_, err = s.Copy(ctx, bkt, "src", dst, "dst", cloud.CopyOptions{IfNoneMatch: cloud.IfNoneMatchAny})
	assert.True(t, zerrors.IsConflict(err))

	body, _, err := s.Get(ctx, dst, "dst")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetPageSize(2)

	for _, k := range []string{"t/a/1", "t/a/2", "t/a/3", "t/b/1"} {
		_, err := s.Put(ctx, bkt, k, []byte(k), cloud.PutOptions{})
		require.NoError(t, err)
	}

	var keys []string

	token := ""
	for {
		page, err := s.List(ctx, bkt, "t/a/", token)
		require.NoError(t, err)

		for _, o := range page.Objects {
			keys = append(keys, o.Key)
		}

		if page.NextToken == "" {
			break
		}

		token = page.NextToken
	}

	assert.Equal(t, []string{"t/a/1", "t/a/2", "t/a/3"}, keys)
}

func TestMultipartCompletionIsCached(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.CreateMultipart(ctx, bkt, "big")
	require.NoError(t, err)

	e1, err := s.UploadPart(ctx, bkt, "big", id, 1, []byte("hello "))
	require.NoError(t, err)
	e2, err := s.UploadPart(ctx, bkt, "big", id, 2, []byte("world"))
	require.NoError(t, err)

	parts := []cloud.Part{{Number: 1, ETag: e1}, {Number: 2, ETag: e2}}

	first, err := s.CompleteMultipart(ctx, bkt, "big", id, parts, cloud.PutOptions{})
	require.NoError(t, err)

	again, err := s.CompleteMultipart(ctx, bkt, "big", id, parts, cloud.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	body, _, err := s.Get(ctx, bkt, "big")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestMultipartCompletionChecksPreconditions(t *testing.T) {
	ctx := context.Background()
	s := New()

	cur, err := s.Put(ctx, bkt, "big", []byte("v1"), cloud.PutOptions{})
	require.NoError(t, err)

	id, err := s.CreateMultipart(ctx, bkt, "big")
	require.NoError(t, err)

	e1, err := s.UploadPart(ctx, bkt, "big", id, 1, []byte("v2"))
	require.NoError(t, err)

	parts := []cloud.Part{{Number: 1, ETag: e1}}

	_, err = s.CompleteMultipart(ctx, bkt, "big", id, parts, cloud.PutOptions{IfNoneMatch: cloud.IfNoneMatchAny})
	assert.True(t, zerrors.IsConflict(err))

	_, err = s.CompleteMultipart(ctx, bkt, "big", id, parts, cloud.PutOptions{IfMatch: `"stale"`})
	assert.True(t, zerrors.IsConflict(err))

	body, _, err := s.Get(ctx, bkt, "big")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(body), "a failed completion must not replace the object")

	done, err := s.CompleteMultipart(ctx, bkt, "big", id, parts, cloud.PutOptions{IfMatch: cur.ETag})
	require.NoError(t, err)
	assert.NotEqual(t, cur.ETag, done.ETag)

	body, _, err = s.Get(ctx, bkt, "big")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(body))
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := &zerrors.TransientError{Layer: zerrors.LayerS3, Err: errors.New("503")}

	s.FailNext("Put", boom)

	_, err := s.Put(ctx, bkt, "k", []byte("v"), cloud.PutOptions{})
	assert.ErrorIs(t, err, boom)

	_, err = s.Put(ctx, bkt, "k", []byte("v"), cloud.PutOptions{})
	assert.NoError(t, err)
	assert.Equal(t, 2, s.Calls("Put"))
}

func TestResolveUser(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddUser(&cloud.UserProfile{ID: "bob", Bucket: "zdc-bob"})

	p, err := s.ResolveUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "zdc-bob", p.Bucket)

	_, err = s.ResolveUser(ctx, "nobody")
	assert.ErrorIs(t, err, zerrors.ErrObjectNotFound)
}

func TestGetRange(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Put(ctx, bkt, "k", []byte("0123456789"), cloud.PutOptions{})
	require.NoError(t, err)

	b, _, err := s.GetRange(ctx, bkt, "k", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "234", string(b))

	b, _, err = s.GetRange(ctx, bkt, "k", 8, 100)
	require.NoError(t, err)
	assert.Equal(t, "89", string(b))
}
