// Package memstore is an in-memory object store with S3 precondition
// semantics. It implements every collaborator in package cloud and is used
// by tests and the local demo mode.
package memstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

const defaultPageSize = 1000

type object struct {
	body     []byte
	etag     string
	modified time.Time
}

type upload struct {
	bucket cloud.Bucket
	key    string
	parts  map[int32][]byte
}

// Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	objects   map[cloud.Bucket]map[string]*object
	uploads   map[string]*upload
	completed map[string]cloud.ObjectInfo
	users     map[string]*cloud.UserProfile
	failures  map[string][]error
	calls     map[string]int
	pageSize  int
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects:   make(map[cloud.Bucket]map[string]*object),
		uploads:   make(map[string]*upload),
		completed: make(map[string]cloud.ObjectInfo),
		users:     make(map[string]*cloud.UserProfile),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
		pageSize:  defaultPageSize,
		now:       time.Now,
	}
}

// SetPageSize changes the listing page size.
func (s *Store) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// FailNext makes the next call to method return err. Calls queue up.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], err)
}

// Calls returns how often method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// AddUser registers a profile returned by ResolveUser.
func (s *Store) AddUser(p *cloud.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.users[p.ID] = &cp
}

// Keys returns every key in b, sorted.
func (s *Store) Keys(b cloud.Bucket) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.objects[b]))
	for k := range s.objects[b] {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// enter records a call and pops an injected failure. Caller holds mu.
func (s *Store) enter(ctx context.Context, method string) error {
	s.calls[method]++

	if err := ctx.Err(); err != nil {
		return err
	}

	if q := s.failures[method]; len(q) > 0 {
		s.failures[method] = q[1:]
		return q[0]
	}

	return nil
}

func (s *Store) bucket(b cloud.Bucket) map[string]*object {
	m, ok := s.objects[b]
	if !ok {
		m = make(map[string]*object)
		s.objects[b] = m
	}

	return m
}

func etagOf(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", zerrors.ErrObjectNotFound, key)
}

func conflict(key string) error {
	return &zerrors.ConflictError{Key: key, Err: zerrors.ErrPreconditionFailed}
}

func info(key string, o *object) cloud.ObjectInfo {
	return cloud.ObjectInfo{Key: key, ETag: o.etag, LastModified: o.modified, Size: int64(len(o.body))}
}

// Head implements cloud.Store.
func (s *Store) Head(ctx context.Context, b cloud.Bucket, key string) (cloud.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Head"); err != nil {
		return cloud.ObjectInfo{}, err
	}

	o, ok := s.bucket(b)[key]
	if !ok {
		return cloud.ObjectInfo{}, notFound(key)
	}

	return info(key, o), nil
}

// Get implements cloud.Store.
func (s *Store) Get(ctx context.Context, b cloud.Bucket, key string) ([]byte, cloud.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Get"); err != nil {
		return nil, cloud.ObjectInfo{}, err
	}

	o, ok := s.bucket(b)[key]
	if !ok {
		return nil, cloud.ObjectInfo{}, notFound(key)
	}

	return slices.Clone(o.body), info(key, o), nil
}

// GetRange implements cloud.Store.
func (s *Store) GetRange(ctx context.Context, b cloud.Bucket, key string, offset, length int64) ([]byte, cloud.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "GetRange"); err != nil {
		return nil, cloud.ObjectInfo{}, err
	}

	o, ok := s.bucket(b)[key]
	if !ok {
		return nil, cloud.ObjectInfo{}, notFound(key)
	}

	size := int64(len(o.body))
	start := min(max(offset, 0), size)
	end := min(start+length, size)

	return slices.Clone(o.body[start:end]), info(key, o), nil
}

// Put implements cloud.Store.
func (s *Store) Put(ctx context.Context, b cloud.Bucket, key string, body []byte, opts cloud.PutOptions) (cloud.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Put"); err != nil {
		return cloud.ObjectInfo{}, err
	}

	m := s.bucket(b)
	if err := checkPreconditions(m[key], key, opts.IfMatch, opts.IfNoneMatch); err != nil {
		return cloud.ObjectInfo{}, err
	}

	o := &object{body: slices.Clone(body), etag: etagOf(body), modified: s.now()}
	m[key] = o

	return info(key, o), nil
}

func checkPreconditions(cur *object, key, ifMatch, ifNoneMatch string) error {
	if ifNoneMatch == cloud.IfNoneMatchAny && cur != nil {
		return conflict(key)
	}

	if ifMatch != "" && (cur == nil || cur.etag != ifMatch) {
		return conflict(key)
	}

	return nil
}

// Delete implements cloud.Store. Deleting a missing key succeeds unless
// ifMatch is set.
func (s *Store) Delete(ctx context.Context, b cloud.Bucket, key, ifMatch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Delete"); err != nil {
		return err
	}

	m := s.bucket(b)

	cur, ok := m[key]
	if ifMatch != "" {
		if !ok {
			return notFound(key)
		}

		if cur.etag != ifMatch {
			return conflict(key)
		}
	}

	delete(m, key)

	return nil
}

// DeleteMany implements cloud.Store.
func (s *Store) DeleteMany(ctx context.Context, b cloud.Bucket, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "DeleteMany"); err != nil {
		return err
	}

	m := s.bucket(b)
	for _, k := range keys {
		delete(m, k)
	}

	return nil
}

// Copy implements cloud.Store.
func (s *Store) Copy(ctx context.Context, src cloud.Bucket, srcKey string, dst cloud.Bucket, dstKey string, opts cloud.CopyOptions) (cloud.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Copy"); err != nil {
		return cloud.ObjectInfo{}, err
	}

	o, ok := s.bucket(src)[srcKey]
	if !ok {
		return cloud.ObjectInfo{}, notFound(srcKey)
	}

	if opts.SourceIfMatch != "" && o.etag != opts.SourceIfMatch {
		return cloud.ObjectInfo{}, conflict(srcKey)
	}

	m := s.bucket(dst)
	if err := checkPreconditions(m[dstKey], dstKey, "", opts.IfNoneMatch); err != nil {
		return cloud.ObjectInfo{}, err
	}

	cp := &object{body: slices.Clone(o.body), etag: o.etag, modified: s.now()}
	m[dstKey] = cp

	return info(dstKey, cp), nil
}

// List implements cloud.Lister. The token is the last key of the previous
// page.
func (s *Store) List(ctx context.Context, b cloud.Bucket, prefix, token string) (cloud.ListPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "List"); err != nil {
		return cloud.ListPage{}, err
	}

	var keys []string

	for k := range s.bucket(b) {
		if strings.HasPrefix(k, prefix) && k > token {
			keys = append(keys, k)
		}
	}

	slices.Sort(keys)

	var page cloud.ListPage

	if len(keys) > s.pageSize {
		keys = keys[:s.pageSize]
		page.NextToken = keys[len(keys)-1]
	}

	for _, k := range keys {
		page.Objects = append(page.Objects, info(k, s.objects[b][k]))
	}

	return page, nil
}

// CreateMultipart implements cloud.Store.
func (s *Store) CreateMultipart(ctx context.Context, b cloud.Bucket, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "CreateMultipart"); err != nil {
		return "", err
	}

	id := uuid.NewString()
	s.uploads[id] = &upload{bucket: b, key: key, parts: make(map[int32][]byte)}

	return id, nil
}

// UploadPart implements cloud.Store.
func (s *Store) UploadPart(ctx context.Context, b cloud.Bucket, key, uploadID string, number int32, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "UploadPart"); err != nil {
		return "", err
	}

	u, ok := s.uploads[uploadID]
	if !ok || u.key != key || u.bucket != b {
		return "", notFound(uploadID)
	}

	u.parts[number] = slices.Clone(body)

	return etagOf(body), nil
}

// AbortMultipart implements cloud.Store.
func (s *Store) AbortMultipart(ctx context.Context, b cloud.Bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "AbortMultipart"); err != nil {
		return err
	}

	delete(s.uploads, uploadID)

	return nil
}

// CompleteMultipart implements cloud.Completer. Like the caching proxy, a
// repeated completion of the same upload returns the first result. A
// failed precondition leaves the upload open, as S3 does.
func (s *Store) CompleteMultipart(ctx context.Context, b cloud.Bucket, key, uploadID string, parts []cloud.Part, opts cloud.PutOptions) (cloud.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "CompleteMultipart"); err != nil {
		return cloud.ObjectInfo{}, err
	}

	if done, ok := s.completed[uploadID]; ok {
		return done, nil
	}

	u, ok := s.uploads[uploadID]
	if !ok {
		return cloud.ObjectInfo{}, notFound(uploadID)
	}

	if err := checkPreconditions(s.bucket(b)[key], key, opts.IfMatch, opts.IfNoneMatch); err != nil {
		return cloud.ObjectInfo{}, err
	}

	var body []byte

	for _, p := range parts {
		data, ok := u.parts[p.Number]
		if !ok || etagOf(data) != p.ETag {
			return cloud.ObjectInfo{}, fmt.Errorf("%w: part %d", zerrors.ErrAPIResponse, p.Number)
		}

		body = append(body, data...)
	}

	o := &object{body: body, etag: etagOf(body), modified: s.now()}
	s.bucket(b)[key] = o
	delete(s.uploads, uploadID)

	done := info(key, o)
	s.completed[uploadID] = done

	return done, nil
}

// ResolveUser implements cloud.UserResolver.
func (s *Store) ResolveUser(ctx context.Context, userID string) (*cloud.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "ResolveUser"); err != nil {
		return nil, err
	}

	p, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", zerrors.ErrObjectNotFound, userID)
	}

	cp := *p

	return &cp, nil
}

var (
	_ cloud.Store        = (*Store)(nil)
	_ cloud.Completer    = (*Store)(nil)
	_ cloud.UserResolver = (*Store)(nil)
)
