// Package cloud declares the object storage collaborators the push and
// pull engines talk to. Implementations live in subpackages: s3store for
// S3-compatible storage, proxy for the list/complete/users HTTP proxy and
// memstore for tests.
package cloud

import (
	"context"
	"time"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
)

//go:generate mockgen -destination=cloudmock/store.go -package=cloudmock . Store,Lister,Completer,UserResolver

// IfNoneMatchAny makes a put succeed only when no object exists at the key.
const IfNoneMatchAny = "*"

// Bucket addresses a bucket in a region.
type Bucket struct {
	Region string
	Name   string
}

// BucketOf returns the bucket of a locator.
func BucketOf(l cloudpath.CloudLocator) Bucket {
	return Bucket{Region: l.Region, Name: l.Bucket}
}

func (b Bucket) String() string { return b.Region + "/" + b.Name }

// ObjectInfo is the metadata returned by storage calls.
type ObjectInfo struct {
	Key          string
	ETag         string
	LastModified time.Time
	Size         int64
}

// PutOptions carries the preconditions of a put.
type PutOptions struct {
	// IfMatch requires the current object to have this eTag.
	IfMatch string
	// IfNoneMatch set to IfNoneMatchAny requires that no object exists.
	IfNoneMatch string
}

// CopyOptions carries the preconditions of a server-side copy.
type CopyOptions struct {
	SourceIfMatch string
	IfNoneMatch   string
}

// ListPage is one page of a listing.
type ListPage struct {
	Objects   []ObjectInfo
	NextToken string
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	Number int32
	ETag   string
}

// Store is the object storage REST surface. Errors are classified with
// the internal/errors taxonomy: missing objects wrap ErrObjectNotFound,
// failed preconditions are ConflictErrors, throttling and 5xx responses are
// TransientErrors charged to the S3 layer and rejected credentials are
// AuthErrors.
type Store interface {
	Head(ctx context.Context, b Bucket, key string) (ObjectInfo, error)
	Get(ctx context.Context, b Bucket, key string) ([]byte, ObjectInfo, error)
	GetRange(ctx context.Context, b Bucket, key string, offset, length int64) ([]byte, ObjectInfo, error)
	Put(ctx context.Context, b Bucket, key string, body []byte, opts PutOptions) (ObjectInfo, error)
	Delete(ctx context.Context, b Bucket, key, ifMatch string) error
	DeleteMany(ctx context.Context, b Bucket, keys []string) error
	Copy(ctx context.Context, src Bucket, srcKey string, dst Bucket, dstKey string, opts CopyOptions) (ObjectInfo, error)
	CreateMultipart(ctx context.Context, b Bucket, key string) (string, error)
	UploadPart(ctx context.Context, b Bucket, key, uploadID string, number int32, body []byte) (string, error)
	AbortMultipart(ctx context.Context, b Bucket, key, uploadID string) error
	Lister
}

// Lister enumerates objects under a prefix with continuation tokens. The
// bucket owner lists through Store; shared sub-trees owned by other users
// are listed through the proxy.
type Lister interface {
	List(ctx context.Context, b Bucket, prefix, token string) (ListPage, error)
}

// Completer finishes multipart uploads. Completion goes through a caching
// proxy whose response is authoritative, since a raw completion retried
// after a lost response is indistinguishable from an expired upload. The
// preconditions in opts apply to the object the upload replaces, as for a
// single-part Put.
type Completer interface {
	CompleteMultipart(ctx context.Context, b Bucket, key, uploadID string, parts []Part, opts PutOptions) (ObjectInfo, error)
}

// UserProfile is the public record of a user.
type UserProfile struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
}

// UserResolver fetches user profiles.
type UserResolver interface {
	ResolveUser(ctx context.Context, userID string) (*UserProfile, error)
}
