// Package s3store implements cloud.Store on S3-compatible object storage
// with aws-sdk-go-v2. One client serves every region; the region of each
// call comes from the bucket argument.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

// api is the subset of *s3.Client used here.
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Config configures the S3 client.
type Config struct {
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// Store is an S3-backed cloud.Store.
type Store struct {
	client api
	logger *slog.Logger
}

// New builds a Store from cfg. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return newStore(client, logger), nil
}

func newStore(client api, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger.With(slog.String("component", "s3store"))}
}

func inRegion(b cloud.Bucket) func(*s3.Options) {
	return func(o *s3.Options) {
		if b.Region != "" {
			o.Region = b.Region
		}
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}

	return aws.String(s)
}

// Head implements cloud.Store.
func (s *Store) Head(ctx context.Context, b cloud.Bucket, key string) (cloud.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.Name), Key: aws.String(key)}, inRegion(b))
	if err != nil {
		return cloud.ObjectInfo{}, classify(err, key)
	}

	return cloud.ObjectInfo{
		Key:          key,
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Size:         aws.ToInt64(out.ContentLength),
	}, nil
}

// Get implements cloud.Store.
func (s *Store) Get(ctx context.Context, b cloud.Bucket, key string) ([]byte, cloud.ObjectInfo, error) {
	return s.get(ctx, b, key, "")
}

// GetRange implements cloud.Store.
func (s *Store) GetRange(ctx context.Context, b cloud.Bucket, key string, offset, length int64) ([]byte, cloud.ObjectInfo, error) {
	return s.get(ctx, b, key, fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
}

func (s *Store) get(ctx context.Context, b cloud.Bucket, key, byteRange string) ([]byte, cloud.ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Name),
		Key:    aws.String(key),
		Range:  optString(byteRange),
	}, inRegion(b))
	if err != nil {
		return nil, cloud.ObjectInfo{}, classify(err, key)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, cloud.ObjectInfo{}, &zerrors.TransientError{Layer: zerrors.LayerS3, Err: fmt.Errorf("reading %s: %w", key, err)}
	}

	return body, cloud.ObjectInfo{
		Key:          key,
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Size:         int64(len(body)),
	}, nil
}

// Put implements cloud.Store.
func (s *Store) Put(ctx context.Context, b cloud.Bucket, key string, body []byte, opts cloud.PutOptions) (cloud.ObjectInfo, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Name),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		IfMatch:       optString(opts.IfMatch),
		IfNoneMatch:   optString(opts.IfNoneMatch),
	}, inRegion(b))
	if err != nil {
		return cloud.ObjectInfo{}, classify(err, key)
	}

	return cloud.ObjectInfo{Key: key, ETag: aws.ToString(out.ETag), LastModified: time.Now(), Size: int64(len(body))}, nil
}

// Delete implements cloud.Store.
func (s *Store) Delete(ctx context.Context, b cloud.Bucket, key, ifMatch string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(b.Name),
		Key:     aws.String(key),
		IfMatch: optString(ifMatch),
	}, inRegion(b))
	if err != nil {
		return classify(err, key)
	}

	return nil
}

// DeleteMany implements cloud.Store. Keys are sent in batches of 1000, the
// S3 limit per request.
func (s *Store) DeleteMany(ctx context.Context, b cloud.Bucket, keys []string) error {
	const batch = 1000

	for start := 0; start < len(keys); start += batch {
		chunk := keys[start:min(start+batch, len(keys))]

		ids := make([]types.ObjectIdentifier, len(chunk))
		for i, k := range chunk {
			ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Name),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}, inRegion(b))
		if err != nil {
			return classify(err, chunk[0])
		}

		if len(out.Errors) > 0 {
			first := out.Errors[0]
			s.logger.Warn("multi-delete partially failed",
				slog.String("bucket", b.Name),
				slog.Int("failed", len(out.Errors)),
				slog.String("code", aws.ToString(first.Code)),
			)

			return &zerrors.TransientError{
				Layer: zerrors.LayerS3,
				Err:   fmt.Errorf("deleting %s: %s", aws.ToString(first.Key), aws.ToString(first.Message)),
			}
		}
	}

	return nil
}

// Copy implements cloud.Store. S3 has no destination precondition on
// copies, so IfNoneMatch is checked with a HEAD first.
func (s *Store) Copy(ctx context.Context, src cloud.Bucket, srcKey string, dst cloud.Bucket, dstKey string, opts cloud.CopyOptions) (cloud.ObjectInfo, error) {
	if opts.IfNoneMatch == cloud.IfNoneMatchAny {
		_, err := s.Head(ctx, dst, dstKey)
		switch {
		case err == nil:
			return cloud.ObjectInfo{}, &zerrors.ConflictError{Key: dstKey, Err: zerrors.ErrPreconditionFailed}
		case !errors.Is(err, zerrors.ErrObjectNotFound):
			return cloud.ObjectInfo{}, err
		}
	}

	out, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(dst.Name),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(copySource(src.Name, srcKey)),
		CopySourceIfMatch: optString(opts.SourceIfMatch),
	}, inRegion(dst))
	if err != nil {
		return cloud.ObjectInfo{}, classify(err, srcKey)
	}

	info := cloud.ObjectInfo{Key: dstKey}
	if out.CopyObjectResult != nil {
		info.ETag = aws.ToString(out.CopyObjectResult.ETag)
		info.LastModified = aws.ToTime(out.CopyObjectResult.LastModified)
	}

	return info, nil
}

// List implements cloud.Lister.
func (s *Store) List(ctx context.Context, b cloud.Bucket, prefix, token string) (cloud.ListPage, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:            aws.String(b.Name),
		Prefix:            aws.String(prefix),
		ContinuationToken: optString(token),
	}, inRegion(b))
	if err != nil {
		return cloud.ListPage{}, classify(err, prefix)
	}

	page := cloud.ListPage{Objects: make([]cloud.ObjectInfo, 0, len(out.Contents))}
	for _, o := range out.Contents {
		page.Objects = append(page.Objects, cloud.ObjectInfo{
			Key:          aws.ToString(o.Key),
			ETag:         aws.ToString(o.ETag),
			LastModified: aws.ToTime(o.LastModified),
			Size:         aws.ToInt64(o.Size),
		})
	}

	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}

	return page, nil
}

// CreateMultipart implements cloud.Store.
func (s *Store) CreateMultipart(ctx context.Context, b cloud.Bucket, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Name),
		Key:    aws.String(key),
	}, inRegion(b))
	if err != nil {
		return "", classify(err, key)
	}

	return aws.ToString(out.UploadId), nil
}

// UploadPart implements cloud.Store.
func (s *Store) UploadPart(ctx context.Context, b cloud.Bucket, key, uploadID string, number int32, body []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.Name),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}, inRegion(b))
	if err != nil {
		return "", classify(err, key)
	}

	return aws.ToString(out.ETag), nil
}

// AbortMultipart implements cloud.Store.
func (s *Store) AbortMultipart(ctx context.Context, b cloud.Bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.Name),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}, inRegion(b))
	if err != nil {
		return classify(err, key)
	}

	return nil
}

// copySource escapes each path segment of bucket/key.
func copySource(bucket, key string) string {
	segs := strings.Split(bucket+"/"+key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}

	return strings.Join(segs, "/")
}

var authCodes = map[string]bool{
	"AccessDenied":          true,
	"ExpiredToken":          true,
	"InvalidAccessKeyId":    true,
	"InvalidToken":          true,
	"SignatureDoesNotMatch": true,
}

var transientCodes = map[string]bool{
	"InternalError":      true,
	"RequestTimeout":     true,
	"ServiceUnavailable": true,
	"SlowDown":           true,
	"Throttling":         true,
}

// classify maps an SDK error onto the sync error taxonomy.
func classify(err error, key string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()

		switch {
		case code == "NoSuchKey" || code == "NotFound" || code == "NoSuchUpload":
			return fmt.Errorf("%w: %s", zerrors.ErrObjectNotFound, key)
		case code == "PreconditionFailed" || code == "ConditionalRequestConflict":
			return &zerrors.ConflictError{Key: key, Err: zerrors.ErrPreconditionFailed}
		case authCodes[code]:
			return &zerrors.AuthError{Err: err}
		case transientCodes[code]:
			return &zerrors.TransientError{Layer: zerrors.LayerS3, Err: err}
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return fmt.Errorf("%w: %s", zerrors.ErrObjectNotFound, key)
		case status == http.StatusPreconditionFailed || status == http.StatusConflict:
			return &zerrors.ConflictError{Key: key, Err: zerrors.ErrPreconditionFailed}
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return &zerrors.AuthError{Err: err}
		case status == http.StatusTooManyRequests || status >= 500:
			return &zerrors.TransientError{Layer: zerrors.LayerS3, Err: err}
		default:
			return fmt.Errorf("%w: %s: %w", zerrors.ErrAPIRequest, key, err)
		}
	}

	if apiErr != nil {
		return fmt.Errorf("%w: %s: %w", zerrors.ErrAPIRequest, key, err)
	}

	// No response at all: DNS, connection reset, timeouts.
	return &zerrors.TransientError{Layer: zerrors.LayerS3, Err: err}
}

var _ cloud.Store = (*Store)(nil)
