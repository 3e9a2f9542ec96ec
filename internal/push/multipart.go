package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

const partAttempts = 3

// multipart uploads body in parts. Ciphertext differs on every encode, so
// an upload left by an earlier attempt is aborted rather than resumed. The
// precondition is checked when the upload completes.
func (e *Engine) multipart(ctx context.Context, op *state.Operation, body []byte, opts cloud.PutOptions) (cloud.ObjectInfo, error) {
	b := cloud.BucketOf(op.CloudLocator)
	key := op.CloudLocator.Key()

	if op.Multipart != nil && op.Multipart.UploadID != "" {
		if err := e.Store.AbortMultipart(ctx, b, key, op.Multipart.UploadID); err != nil && !isNotFound(err) {
			e.logger.Warn("aborting stale upload", slog.String("key", key), slog.String("error", err.Error()))
		}
	}

	uploadID, err := e.Store.CreateMultipart(ctx, b, key)
	if err != nil {
		return cloud.ObjectInfo{}, fmt.Errorf("starting multipart upload: %w", err)
	}

	mp := &state.Multipart{UploadID: uploadID, PartSize: e.cfg.PartSize}
	if err := e.saveMultipart(op, mp); err != nil {
		return cloud.ObjectInfo{}, err
	}

	var parts []cloud.Part

	for off, num := int64(0), int32(1); off < int64(len(body)); off, num = off+mp.PartSize, num+1 {
		end := min(off+mp.PartSize, int64(len(body)))

		etag, err := e.uploadPart(ctx, b, key, uploadID, num, body[off:end])
		if err != nil {
			return cloud.ObjectInfo{}, err
		}

		parts = append(parts, cloud.Part{Number: num, ETag: etag})
		mp.Parts = append(mp.Parts, state.Part{Number: num, ETag: etag})

		if err := e.saveMultipart(op, mp); err != nil {
			return cloud.ObjectInfo{}, err
		}
	}

	info, err := e.Completer.CompleteMultipart(ctx, b, key, uploadID, parts, opts)
	if err != nil {
		return cloud.ObjectInfo{}, fmt.Errorf("completing multipart upload: %w", err)
	}

	return info, nil
}

func (e *Engine) uploadPart(ctx context.Context, b cloud.Bucket, key, uploadID string, num int32, chunk []byte) (string, error) {
	var err error

	for attempt := 1; attempt <= partAttempts; attempt++ {
		var etag string

		etag, err = e.Store.UploadPart(ctx, b, key, uploadID, num, chunk)
		if err == nil {
			return etag, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		e.logger.Debug("part upload failed", slog.String("key", key), slog.Int("part", int(num)), slog.Int("attempt", attempt))
	}

	return "", fmt.Errorf("uploading part %d: %w", num, err)
}

func (e *Engine) saveMultipart(op *state.Operation, mp *state.Multipart) error {
	op.Multipart = mp

	return e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Op(op.LocalUserID, op.TreeID, op.ID)
		if err != nil || cur == nil {
			return err
		}

		cur.Multipart = mp

		return tx.PutOp(cur)
	})
}
