// Package push drains operation queues into object storage. Each drain
// claims the ready operations of a pipeline, executes them on a bounded
// worker pool and records the outcome: success removes the operation and
// updates the node's cloud metadata in one transaction, conflicts park the
// operation until a pull reconciles the node, and other failures are
// charged to one of three successive-fail counters.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/delegate"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/queue"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

const (
	backoffMin = 5 * time.Second
	backoffMax = 5 * time.Minute

	defaultWorkers            = 4
	defaultMultipartThreshold = 16 * 1024 * 1024
	defaultPartSize           = 8 * 1024 * 1024
)

// Thresholds is the number of successive failures per layer after which
// an operation is parked as stuck.
type Thresholds struct {
	S3   int
	Poll int
	App  int
}

// For returns the threshold of layer l.
func (t Thresholds) For(l zerrors.Layer) int {
	switch l {
	case zerrors.LayerS3:
		return t.S3
	case zerrors.LayerPoll:
		return t.Poll
	}

	return t.App
}

// Config tunes the engine.
type Config struct {
	Workers            int
	MultipartThreshold int64
	PartSize           int64
	Thresholds         Thresholds
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = defaultMultipartThreshold
	}

	if c.PartSize <= 0 {
		c.PartSize = defaultPartSize
	}

	if c.Thresholds.S3 <= 0 {
		c.Thresholds.S3 = 10
	}

	if c.Thresholds.Poll <= 0 {
		c.Thresholds.Poll = 10
	}

	if c.Thresholds.App <= 0 {
		c.Thresholds.App = 5
	}

	return c
}

// Deps are the collaborators of an Engine.
type Deps struct {
	DB        *state.Store
	Queue     *queue.Queue
	Store     cloud.Store
	Completer cloud.Completer
	Users     cloud.UserResolver
	Crypto    zcrypto.Provider
	Keys      *zcrypto.KeyPair
	Delegate  *delegate.Delegate
}

// Engine executes queued operations.
type Engine struct {
	Deps

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// OnConflict runs after an operation of p is parked as conflicted, so
	// a pull can reconcile the node.
	OnConflict func(p state.Pipeline)

	// OnAuthFailure runs when storage rejects the credentials.
	OnAuthFailure func(p state.Pipeline, err error)
}

// New returns an Engine. cfg fields left zero take defaults.
func New(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		Deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "push")),
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Backoff returns the delay before retry n (1-based): 5s doubling per
// failure, capped at 5 minutes, plus up to 50% jitter.
func Backoff(n int) time.Duration {
	d := backoffMin
	for i := 1; i < n && d < backoffMax; i++ {
		d *= 2
	}

	d = min(d, backoffMax)

	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

// Prepare returns operations left in-flight by an interrupted run to
// pending. Call once per pipeline before the first Drain.
func (e *Engine) Prepare(p state.Pipeline) error {
	return e.DB.Update(func(tx *state.Tx) error {
		return e.Queue.ResetInFlight(tx, p.UserID, p.TreeID)
	})
}

// Drain executes ready operations of p until none is ready. It returns
// early on an auth failure or when ctx is cancelled; operations
// interrupted by cancellation stay queued.
func (e *Engine) Drain(ctx context.Context, p state.Pipeline) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.claim(p)
		if err != nil {
			return fmt.Errorf("claiming operations: %w", err)
		}

		if len(batch) == 0 {
			return nil
		}

		e.logger.Debug("draining batch", slog.String("user", p.UserID), slog.Int("ops", len(batch)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)

		for _, op := range batch {
			g.Go(func() error {
				return e.process(gctx, p, op)
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// claim marks the ready operations of p in-flight and returns them.
func (e *Engine) claim(p state.Pipeline) ([]*state.Operation, error) {
	var batch []*state.Operation

	err := e.DB.Update(func(tx *state.Tx) error {
		ready, err := e.Queue.Ready(tx, p.UserID, p.TreeID)
		if err != nil {
			return err
		}

		for _, op := range ready {
			op.Status = state.StatusInFlight
			if err := tx.PutOp(op); err != nil {
				return err
			}
		}

		batch = ready

		return nil
	})

	return batch, err
}

func (e *Engine) process(ctx context.Context, p state.Pipeline, op *state.Operation) error {
	log := e.logger.With(
		slog.String("op_id", op.ID),
		slog.String("type", string(op.Type)),
		slog.String("key", op.CloudLocator.Key()),
	)

	err := e.execute(ctx, op)
	if err == nil {
		log.Info("operation complete")
		return nil
	}

	if ctx.Err() != nil {
		if rerr := e.release(op); rerr != nil {
			log.Warn("releasing interrupted operation", slog.String("error", rerr.Error()))
		}

		return ctx.Err()
	}

	return e.fail(p, op, err, log)
}

func (e *Engine) execute(ctx context.Context, op *state.Operation) error {
	switch {
	case op.IsPutRcrd():
		return e.putRcrd(ctx, op)
	case op.IsPutData():
		return e.putData(ctx, op)
	case op.Type == state.OpMove:
		return e.move(ctx, op)
	case op.Type == state.OpDeleteLeaf:
		return e.deleteLeaf(ctx, op)
	case op.Type == state.OpDeleteNode:
		return e.deleteNode(ctx, op)
	case op.Type == state.OpCopyLeaf:
		return e.copyLeaf(ctx, op)
	case op.Type == state.OpAvatar:
		return e.avatar(ctx, op)
	}

	return zerrors.Invalid("operation", "unknown type %q", op.Type)
}

// release returns an interrupted operation to pending without charging
// any counter.
func (e *Engine) release(op *state.Operation) error {
	return e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Op(op.LocalUserID, op.TreeID, op.ID)
		if err != nil || cur == nil {
			return err
		}

		cur.Status = state.StatusPending

		return tx.PutOp(cur)
	})
}

// bump increments the counter of layer l and returns its new value.
func bump(f *state.FailCounts, l zerrors.Layer) int {
	switch l {
	case zerrors.LayerS3:
		f.S3++
		return f.S3
	case zerrors.LayerPoll:
		f.Poll++
		return f.Poll
	}

	f.App++

	return f.App
}

// fail records a failed attempt. Only auth failures are returned, to stop
// the drain.
func (e *Engine) fail(p state.Pipeline, op *state.Operation, cause error, log *slog.Logger) error {
	class := zerrors.Classify(cause)

	var (
		stuck bool
		count int
		layer = zerrors.LayerApp
	)

	err := e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.Op(op.LocalUserID, op.TreeID, op.ID)
		if err != nil || cur == nil {
			return err
		}

		cur.LastError = cause.Error()

		switch class {
		case zerrors.ClassConflict:
			cur.Status = state.StatusConflict
			cur.NextAttempt = time.Time{}
		case zerrors.ClassAuth:
			cur.Status = state.StatusPending
		default:
			if class == zerrors.ClassTransient {
				layer = zerrors.TransientLayer(cause)
			}

			count = bump(&cur.Fails, layer)
			if count >= e.cfg.Thresholds.For(layer) {
				cur.Status = state.StatusStuck
				stuck = true
			} else {
				cur.Status = state.StatusPending
				cur.NextAttempt = e.now().Add(Backoff(count))
			}
		}

		return tx.PutOp(cur)
	})
	if err != nil {
		return fmt.Errorf("recording failure of %s: %w", op.ID, err)
	}

	attrs := []any{slog.String("class", class.String()), slog.String("error", cause.Error())}

	switch {
	case class == zerrors.ClassConflict:
		log.Info("operation conflicted, awaiting pull", attrs...)

		if e.OnConflict != nil {
			e.OnConflict(p)
		}
	case class == zerrors.ClassAuth:
		log.Warn("operation rejected credentials", attrs...)

		if e.OnAuthFailure != nil {
			e.OnAuthFailure(p, cause)
		}

		return cause
	case stuck:
		log.Error("operation stuck", append(attrs, slog.String("layer", layer.String()), slog.Int("fail_count", count))...)
	default:
		log.Warn("operation failed, will retry", append(attrs, slog.String("layer", layer.String()), slog.Int("fail_count", count))...)
	}

	return nil
}

// drop removes an operation whose target no longer exists locally.
func (e *Engine) drop(op *state.Operation, why string) error {
	e.logger.Debug("dropping obsolete operation", slog.String("op_id", op.ID), slog.String("reason", why))

	return e.DB.Update(func(tx *state.Tx) error {
		return tx.DeleteOp(op)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, zerrors.ErrObjectNotFound)
}

func isNodeGone(err error) bool {
	return errors.Is(err, zerrors.ErrNodeNotFound)
}
