// Package pull reconciles cloud state into the local treesystem. A pull
// cycle lists every directory reachable from the trunks, fetches the
// records that changed, applies them to local nodes and, only after a
// complete traversal, removes the nodes no longer present remotely.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/delegate"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/tree"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

const (
	defaultWorkers     = 8
	defaultOrphanGrace = 24 * time.Hour
)

// Config tunes the engine.
type Config struct {
	Workers     int
	OrphanGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.OrphanGrace <= 0 {
		c.OrphanGrace = defaultOrphanGrace
	}

	return c
}

// Deps are the collaborators of an Engine. Lister enumerates directories;
// it is the list proxy when one is configured and Store otherwise.
type Deps struct {
	DB       *state.Store
	Tree     *tree.Tree
	Store    cloud.Store
	Lister   cloud.Lister
	Users    cloud.UserResolver
	Crypto   zcrypto.Provider
	Keys     *zcrypto.KeyPair
	Delegate *delegate.Delegate
}

// Result summarises one pull cycle.
type Result struct {
	Complete      bool
	New           int
	Modified      int
	Moved         int
	Deleted       int
	DeferredDirty int
	Conflicts     int
	Orphans       int
}

// Changed reports whether the cycle altered the local tree.
func (r Result) Changed() bool {
	return r.New+r.Modified+r.Moved+r.Deleted+r.Conflicts > 0
}

// Engine runs pull cycles.
type Engine struct {
	Deps

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[state.Pipeline]*State

	// OnFirstChange runs once per cycle when the first remote change is
	// applied.
	OnFirstChange func(p state.Pipeline)

	// OnAuthFailure runs when storage starts rejecting credentials that
	// previously worked.
	OnAuthFailure func(p state.Pipeline, err error)
}

// New returns an Engine. cfg fields left zero take defaults.
func New(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if deps.Lister == nil {
		deps.Lister = deps.Store
	}

	return &Engine{
		Deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "pull")),
		now:    time.Now,
		active: make(map[state.Pipeline]*State),
	}
}

// Cancel aborts the running cycle of p, if any. A cancelled cycle keeps
// the changes it already applied but deletes nothing.
func (e *Engine) Cancel(p state.Pipeline) {
	e.mu.Lock()
	ps := e.active[p]
	e.mu.Unlock()

	if ps != nil {
		ps.Cancel()
	}
}

// Fetching returns the nodes of p whose records are being fetched.
func (e *Engine) Fetching(p state.Pipeline) []string {
	e.mu.Lock()
	ps := e.active[p]
	e.mu.Unlock()

	if ps == nil {
		return nil
	}

	return ps.Fetching()
}

// Active reports whether a cycle of p is running.
func (e *Engine) Active(p state.Pipeline) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[p] != nil
}

func (e *Engine) register(p state.Pipeline, ps *State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active[p] != nil {
		return fmt.Errorf("pull of %s/%s already running", p.UserID, p.TreeID)
	}

	e.active[p] = ps

	return nil
}

func (e *Engine) unregister(p state.Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, p)
}

// Pull runs one cycle for p.
func (e *Engine) Pull(ctx context.Context, p state.Pipeline) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ps := NewState(e.Delegate.Preferred())
	ps.Track(cancel)

	if err := e.register(p, ps); err != nil {
		return Result{}, err
	}
	defer e.unregister(p)

	c := &cycle{
		Engine: e,
		p:      p,
		ps:     ps,
		log:    e.logger.With(slog.String("user", p.UserID), slog.String("tree", p.TreeID)),
		found:  make(map[string]cloud.ObjectInfo),
	}

	started := e.now()
	err := c.run(ctx)

	if err == nil && ps.Cancelled() {
		err = context.Canceled
	}

	c.res.Complete = err == nil

	if cerr := e.recordCursor(p, started, err); cerr != nil {
		c.log.Warn("saving pull cursor", slog.String("error", cerr.Error()))
	}

	if err != nil {
		return c.res, err
	}

	c.log.Info("pull complete",
		slog.Int("new", c.res.New),
		slog.Int("modified", c.res.Modified),
		slog.Int("moved", c.res.Moved),
		slog.Int("deleted", c.res.Deleted),
		slog.Int("deferred", c.res.DeferredDirty),
		slog.Int("conflicts", c.res.Conflicts),
		slog.Duration("took", e.now().Sub(started)),
	)

	return c.res, nil
}

func (e *Engine) recordCursor(p state.Pipeline, started time.Time, cause error) error {
	var lostAuth bool

	err := e.DB.Update(func(tx *state.Tx) error {
		cur, err := tx.PullCursor(p.UserID, p.TreeID)
		if err != nil {
			return err
		}

		cur.LastPull = started
		cur.LastError = ""

		switch {
		case cause == nil:
			cur.LastComplete = started
			cur.Authenticated = true
		case zerrors.IsAuth(cause):
			lostAuth = cur.Authenticated
			cur.LastError = cause.Error()
			cur.Authenticated = false
		case !errors.Is(cause, context.Canceled):
			cur.LastError = cause.Error()
		}

		return tx.SetPullCursor(p.UserID, p.TreeID, cur)
	})

	if lostAuth && e.OnAuthFailure != nil {
		e.OnAuthFailure(p, cause)
	}

	return err
}

// cycle is the working set of one Pull call.
type cycle struct {
	*Engine

	p      state.Pipeline
	ps     *State
	log    *slog.Logger
	bucket cloud.Bucket
	res    Result

	mu    sync.Mutex
	found map[string]cloud.ObjectInfo
}

func (c *cycle) run(ctx context.Context) error {
	if err := c.seed(); err != nil {
		return err
	}

	for {
		lists := c.ps.PopLists()
		if len(lists) == 0 {
			break
		}

		if err := c.listLevel(ctx, lists); err != nil {
			return err
		}

		if err := c.fetchItems(ctx); err != nil {
			return err
		}
	}

	if ctx.Err() != nil || c.ps.Cancelled() {
		return context.Canceled
	}

	if err := c.sweep(); err != nil {
		return fmt.Errorf("sweeping deleted nodes: %w", err)
	}

	if err := c.releaseConflicts(); err != nil {
		return fmt.Errorf("releasing parked operations: %w", err)
	}

	if err := c.avatars(); err != nil {
		return fmt.Errorf("reconciling avatar: %w", err)
	}

	return c.resolveUsers(ctx)
}

// seed records every known node as unprocessed and schedules the trunks.
func (c *cycle) seed() error {
	return c.DB.Update(func(tx *state.Tx) error {
		u, err := tx.User(c.p.UserID)
		if err != nil {
			return err
		}

		if u == nil || u.Bucket == "" {
			return zerrors.Structural(fmt.Errorf("%w: %s", zerrors.ErrReceiverNotFound, c.p.UserID))
		}

		c.bucket = cloud.Bucket{Region: u.Region, Name: u.Bucket}

		if err := c.ps.PreferAncestors(tx); err != nil {
			return err
		}

		trunks, err := c.Tree.EnsureTrunks(tx, c.p.UserID, c.p.TreeID)
		if err != nil {
			return err
		}

		nodes, err := tx.Nodes(c.p.UserID, c.p.TreeID)
		if err != nil {
			return err
		}

		for _, n := range nodes {
			if !n.IsTrunk() {
				c.ps.AddUnprocessed(n.ID)
			}
		}

		if u.Local != nil && u.Local.AvatarETag != "" {
			if p, err := cloudpath.AvatarPath(c.Keys.Private[:], c.p.UserID, c.p.TreeID); err == nil {
				c.ps.AddAvatar(p.BaseName())
			}
		}

		for _, tr := range cloudpath.Trunks {
			c.ps.PushList(trunks[tr], 1)
		}

		return nil
	})
}

// listLevel enumerates one level of directories and schedules fetches.
func (c *cycle) listLevel(ctx context.Context, lists []Listing) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for _, l := range lists {
		g.Go(func() error {
			objects, err := c.list(gctx, l.Dir)
			if err != nil {
				return fmt.Errorf("listing %s: %w", l.Dir.Name, err)
			}

			c.ps.MarkListed(cloudpath.DirPath(c.p.TreeID, l.Dir.DirPrefix), objects)

			return c.scan(l, objects)
		})
	}

	return g.Wait()
}

func (c *cycle) list(ctx context.Context, dir *state.Node) ([]cloud.ObjectInfo, error) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	untrack := c.ps.Track(cancel)
	defer untrack()

	prefix := cloudpath.DirPath(c.p.TreeID, dir.DirPrefix)

	var (
		out   []cloud.ObjectInfo
		token string
	)

	for {
		page, err := c.Lister.List(tctx, c.bucket, prefix, token)
		if err != nil {
			return nil, err
		}

		out = append(out, page.Objects...)

		if page.NextToken == "" {
			return out, nil
		}

		token = page.NextToken
	}
}

// forks groups the objects of one node.
type forks struct {
	rcrd *cloud.ObjectInfo
	data *cloud.ObjectInfo
}

// scan matches listed objects against local nodes. Unchanged records are
// settled here; everything else is queued for fetching.
func (c *cycle) scan(l Listing, objects []cloud.ObjectInfo) error {
	groups := make(map[string]*forks)

	for _, o := range objects {
		p, err := cloudpath.Parse(o.Key)
		if err != nil {
			c.log.Debug("skipping foreign key", slog.String("key", o.Key))
			continue
		}

		base := p.BaseName()

		if p.Ext() == cloudpath.ExtAvatar {
			c.ps.MarkAvatar(base)
			c.mu.Lock()
			c.found[base] = o
			c.mu.Unlock()

			continue
		}

		g := groups[base]
		if g == nil {
			g = &forks{}
			groups[base] = g
		}

		switch p.Ext() {
		case cloudpath.ExtRcrd:
			g.rcrd = &o
		case cloudpath.ExtData:
			g.data = &o
		}
	}

	return c.DB.Update(func(tx *state.Tx) error {
		for base, g := range groups {
			if g.rcrd == nil {
				continue
			}

			cn, err := tx.CloudNodeByName(c.p.UserID, base)
			if err != nil {
				return err
			}

			if cn != nil && cn.IsQueuedForDeletion {
				continue
			}

			n, err := tx.NodeByCloudName(c.p.UserID, c.p.TreeID, l.Dir.DirPrefix, base)
			if err != nil {
				return err
			}

			if n != nil && n.ETagRcrd == g.rcrd.ETag {
				if err := c.unchanged(tx, n, g, l.Depth); err != nil {
					return err
				}

				continue
			}

			it := &Item{Parent: l.Dir, BaseName: base, Rcrd: *g.rcrd, Data: g.data, Depth: l.Depth}
			if n != nil {
				it.NodeID = n.ID
			}

			c.ps.PushItem(it)
		}

		return nil
	})
}

// unchanged settles a node whose record eTag matches the listing. A node
// with queued operations has its content eTag reconciled and its parked
// operations released, since the cloud now matches what they expect.
func (c *cycle) unchanged(tx *state.Tx, n *state.Node, g *forks, depth int) error {
	c.ps.MarkProcessed(n.ID)

	if !n.IsLeaf() {
		c.ps.PushList(n, depth+1)
	}

	ops, err := tx.OpsForNode(n.LocalUserID, n.TreeID, n.ID)
	if err != nil {
		return err
	}

	if len(ops) > 0 {
		if n.IsLeaf() && g.data != nil && g.data.ETag != n.ETagData {
			report := c.adoptData(n, ops, g.data)

			if err := tx.PutNode(n); err != nil {
				return err
			}

			if report {
				c.changed()
				c.res.Modified++
				c.Delegate.ModifiedNode(tx, n, delegate.ChangeData)
			}
		}

		return c.Tree.Queue().ResetConflicts(tx, n)
	}

	if !n.IsLeaf() {
		return nil
	}

	if g.data == nil {
		return c.orphan(tx, *g.rcrd, n.CloudID)
	}

	if g.data.ETag == n.ETagData {
		return nil
	}

	n.ETagData = g.data.ETag
	n.LastModifiedData = g.data.LastModified

	if err := tx.PutNode(n); err != nil {
		return err
	}

	c.changed()
	c.res.Modified++
	c.Delegate.ModifiedNode(tx, n, delegate.ChangeData)

	return nil
}

// fetchItems drains the fetch heap through the worker pool.
func (c *cycle) fetchItems(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for it := c.ps.PopItem(); it != nil; it = c.ps.PopItem() {
		g.Go(func() error {
			return c.fetch(gctx, it)
		})
	}

	return g.Wait()
}

func (c *cycle) fetch(ctx context.Context, it *Item) error {
	done := c.ps.StartFetch(it.NodeID)
	defer done()

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	untrack := c.ps.Track(cancel)
	defer untrack()

	raw, info, err := c.Store.Get(tctx, c.bucket, it.Rcrd.Key)
	if err != nil {
		if errors.Is(err, zerrors.ErrObjectNotFound) {
			c.log.Debug("record vanished during pull", slog.String("key", it.Rcrd.Key))
			return nil
		}

		return fmt.Errorf("fetching %s: %w", it.Rcrd.Key, err)
	}

	plain, err := rcrd.Decode(c.Crypto, raw, sharelist.UserKey(c.p.UserID), c.Keys)
	if err != nil {
		c.log.Warn("skipping unreadable record", slog.String("key", it.Rcrd.Key), slog.String("error", err.Error()))
		return c.protect(it.NodeID)
	}

	return c.DB.Update(func(tx *state.Tx) error {
		return c.apply(tx, it, plain, info)
	})
}

// protect keeps a node and its subtree out of the deletion sweep when its
// record could not be read.
func (c *cycle) protect(nodeID string) error {
	if nodeID == "" {
		return nil
	}

	return c.DB.View(func(tx *state.Tx) error {
		c.ps.MarkProcessed(nodeID)

		desc, err := tx.Descendants(nodeID)
		if err != nil {
			return err
		}

		for _, d := range desc {
			c.ps.MarkProcessed(d.ID)
		}

		return nil
	})
}

func (c *cycle) changed() {
	if c.ps.FlagFirstChange() && c.OnFirstChange != nil {
		c.OnFirstChange(c.p)
	}
}
