// Package syncmgr orchestrates the push and pull engines. Each pipeline
// (one user's tree) gets a push loop and a pull loop that run
// concurrently; the manager decides when they may run based on user
// pauses, network reachability and credential failures, and publishes the
// set of nodes currently syncing.
package syncmgr

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/pull"
	"github.com/alexjbarnes/zdc-sync/internal/push"
	"github.com/alexjbarnes/zdc-sync/internal/queue"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

const (
	defaultPollInterval = 5 * time.Minute

	// refreshInterval is how often the syncing set is recomputed while an
	// engine is running.
	refreshInterval = time.Second
)

// State is the activity of one account.
type State int

const (
	StateIdle State = iota
	StatePulling
	StatePushing
	StatePullingPushing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StatePushing:
		return "pushing"
	case StatePullingPushing:
		return "pulling+pushing"
	case StatePaused:
		return "paused"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Config tunes the manager.
type Config struct {
	// PollInterval is the period of the fallback pull when no push
	// notification arrives. Zero takes the default.
	PollInterval time.Duration
}

// Deps are the collaborators of a Manager.
type Deps struct {
	DB    *state.Store
	Queue *queue.Queue
	Push  *push.Engine
	Pull  *pull.Engine
}

// SyncingChange is broadcast when the syncing set of a user changes.
type SyncingChange struct {
	UserID  string
	NodeIDs []string
}

type account struct {
	paused  bool
	authErr error
}

type pipe struct {
	p      state.Pipeline
	pullC  chan struct{}
	pushC  chan struct{}
	cancel context.CancelFunc

	pulling bool
	pushing bool
	started bool
}

// Manager runs the sync loops of every pipeline.
type Manager struct {
	Deps

	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	pipes     map[state.Pipeline]*pipe
	accounts  map[string]*account
	reachable bool
	downloads map[string]map[string]int
	syncing   map[string][]string
	subs      map[int]chan SyncingChange
	nextSub   int

	runCtx context.Context
	wg     sync.WaitGroup
}

// New returns a Manager wired to the engines' hooks.
func New(deps Deps, cfg Config, logger *slog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	m := &Manager{
		Deps:      deps,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "syncmgr")),
		pipes:     make(map[state.Pipeline]*pipe),
		accounts:  make(map[string]*account),
		reachable: true,
		downloads: make(map[string]map[string]int),
		syncing:   make(map[string][]string),
		subs:      make(map[int]chan SyncingChange),
	}

	deps.Push.OnConflict = m.TriggerPull
	deps.Push.OnAuthFailure = m.authFailure
	deps.Pull.OnAuthFailure = m.authFailure

	return m
}

// Add registers a pipeline. Pipelines found in the database are added by
// Run; a pipeline added while Run is active starts at once.
func (m *Manager) Add(p state.Pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pp := m.pipes[p]
	if pp == nil {
		pp = &pipe{p: p, pullC: make(chan struct{}, 1), pushC: make(chan struct{}, 1)}
		m.pipes[p] = pp
	}

	if m.accounts[p.UserID] == nil {
		m.accounts[p.UserID] = &account{}
	}

	if m.runCtx != nil && !pp.started {
		m.start(pp)
	}
}

// Pipelines returns the registered pipelines.
func (m *Manager) Pipelines() []state.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]state.Pipeline, 0, len(m.pipes))
	for p := range m.pipes {
		out = append(out, p)
	}

	slices.SortFunc(out, func(a, b state.Pipeline) int {
		if a.UserID != b.UserID {
			return cmp.Compare(a.UserID, b.UserID)
		}

		return cmp.Compare(a.TreeID, b.TreeID)
	})

	return out
}

// Run starts every pipeline and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var known []state.Pipeline

	if err := m.DB.View(func(tx *state.Tx) error {
		var err error
		known, err = tx.Pipelines()

		return err
	}); err != nil {
		return fmt.Errorf("loading pipelines: %w", err)
	}

	for _, p := range known {
		m.Add(p)
	}

	m.mu.Lock()
	m.runCtx = ctx

	for _, pp := range m.pipes {
		m.start(pp)
	}
	m.mu.Unlock()

	m.logger.Info("sync manager started", slog.Int("pipelines", len(m.Pipelines())), slog.Duration("poll_interval", m.cfg.PollInterval))

	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()

			m.mu.Lock()
			m.runCtx = nil
			for _, pp := range m.pipes {
				pp.started = false
			}
			m.mu.Unlock()

			m.logger.Info("sync manager stopped")

			return ctx.Err()

		case <-poll.C:
			for _, p := range m.Pipelines() {
				m.TriggerPull(p)
			}

		case <-refresh.C:
			for _, user := range m.activeUsers() {
				m.refresh(user)
			}
		}
	}
}

// start launches the loops of pp. Caller holds mu.
func (m *Manager) start(pp *pipe) {
	pp.started = true

	if err := m.Push.Prepare(pp.p); err != nil {
		m.logger.Warn("resetting in-flight operations", slog.String("user", pp.p.UserID), slog.String("error", err.Error()))
	}

	ctx := m.runCtx

	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		m.pushLoop(ctx, pp)
	}()

	go func() {
		defer m.wg.Done()
		m.pullLoop(ctx, pp)
	}()

	signal(pp.pullC)
	signal(pp.pushC)
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (m *Manager) pipe(p state.Pipeline) *pipe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipes[p]
}

// TriggerPull asks for a pull cycle of p, such as after a push
// notification. Triggers coalesce while a cycle is running.
func (m *Manager) TriggerPull(p state.Pipeline) {
	if pp := m.pipe(p); pp != nil {
		signal(pp.pullC)
	}
}

// TriggerPush asks for a drain of p's queue.
func (m *Manager) TriggerPush(p state.Pipeline) {
	if pp := m.pipe(p); pp != nil {
		signal(pp.pushC)
	}
}

// TriggerUser asks for a pull of every pipeline of userID.
func (m *Manager) TriggerUser(userID string) {
	for _, p := range m.Pipelines() {
		if p.UserID == userID {
			m.TriggerPull(p)
		}
	}
}

// Update runs fn in a write transaction and schedules a drain of p when it
// commits. Local mutations go through here so their operations are pushed
// promptly.
func (m *Manager) Update(p state.Pipeline, fn func(tx *state.Tx) error) error {
	if err := m.DB.Update(fn); err != nil {
		return err
	}

	m.Add(p)
	m.TriggerPush(p)
	m.refresh(p.UserID)

	return nil
}

func (m *Manager) pushLoop(ctx context.Context, pp *pipe) {
	log := m.logger.With(slog.String("user", pp.p.UserID), slog.String("tree", pp.p.TreeID))

	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-pp.pushC:
		case <-retry:
		}

		retry = nil

		if !m.canPush(pp.p.UserID) {
			continue
		}

		dctx, cancel := context.WithCancel(ctx)
		m.setPushing(pp, true, cancel)

		err := m.Push.Drain(dctx, pp.p)

		cancel()
		m.setPushing(pp, false, nil)
		m.refresh(pp.p.UserID)

		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.Canceled):
			log.Info("push aborted")
		case zerrors.IsAuth(err):
			// authFailure already paused the account.
		default:
			log.Warn("push drain failed", slog.String("error", err.Error()))
		}

		if next, ok := m.nextAttempt(pp.p); ok {
			retry = time.After(time.Until(next))
		}
	}
}

func (m *Manager) nextAttempt(p state.Pipeline) (time.Time, bool) {
	var next time.Time

	err := m.DB.View(func(tx *state.Tx) error {
		var err error
		next, err = m.Queue.NextAttempt(tx, p.UserID, p.TreeID)

		return err
	})
	if err != nil {
		m.logger.Warn("reading next retry", slog.String("error", err.Error()))
		return time.Time{}, false
	}

	return next, !next.IsZero()
}

func (m *Manager) pullLoop(ctx context.Context, pp *pipe) {
	log := m.logger.With(slog.String("user", pp.p.UserID), slog.String("tree", pp.p.TreeID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-pp.pullC:
		}

		if !m.canPull(pp.p.UserID) {
			continue
		}

		m.setPulling(pp, true)
		m.refresh(pp.p.UserID)

		res, err := m.Pull.Pull(ctx, pp.p)

		m.setPulling(pp, false)
		m.refresh(pp.p.UserID)

		switch {
		case err == nil:
			if res.Changed() {
				log.Debug("pull applied remote changes")
			}

			// Conflicted operations reconciled by the pull are ready again.
			m.TriggerPush(pp.p)
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.Canceled):
			log.Info("pull cancelled")
		case zerrors.IsAuth(err):
			m.authFailure(pp.p, err)
		default:
			log.Warn("pull failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) setPushing(pp *pipe, v bool, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pp.pushing = v
	pp.cancel = cancel
}

func (m *Manager) setPulling(pp *pipe, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pp.pulling = v
}

func (m *Manager) canPush(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.accounts[userID]

	return m.reachable && a != nil && !a.paused && a.authErr == nil
}

func (m *Manager) canPull(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.accounts[userID]

	return m.reachable && a != nil && a.authErr == nil
}

// Pause stops draining userID's queues. Pulls continue. With abort,
// uploads in flight are interrupted; their operations stay queued.
func (m *Manager) Pause(userID string, abort bool) {
	m.mu.Lock()

	a := m.accounts[userID]
	if a == nil {
		a = &account{}
		m.accounts[userID] = a
	}

	a.paused = true

	if abort {
		m.abortPushesLocked(userID)
	}
	m.mu.Unlock()

	m.logger.Info("push paused", slog.String("user", userID), slog.Bool("abort", abort))
}

// Resume lifts a pause and clears a recorded credential failure.
func (m *Manager) Resume(userID string) {
	m.mu.Lock()
	if a := m.accounts[userID]; a != nil {
		a.paused = false
		a.authErr = nil
	}
	m.mu.Unlock()

	m.logger.Info("sync resumed", slog.String("user", userID))

	for _, p := range m.Pipelines() {
		if p.UserID == userID {
			m.TriggerPull(p)
			m.TriggerPush(p)
		}
	}
}

// SetReachable records a network reachability change. Losing the network
// stops both engines; regaining it restarts them.
func (m *Manager) SetReachable(v bool) {
	m.mu.Lock()
	if m.reachable == v {
		m.mu.Unlock()
		return
	}

	m.reachable = v

	if !v {
		for user := range m.accounts {
			m.abortPushesLocked(user)
		}
	}
	m.mu.Unlock()

	m.logger.Info("reachability changed", slog.Bool("reachable", v))

	for _, p := range m.Pipelines() {
		if v {
			m.TriggerPull(p)
			m.TriggerPush(p)
		} else {
			m.Pull.Cancel(p)
		}
	}
}

// abortPushesLocked cancels the drains of userID. Caller holds mu.
func (m *Manager) abortPushesLocked(userID string) {
	for p, pp := range m.pipes {
		if p.UserID == userID && pp.cancel != nil {
			pp.cancel()
		}
	}
}

// CredentialsRejected records a credential failure reported outside the
// engines, such as by the notification channel.
func (m *Manager) CredentialsRejected(userID string, err error) {
	m.authFailure(state.Pipeline{UserID: userID}, err)
}

// authFailure pauses both engines of the account until Resume.
func (m *Manager) authFailure(p state.Pipeline, err error) {
	m.mu.Lock()

	a := m.accounts[p.UserID]
	if a == nil {
		a = &account{}
		m.accounts[p.UserID] = a
	}

	first := a.authErr == nil
	a.authErr = err
	m.abortPushesLocked(p.UserID)
	m.mu.Unlock()

	for _, q := range m.Pipelines() {
		if q.UserID == p.UserID && q != p {
			m.Pull.Cancel(q)
		}
	}

	if first {
		m.logger.Error("credentials rejected, sync paused", slog.String("user", p.UserID), slog.String("error", err.Error()))
	}
}

// State returns the activity of userID.
func (m *Manager) State(userID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.accounts[userID]; !m.reachable || a == nil || a.paused || a.authErr != nil {
		return StatePaused
	}

	var pulling, pushing bool

	for p, pp := range m.pipes {
		if p.UserID == userID {
			pulling = pulling || pp.pulling
			pushing = pushing || pp.pushing
		}
	}

	switch {
	case pulling && pushing:
		return StatePullingPushing
	case pulling:
		return StatePulling
	case pushing:
		return StatePushing
	}

	return StateIdle
}

func (m *Manager) activeUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string

	for p, pp := range m.pipes {
		if (pp.pulling || pp.pushing) && !slices.Contains(out, p.UserID) {
			out = append(out, p.UserID)
		}
	}

	return out
}
