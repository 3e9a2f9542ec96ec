package syncmgr

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// PipelineStatus summarises one pipeline's queue and pull history.
type PipelineStatus struct {
	TreeID       string    `json:"tree_id" yaml:"tree_id"`
	Pending      int       `json:"pending" yaml:"pending"`
	InFlight     int       `json:"in_flight" yaml:"in_flight"`
	Conflict     int       `json:"conflict" yaml:"conflict"`
	Stuck        int       `json:"stuck" yaml:"stuck"`
	NextAttempt  time.Time `json:"next_attempt,omitzero" yaml:"next_attempt,omitempty"`
	LastPull     time.Time `json:"last_pull,omitzero" yaml:"last_pull,omitempty"`
	LastComplete time.Time `json:"last_complete,omitzero" yaml:"last_complete,omitempty"`
	LastError    string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Status is the externally visible state of one account.
type Status struct {
	UserID      string           `json:"user_id" yaml:"user_id"`
	State       string           `json:"state" yaml:"state"`
	PauseReason string           `json:"pause_reason,omitempty" yaml:"pause_reason,omitempty"`
	Syncing     int              `json:"syncing" yaml:"syncing"`
	Pipelines   []PipelineStatus `json:"pipelines" yaml:"pipelines"`
}

// Status reports the state of userID and its pipelines.
func (m *Manager) Status(userID string) (Status, error) {
	st := Status{UserID: userID, State: m.State(userID).String(), PauseReason: m.PauseReason(userID)}

	m.mu.Lock()
	st.Syncing = len(m.syncing[userID])
	m.mu.Unlock()

	err := m.DB.View(func(tx *state.Tx) error {
		for _, p := range m.Pipelines() {
			if p.UserID != userID {
				continue
			}

			counts, err := m.Queue.Counts(tx, p.UserID, p.TreeID)
			if err != nil {
				return err
			}

			next, err := m.Queue.NextAttempt(tx, p.UserID, p.TreeID)
			if err != nil {
				return err
			}

			cur, err := tx.PullCursor(p.UserID, p.TreeID)
			if err != nil {
				return err
			}

			st.Pipelines = append(st.Pipelines, PipelineStatus{
				TreeID:       p.TreeID,
				Pending:      counts[state.StatusPending],
				InFlight:     counts[state.StatusInFlight],
				Conflict:     counts[state.StatusConflict],
				Stuck:        counts[state.StatusStuck],
				NextAttempt:  next,
				LastPull:     cur.LastPull,
				LastComplete: cur.LastComplete,
				LastError:    cur.LastError,
			})
		}

		return nil
	})

	return st, err
}

// PauseReason explains why userID is not syncing, or returns "".
func (m *Manager) PauseReason(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.accounts[userID]

	switch {
	case !m.reachable:
		return "network unreachable"
	case a == nil:
		return "unknown account"
	case a.authErr != nil:
		return "credentials rejected: " + a.authErr.Error()
	case a.paused:
		return "paused by user"
	}

	return ""
}

// Operations returns every queued operation of p in enqueue order.
func (m *Manager) Operations(p state.Pipeline) ([]*state.Operation, error) {
	var ops []*state.Operation

	err := m.DB.View(func(tx *state.Tx) error {
		var err error
		ops, err = tx.Ops(p.UserID, p.TreeID)

		return err
	})

	return ops, err
}

// Stuck returns the operations of p that exceeded a fail threshold.
func (m *Manager) Stuck(p state.Pipeline) ([]*state.Operation, error) {
	ops, err := m.Operations(p)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(ops, func(op *state.Operation) bool { return op.Status != state.StatusStuck }), nil
}

// RetryStuck clears the fail counters of p's stuck operations and
// schedules a drain.
func (m *Manager) RetryStuck(p state.Pipeline) (int, error) {
	var n int

	err := m.DB.Update(func(tx *state.Tx) error {
		var err error
		n, err = m.Queue.RetryStuck(tx, p.UserID, p.TreeID)

		return err
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		m.logger.Info("retrying stuck operations", slog.String("user", p.UserID), slog.Int("count", n))
		m.TriggerPush(p)
	}

	return n, nil
}

// StartDownload marks nodeID of userID as syncing until the returned
// function runs. Used for content fetches made outside the engines.
func (m *Manager) StartDownload(userID, nodeID string) func() {
	m.mu.Lock()
	if m.downloads[userID] == nil {
		m.downloads[userID] = make(map[string]int)
	}
	m.downloads[userID][nodeID]++
	m.mu.Unlock()

	m.refresh(userID)

	return func() {
		m.mu.Lock()
		if m.downloads[userID][nodeID]--; m.downloads[userID][nodeID] <= 0 {
			delete(m.downloads[userID], nodeID)
		}
		m.mu.Unlock()

		m.refresh(userID)
	}
}

// SyncingNodeIDs returns the nodes of userID with queued or in-flight
// operations, their ancestors, the nodes whose records a pull is
// fetching, and the nodes with external downloads in progress.
func (m *Manager) SyncingNodeIDs(userID string) ([]string, error) {
	set := make(map[string]bool)

	var pipes []state.Pipeline

	for _, p := range m.Pipelines() {
		if p.UserID == userID {
			pipes = append(pipes, p)
		}
	}

	err := m.DB.View(func(tx *state.Tx) error {
		for _, p := range pipes {
			dirty, err := m.Queue.DirtyNodeIDs(tx, p.UserID, p.TreeID)
			if err != nil {
				return err
			}

			for id := range dirty {
				set[id] = true

				anc, err := tx.Ancestors(id)
				if errors.Is(err, zerrors.ErrNodeNotFound) {
					continue
				}

				if err != nil {
					return err
				}

				for _, a := range anc {
					set[a] = true
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range pipes {
		for _, id := range m.Pull.Fetching(p) {
			set[id] = true
		}
	}

	m.mu.Lock()
	for id := range m.downloads[userID] {
		set[id] = true
	}
	m.mu.Unlock()

	delete(set, "")

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}

	slices.Sort(out)

	return out, nil
}

// Subscribe returns a channel receiving syncing-set changes and a function
// that ends the subscription. Slow subscribers miss intermediate changes;
// SyncingNodeIDs always has the current set.
func (m *Manager) Subscribe() (<-chan SyncingChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++

	ch := make(chan SyncingChange, 16)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// refresh recomputes the syncing set of userID and broadcasts it when it
// changed.
func (m *Manager) refresh(userID string) {
	ids, err := m.SyncingNodeIDs(userID)
	if err != nil {
		m.logger.Warn("computing syncing nodes", slog.String("user", userID), slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if slices.Equal(ids, m.syncing[userID]) {
		return
	}

	m.syncing[userID] = ids

	change := SyncingChange{UserID: userID, NodeIDs: ids}
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
