package pull

import (
	"container/heap"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// Item is one record the pull cycle needs to fetch.
type Item struct {
	Parent   *state.Node
	BaseName string
	Rcrd     cloud.ObjectInfo
	Data     *cloud.ObjectInfo
	Depth    int

	// NodeID is the local node already stored at the item's path, if any.
	NodeID string
}

// Listing is one directory scheduled for enumeration.
type Listing struct {
	Dir   *state.Node
	Depth int
}

// State is the bookkeeping of one pull cycle. It is safe for concurrent
// use by the cycle's workers.
type State struct {
	mu sync.Mutex

	lists       []Listing
	items       itemHeap
	preferred   map[string]bool
	tasks       map[int]context.CancelFunc
	nextTask    int
	fetching    map[string]int
	unprocessed map[string]bool
	seen        map[string]bool
	avatars     map[string]bool
	unknown     map[string]bool
	listedDirs  map[string]bool
	listedKeys  map[string]bool

	firstChange      bool
	firstAuthFailure bool
	cancelled        bool
}

// NewState returns an empty state. preferred node IDs are fetched ahead
// of everything else.
func NewState(preferred map[string]bool) *State {
	if preferred == nil {
		preferred = make(map[string]bool)
	}

	s := &State{
		preferred:   preferred,
		tasks:       make(map[int]context.CancelFunc),
		fetching:    make(map[string]int),
		unprocessed: make(map[string]bool),
		seen:        make(map[string]bool),
		avatars:     make(map[string]bool),
		unknown:     make(map[string]bool),
		listedDirs:  make(map[string]bool),
		listedKeys:  make(map[string]bool),
	}
	s.items.preferred = preferred

	return s
}

// PreferAncestors extends the preferred set with the local ancestors of
// each preferred node, so the directories leading to it are listed and
// fetched ahead of their siblings at every level.
func (s *State) PreferAncestors(tx *state.Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range slices.Collect(maps.Keys(s.preferred)) {
		n, err := tx.Node(id)
		if errors.Is(err, zerrors.ErrNodeNotFound) {
			continue
		}

		if err != nil {
			return err
		}

		for n.ParentID != "" && !s.preferred[n.ParentID] {
			s.preferred[n.ParentID] = true

			if n, err = tx.Node(n.ParentID); err != nil {
				if errors.Is(err, zerrors.ErrNodeNotFound) {
					break
				}

				return err
			}
		}
	}

	return nil
}

// PushList schedules a directory for listing.
func (s *State) PushList(dir *state.Node, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = append(s.lists, Listing{Dir: dir, Depth: depth})
}

// PopLists removes and returns every scheduled directory, preferred
// directories first. Each call is one level: nothing deeper is listed
// until the whole level's records are fetched.
func (s *State) PopLists() []Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.lists
	s.lists = nil

	slices.SortStableFunc(out, func(a, b Listing) int {
		pa := a.Dir != nil && s.preferred[a.Dir.ID]
		pb := b.Dir != nil && s.preferred[b.Dir.ID]

		switch {
		case pa == pb:
			return 0
		case pa:
			return -1
		default:
			return 1
		}
	})

	return out
}

// MarkListed records a complete listing of dir.
func (s *State) MarkListed(dir string, objects []cloud.ObjectInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listedDirs[dir] = true

	for _, o := range objects {
		s.listedKeys[o.Key] = true
	}
}

// Listed reports whether dir was listed in this cycle and, if so, whether
// key was among its objects.
func (s *State) Listed(dir, key string) (listed, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listedDirs[dir], s.listedKeys[key]
}

// PushItem schedules a record fetch.
func (s *State) PushItem(it *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.items, it)
}

// PopItem returns the next record to fetch, or nil when none is left.
// Preferred nodes come first, then shallower ones, then the most recently
// modified.
func (s *State) PopItem() *Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Len() == 0 {
		return nil
	}

	return heap.Pop(&s.items).(*Item)
}

// Track registers the cancel function of an in-flight task and returns a
// function that unregisters it. Tracking a task after Cancel cancels it
// immediately.
func (s *State) Track(cancel context.CancelFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		cancel()
		return func() {}
	}

	id := s.nextTask
	s.nextTask++
	s.tasks[id] = cancel

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.tasks, id)
	}
}

// Cancel cancels every tracked task. The cycle's conclusions are discarded.
func (s *State) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled = true

	for id, cancel := range s.tasks {
		cancel()
		delete(s.tasks, id)
	}
}

// Cancelled reports whether Cancel was called.
func (s *State) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// StartFetch marks nodeID as being fetched until the returned function runs.
func (s *State) StartFetch(nodeID string) func() {
	if nodeID == "" {
		return func() {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetching[nodeID]++

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.fetching[nodeID]--; s.fetching[nodeID] <= 0 {
			delete(s.fetching, nodeID)
		}
	}
}

// Fetching returns the IDs of nodes with a record fetch in flight.
func (s *State) Fetching() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.fetching))
	for id := range s.fetching {
		out = append(out, id)
	}

	return out
}

// AddUnprocessed seeds the set of nodes not yet seen remotely.
func (s *State) AddUnprocessed(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		s.unprocessed[id] = true
	}
}

// MarkProcessed records that nodeID was found remotely. It returns false
// when the node was already seen in this cycle.
func (s *State) MarkProcessed(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.unprocessed, nodeID)

	if s.seen[nodeID] {
		return false
	}

	s.seen[nodeID] = true

	return true
}

// Unprocessed returns the nodes not seen remotely.
func (s *State) Unprocessed() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(s.unprocessed))
	for id := range s.unprocessed {
		out[id] = true
	}

	return out
}

// AddAvatar seeds an avatar file name expected remotely.
func (s *State) AddAvatar(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatars[name] = true
}

// MarkAvatar records that an avatar file was found.
func (s *State) MarkAvatar(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.avatars, name)
}

// UnprocessedAvatars returns the avatar file names not found remotely.
func (s *State) UnprocessedAvatars() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.avatars))
	for name := range s.avatars {
		out = append(out, name)
	}

	return out
}

// AddUnknownUser records a user referenced by a record but not known
// locally.
func (s *State) AddUnknownUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknown[id] = true
}

// UnknownUsers returns the collected unknown user IDs.
func (s *State) UnknownUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.unknown))
	for id := range s.unknown {
		out = append(out, id)
	}

	return out
}

// FlagFirstChange returns true the first time it is called.
func (s *State) FlagFirstChange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := !s.firstChange
	s.firstChange = true

	return first
}

// FlagFirstAuthFailure returns true the first time it is called.
func (s *State) FlagFirstAuthFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := !s.firstAuthFailure
	s.firstAuthFailure = true

	return first
}

type itemHeap struct {
	items     []*Item
	preferred map[string]bool
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]

	if pa, pb := h.preferred[a.NodeID], h.preferred[b.NodeID]; pa != pb {
		return pa
	}

	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}

	return lastModified(a).After(lastModified(b))
}

func lastModified(it *Item) time.Time {
	t := it.Rcrd.LastModified
	if it.Data != nil && it.Data.LastModified.After(t) {
		t = it.Data.LastModified
	}

	return t
}

func (h *itemHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *itemHeap) Push(x any) { h.items = append(h.items, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]

	return it
}
