// Package mirror keeps a local directory in step with the home trunk of
// one pipeline. Filesystem events become treesystem mutations, and nodes
// discovered by a pull are written to disk through the delegate hooks.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/tree"
)

const (
	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)

	// debounceInterval is how often pending filesystem events are checked;
	// a path must be quiet for settleTime before it is handled.
	debounceInterval = 250 * time.Millisecond
	settleTime       = 300 * time.Millisecond
)

// Fetcher downloads the content of a file node.
type Fetcher interface {
	Fetch(ctx context.Context, n *state.Node) ([]byte, error)
}

// Options configure a Mirror.
type Options struct {
	Root     string
	Pipeline state.Pipeline
	DB       *state.Store
	Tree     *tree.Tree

	// Update runs a tree mutation. It should schedule a push when it
	// commits; nil uses DB.Update.
	Update func(fn func(tx *state.Tx) error) error

	Fetch Fetcher

	// StartDownload, if set, marks a node as syncing while its content
	// is downloaded.
	StartDownload func(userID, nodeID string) func()
}

// Mirror maps the home trunk onto Root.
type Mirror struct {
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
	// hashes holds the content hash last written or read per relative
	// path, so our own writes are not pushed back.
	hashes map[string]string
	fetchQ map[string]bool
	wake   chan struct{}
}

// New returns a Mirror.
func New(opts Options, logger *slog.Logger) *Mirror {
	if opts.Update == nil {
		opts.Update = opts.DB.Update
	}

	return &Mirror{
		opts:   opts,
		logger: logger.With(slog.String("component", "mirror"), slog.String("root", opts.Root)),
		hashes: make(map[string]string),
		fetchQ: make(map[string]bool),
		wake:   make(chan struct{}, 1),
	}
}

// Run imports the directory, then watches it and writes discovered
// content until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	if err := os.MkdirAll(m.opts.Root, dirPerm); err != nil {
		return fmt.Errorf("creating mirror dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := m.addRecursive(watcher, m.opts.Root); err != nil {
		return fmt.Errorf("watching mirror dir: %w", err)
	}

	if err := m.Import(); err != nil {
		return err
	}

	if err := m.queueMissing(); err != nil {
		return err
	}

	m.logger.Info("mirror started")

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		m.fetchLoop(ctx)
	}()

	defer wg.Wait()

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if m.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				if event.Has(fsnotify.Create) {
					if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
						_ = m.addRecursive(watcher, event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
				m.handleRemove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			m.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, path)
				m.handleWrite(path)
			}
		}
	}
}

func (m *Mirror) addRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && m.ignored(path) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

// ignored reports whether path is hidden or a temporary download.
func (m *Mirror) ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

// rel converts an absolute path below Root into slash-separated
// components.
func (m *Mirror) rel(abs string) ([]string, error) {
	r, err := filepath.Rel(m.opts.Root, abs)
	if err != nil {
		return nil, err
	}

	r = filepath.ToSlash(r)
	if r == "." || strings.HasPrefix(r, "../") || r == ".." {
		return nil, fmt.Errorf("%s is outside %s", abs, m.opts.Root)
	}

	return strings.Split(r, "/"), nil
}

func (m *Mirror) home(tx *state.Tx) (*state.Node, error) {
	n, err := tx.Trunk(m.opts.Pipeline.UserID, m.opts.Pipeline.TreeID, cloudpath.TrunkHome)
	if err != nil {
		return nil, err
	}

	if n == nil {
		trunks, err := m.opts.Tree.EnsureTrunks(tx, m.opts.Pipeline.UserID, m.opts.Pipeline.TreeID)
		if err != nil {
			return nil, err
		}

		n = trunks[cloudpath.TrunkHome]
	}

	return n, nil
}

// resolve returns the node at parts below the home trunk, or nil.
func (m *Mirror) resolve(tx *state.Tx, parts []string) (*state.Node, error) {
	n, err := m.home(tx)
	if err != nil {
		return nil, err
	}

	for _, name := range parts {
		if n, err = tx.ChildByName(n.ID, name); err != nil || n == nil {
			return nil, err
		}
	}

	return n, nil
}

// ensure creates the nodes along parts that do not exist yet. The last
// component gets typ, earlier ones are directories.
func (m *Mirror) ensure(tx *state.Tx, parts []string, typ state.NodeType) (*state.Node, bool, error) {
	n, err := m.home(tx)
	if err != nil {
		return nil, false, err
	}

	created := false

	for i, name := range parts {
		child, err := tx.ChildByName(n.ID, name)
		if err != nil {
			return nil, false, err
		}

		if child == nil {
			t := state.NodeDirectory
			if i == len(parts)-1 {
				t = typ
			}

			if child, err = m.opts.Tree.CreateNode(tx, n.ID, name, tree.CreateOptions{Type: t}); err != nil {
				return nil, false, fmt.Errorf("creating %s: %w", strings.Join(parts[:i+1], "/"), err)
			}

			created = true
		}

		n = child
	}

	return n, created, nil
}

func hashContent(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func (m *Mirror) setHash(rel, h string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h == "" {
		delete(m.hashes, rel)
		return
	}

	m.hashes[rel] = h
}

func (m *Mirror) hash(rel string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[rel]
}

// moveHashes re-keys the hashes under from to to.
func (m *Mirror) moveHashes(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, h := range m.hashes {
		if k == from || strings.HasPrefix(k, from+"/") {
			delete(m.hashes, k)
			m.hashes[to+strings.TrimPrefix(k, from)] = h
		}
	}
}

// dropHashes forgets the hashes at and under key.
func (m *Mirror) dropHashes(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.hashes {
		if k == key || strings.HasPrefix(k, key+"/") {
			delete(m.hashes, k)
		}
	}
}

// handleWrite turns a created or modified path into a create node or a
// content upload.
func (m *Mirror) handleWrite(abs string) {
	parts, err := m.rel(abs)
	if err != nil {
		return
	}

	log := m.logger.With(slog.String("path", strings.Join(parts, "/")))

	info, err := os.Lstat(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("stat failed", slog.String("error", err.Error()))
		}

		return
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return
	}

	if info.IsDir() {
		err := m.opts.Update(func(tx *state.Tx) error {
			_, _, err := m.ensure(tx, parts, state.NodeDirectory)
			return err
		})
		if err != nil {
			log.Warn("creating directory node", slog.String("error", err.Error()))
		}

		return
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		log.Warn("reading file", slog.String("error", err.Error()))
		return
	}

	key := strings.Join(parts, "/")
	h := hashContent(content)

	if m.hash(key) == h {
		return
	}

	err = m.opts.Update(func(tx *state.Tx) error {
		n, created, err := m.ensure(tx, parts, state.NodeFile)
		if err != nil || created {
			return err
		}

		if !n.IsLeaf() {
			return zerrors.Invalid("path", "%s is a directory in the tree", key)
		}

		_, err = m.opts.Tree.QueueDataUpload(tx, n.ID)

		return err
	})
	if err != nil {
		log.Warn("queueing upload", slog.String("error", err.Error()))
		return
	}

	m.setHash(key, h)
	log.Debug("local change queued")
}

// handleRemove deletes the node at a removed path, if the tree still has
// one there.
func (m *Mirror) handleRemove(abs string) {
	parts, err := m.rel(abs)
	if err != nil {
		return
	}

	key := strings.Join(parts, "/")

	err = m.opts.Update(func(tx *state.Tx) error {
		n, err := m.resolve(tx, parts)
		if err != nil || n == nil {
			return err
		}

		// Removing a directory on disk already discarded its contents.
		_, err = m.opts.Tree.DeleteNode(tx, n.ID, state.AllowPendingDescendants)

		return err
	})
	if err != nil {
		m.logger.Warn("deleting node", slog.String("path", key), slog.String("error", err.Error()))
		return
	}

	m.dropHashes(key)
}

// Import creates nodes for files and directories under Root the tree does
// not know yet.
func (m *Mirror) Import() error {
	return filepath.WalkDir(m.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == m.opts.Root {
			return nil
		}

		if m.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		parts, err := m.rel(path)
		if err != nil {
			return err
		}

		typ := state.NodeFile
		if d.IsDir() {
			typ = state.NodeDirectory
		}

		var created bool

		if err := m.opts.Update(func(tx *state.Tx) error {
			_, created, err = m.ensure(tx, parts, typ)
			return err
		}); err != nil {
			return err
		}

		if created && typ == state.NodeFile {
			if b, err := os.ReadFile(path); err == nil {
				m.setHash(strings.Join(parts, "/"), hashContent(b))
			}
		}

		return nil
	})
}

// queueMissing schedules downloads of uploaded files absent from disk.
func (m *Mirror) queueMissing() error {
	return m.opts.DB.View(func(tx *state.Tx) error {
		home, err := tx.Trunk(m.opts.Pipeline.UserID, m.opts.Pipeline.TreeID, cloudpath.TrunkHome)
		if err != nil || home == nil {
			return err
		}

		desc, err := tx.Descendants(home.ID)
		if err != nil {
			return err
		}

		for _, n := range desc {
			abs, ok := m.localPath(tx, n.ID)
			if !ok {
				continue
			}

			if _, err := os.Lstat(abs); !errors.Is(err, fs.ErrNotExist) {
				continue
			}

			if n.IsLeaf() {
				if n.ETagData != "" {
					m.enqueue(n.ID)
				}

				continue
			}

			if err := os.MkdirAll(abs, dirPerm); err != nil {
				return err
			}
		}

		return nil
	})
}

// localPath maps a node of the home trunk to its absolute path.
func (m *Mirror) localPath(tx *state.Tx, id string) (string, bool) {
	p, err := tx.Path(id)
	if err != nil {
		return "", false
	}

	return m.abs(p)
}

func (m *Mirror) abs(treePath string) (string, bool) {
	prefix := "/" + cloudpath.TrunkHome.String()

	switch {
	case treePath == prefix:
		return m.opts.Root, true
	case strings.HasPrefix(treePath, prefix+"/"):
		return filepath.Join(m.opts.Root, filepath.FromSlash(strings.TrimPrefix(treePath, prefix+"/"))), true
	}

	return "", false
}

func (m *Mirror) relKey(abs string) string {
	parts, err := m.rel(abs)
	if err != nil {
		return ""
	}

	return strings.Join(parts, "/")
}
