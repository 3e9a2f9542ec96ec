package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/delegate"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

// Downloader fetches and decrypts DATA forks.
type Downloader struct {
	DB     *state.Store
	Store  cloud.Store
	Crypto zcrypto.Provider
}

// Fetch returns the decrypted content of file node n.
func (d *Downloader) Fetch(ctx context.Context, n *state.Node) ([]byte, error) {
	var loc cloudpath.CloudLocator

	if err := d.DB.View(func(tx *state.Tx) error {
		var err error
		loc, err = tx.CloudLocator(n, cloudpath.ExtData)

		return err
	}); err != nil {
		return nil, err
	}

	b, _, err := d.Store.Get(ctx, cloud.BucketOf(loc), loc.Key())
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", loc.Key(), err)
	}

	f, err := rcrd.DecodeData(d.Crypto, n.EncryptionKey, b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", loc.Key(), err)
	}

	return f.Content, nil
}

// Delegate returns the hooks that keep Root in step with pulls and supply
// content to pushes. Hooks only touch the local disk; downloads run on the
// mirror's own goroutine.
func (m *Mirror) Delegate() *delegate.Delegate {
	return &delegate.Delegate{
		DataForNode:                 m.dataForNode,
		DidDiscoverNewNode:          m.discovered,
		DidDiscoverModifiedNode:     m.modified,
		DidDiscoverMovedNode:        m.moved,
		DidDiscoverDeletedNode:      m.deleted,
		DidDiscoverDeletedDirtyNode: m.deletedDirty,
		DidDiscoverConflictNode:     m.conflict,
	}
}

func (m *Mirror) dataForNode(_ context.Context, n *state.Node) (*rcrd.DataFork, error) {
	var (
		abs string
		ok  bool
	)

	if err := m.opts.DB.View(func(tx *state.Tx) error {
		abs, ok = m.localPath(tx, n.ID)
		return nil
	}); err != nil {
		return nil, err
	}

	if !ok {
		return &rcrd.DataFork{Content: []byte{}}, nil
	}

	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", abs, err)
	}

	m.setHash(m.relKey(abs), hashContent(b))

	return &rcrd.DataFork{Content: b}, nil
}

func (m *Mirror) discovered(tx *state.Tx, n *state.Node) {
	abs, ok := m.localPath(tx, n.ID)
	if !ok {
		return
	}

	if n.IsLeaf() {
		m.enqueue(n.ID)
		return
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		m.logger.Warn("creating directory", slog.String("path", abs), slog.String("error", err.Error()))
	}
}

func (m *Mirror) modified(tx *state.Tx, n *state.Node, c delegate.Change) {
	if c&delegate.ChangeData == 0 || !n.IsLeaf() {
		return
	}

	if _, ok := m.localPath(tx, n.ID); ok {
		m.enqueue(n.ID)
	}
}

func (m *Mirror) moved(tx *state.Tx, n *state.Node, oldParentID, oldName string) {
	parent, err := tx.Path(oldParentID)
	if err != nil {
		return
	}

	from, okFrom := m.abs(parent + "/" + oldName)
	to, okTo := m.localPath(tx, n.ID)

	switch {
	case okFrom && okTo:
		if err := os.MkdirAll(filepath.Dir(to), dirPerm); err != nil {
			m.logger.Warn("creating directory", slog.String("path", to), slog.String("error", err.Error()))
			return
		}

		if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("renaming", slog.String("from", from), slog.String("to", to), slog.String("error", err.Error()))
			return
		}

		m.moveHashes(m.relKey(from), m.relKey(to))
	case okTo:
		m.discovered(tx, n)
	case okFrom:
		m.removePath(from)
	}
}

func (m *Mirror) deleted(tx *state.Tx, n *state.Node) {
	parent, err := tx.Path(n.ParentID)
	if err != nil {
		return
	}

	if abs, ok := m.abs(parent + "/" + n.Name); ok {
		m.removePath(abs)
	}
}

func (m *Mirror) removePath(abs string) {
	key := m.relKey(abs)
	m.dropHashes(key)

	if err := os.RemoveAll(abs); err != nil {
		m.logger.Warn("removing", slog.String("path", abs), slog.String("error", err.Error()))
	}
}

func (m *Mirror) deletedDirty(tx *state.Tx, n *state.Node) {
	p, _ := tx.Path(n.ID)
	m.logger.Warn("kept locally modified file deleted remotely", slog.String("path", p))
}

// conflict moves a local node out of the way of a remote one, on disk and
// in the tree, so the remote content can be written at the original path.
func (m *Mirror) conflict(tx *state.Tx, n *state.Node, c delegate.Conflict) {
	from, ok := m.localPath(tx, n.ID)
	if !ok {
		return
	}

	name, err := freeName(tx, n.ParentID, n.Name, filepath.Dir(from))
	if err != nil {
		m.logger.Warn("choosing conflict name", slog.String("error", err.Error()))
		return
	}

	if _, err := m.opts.Tree.MoveNode(tx, n.ID, "", name); err != nil {
		m.logger.Warn("renaming conflicting node", slog.String("error", err.Error()))
		return
	}

	to := filepath.Join(filepath.Dir(from), name)

	if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("renaming conflicting file", slog.String("error", err.Error()))
	}

	m.moveHashes(m.relKey(from), m.relKey(to))
	m.logger.Info("conflict resolved by rename", slog.String("from", n.Name), slog.String("to", name), slog.String("remote_cloud_id", c.RemoteCloudID))
}

// freeName returns "stem (n).ext" for the smallest n >= 2 taken neither in
// the tree nor on disk.
func freeName(tx *state.Tx, parentID, name, dir string) (string, error) {
	stem, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		stem, ext = name[:i], name[i:]
	}

	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)

		existing, err := tx.ChildByName(parentID, candidate)
		if err != nil {
			return "", err
		}

		if existing != nil {
			continue
		}

		if _, err := os.Lstat(filepath.Join(dir, candidate)); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
	}
}

// enqueue schedules a download of nodeID's content.
func (m *Mirror) enqueue(nodeID string) {
	m.mu.Lock()
	m.fetchQ[nodeID] = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) takeQueue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.fetchQ))
	for id := range m.fetchQ {
		ids = append(ids, id)
	}

	clear(m.fetchQ)
	slices.Sort(ids)

	return ids
}

func (m *Mirror) fetchLoop(ctx context.Context) {
	for {
		for _, id := range m.takeQueue() {
			if err := m.download(ctx, id); err != nil {
				if ctx.Err() != nil {
					return
				}

				m.logger.Warn("downloading content", slog.String("node_id", id), slog.String("error", err.Error()))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

// download writes the current content of nodeID to its path.
func (m *Mirror) download(ctx context.Context, nodeID string) error {
	var (
		n   *state.Node
		abs string
		ok  bool
	)

	if err := m.opts.DB.View(func(tx *state.Tx) error {
		var err error
		if n, err = tx.Node(nodeID); err != nil {
			return err
		}

		abs, ok = m.localPath(tx, nodeID)

		return nil
	}); err != nil {
		if errors.Is(err, zerrors.ErrNodeNotFound) {
			return nil
		}

		return err
	}

	if !ok || !n.IsLeaf() || m.opts.Fetch == nil {
		return nil
	}

	if m.opts.StartDownload != nil {
		done := m.opts.StartDownload(n.LocalUserID, n.ID)
		defer done()
	}

	content, err := m.opts.Fetch.Fetch(ctx, n)
	if err != nil {
		return err
	}

	if err := writeAtomic(abs, content); err != nil {
		return err
	}

	m.setHash(m.relKey(abs), hashContent(content))
	m.logger.Debug("content written", slog.String("path", abs), slog.Int("bytes", len(content)))

	return nil
}

// writeAtomic writes b to a hidden temporary file beside path and renames
// it into place.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".zdc-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}
