package syncmgr

import (
	"time"

	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/tree"
)

// QueueEntry is the listing form of a queued operation.
type QueueEntry struct {
	ID          string    `json:"id" yaml:"id"`
	Type        string    `json:"type" yaml:"type"`
	PutType     string    `json:"put_type,omitempty" yaml:"put_type,omitempty"`
	Path        string    `json:"path,omitempty" yaml:"path,omitempty"`
	Key         string    `json:"key,omitempty" yaml:"key,omitempty"`
	Status      string    `json:"status" yaml:"status"`
	FailsS3     int       `json:"fails_s3,omitempty" yaml:"fails_s3,omitempty"`
	FailsPoll   int       `json:"fails_poll,omitempty" yaml:"fails_poll,omitempty"`
	FailsApp    int       `json:"fails_app,omitempty" yaml:"fails_app,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitzero" yaml:"next_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// TreeEntry is the listing form of a node.
type TreeEntry struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path" yaml:"path"`
	Type     string `json:"type" yaml:"type"`
	NodeID   string `json:"node_id" yaml:"node_id"`
	CloudID  string `json:"cloud_id,omitempty" yaml:"cloud_id,omitempty"`
	Uploaded bool   `json:"uploaded" yaml:"uploaded"`
	Dirty    bool   `json:"dirty" yaml:"dirty"`
}

// QueueEntries lists p's queued operations in enqueue order. When
// stuckOnly is set only stuck operations are returned.
func QueueEntries(db *state.Store, p state.Pipeline, stuckOnly bool) ([]QueueEntry, error) {
	var out []QueueEntry

	err := db.View(func(tx *state.Tx) error {
		ops, err := tx.Ops(p.UserID, p.TreeID)
		if err != nil {
			return err
		}

		for _, op := range ops {
			if stuckOnly && op.Status != state.StatusStuck {
				continue
			}

			e := QueueEntry{
				ID:          op.ID,
				Type:        string(op.Type),
				PutType:     string(op.PutType),
				Status:      string(op.Status),
				FailsS3:     op.Fails.S3,
				FailsPoll:   op.Fails.Poll,
				FailsApp:    op.Fails.App,
				NextAttempt: op.NextAttempt,
				LastError:   op.LastError,
				DependsOn:   op.Dependencies,
			}

			if !op.CloudLocator.IsZero() {
				e.Key = op.CloudLocator.Key()
			}

			if op.NodeID != "" {
				// The node is gone once a delete is queued.
				e.Path, _ = tx.Path(op.NodeID)
			}

			out = append(out, e)
		}

		return nil
	})

	return out, err
}

// TreeEntries lists the children of path in p's treesystem. Dirty marks
// nodes with queued operations.
func TreeEntries(db *state.Store, p state.Pipeline, path string) ([]TreeEntry, error) {
	var out []TreeEntry

	err := db.View(func(tx *state.Tx) error {
		dir, err := tree.Lookup(tx, p.UserID, p.TreeID, path)
		if err != nil {
			return err
		}

		children, err := tx.Children(dir.ID)
		if err != nil {
			return err
		}

		base, err := tx.Path(dir.ID)
		if err != nil {
			return err
		}

		for _, n := range children {
			dirty, err := tx.HasOpsForNode(p.UserID, p.TreeID, n.ID)
			if err != nil {
				return err
			}

			out = append(out, TreeEntry{
				Name:     n.Name,
				Path:     base + "/" + n.Name,
				Type:     string(n.Type),
				NodeID:   n.ID,
				CloudID:  n.CloudID,
				Uploaded: n.ETagRcrd != "",
				Dirty:    dirty,
			})
		}

		return nil
	})

	return out, err
}
