package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/config"
	"github.com/alexjbarnes/zdc-sync/internal/queue"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/syncmgr"
	"github.com/alexjbarnes/zdc-sync/internal/tree"
)

// loadConfig is swapped in tests.
var loadConfig = config.Load

// openState loads the config and opens the state database. The database
// is locked while the daemon runs, so these commands fail fast then.
func openState() (*config.Config, *state.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w (is the daemon running?)", err)
	}

	return cfg, db, nil
}

func newQueueCmd() *cobra.Command {
	var (
		asYAML    bool
		stuckOnly bool
		retry     bool
		treeID    string
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued cloud operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openState()
			if err != nil {
				return err
			}
			defer db.Close()

			p := state.Pipeline{UserID: cfg.LocalUserID, TreeID: cfg.TreeID}
			if treeID != "" {
				p.TreeID = treeID
			}

			if retry {
				var n int

				if err := db.Update(func(tx *state.Tx) error {
					var err error
					n, err = queue.New(queue.Options{}).RetryStuck(tx, p.UserID, p.TreeID)

					return err
				}); err != nil {
					return fmt.Errorf("retrying stuck operations: %w", err)
				}

				fmt.Fprintf(cmd.ErrOrStderr(), "reset %d stuck operation(s)\n", n)
			}

			entries, err := syncmgr.QueueEntries(db, p, stuckOnly)
			if err != nil {
				return err
			}

			if entries == nil {
				entries = []syncmgr.QueueEntry{}
			}

			return printOut(cmd.OutOrStdout(), asYAML, entries)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&asYAML, "yaml", false, "print YAML instead of JSON")
	f.BoolVar(&stuckOnly, "stuck", false, "only list operations that stopped retrying")
	f.BoolVar(&retry, "retry", false, "reset stuck operations so the daemon retries them")
	f.StringVar(&treeID, "tree", "", "tree to list (defaults to TREE_ID)")

	return cmd
}

func newTreeCmd() *cobra.Command {
	var (
		asYAML bool
		treeID string
	)

	cmd := &cobra.Command{
		Use:     "tree [path]",
		Short:   "List a directory of the local treesystem",
		Example: "  zdc-sync tree /home/docs",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openState()
			if err != nil {
				return err
			}
			defer db.Close()

			p := state.Pipeline{UserID: cfg.LocalUserID, TreeID: cfg.TreeID}
			if treeID != "" {
				p.TreeID = treeID
			}

			path := "/home"
			if len(args) == 1 {
				path = args[0]
			}

			entries, err := syncmgr.TreeEntries(db, p, path)
			if err != nil {
				return err
			}

			if entries == nil {
				entries = []syncmgr.TreeEntry{}
			}

			return printOut(cmd.OutOrStdout(), asYAML, entries)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&asYAML, "yaml", false, "print YAML instead of JSON")
	f.StringVar(&treeID, "tree", "", "tree to list (defaults to TREE_ID)")

	return cmd
}

// objectKeys is the output of hash-key.
type objectKeys struct {
	Path    string `json:"path" yaml:"path"`
	NodeID  string `json:"node_id" yaml:"node_id"`
	Bucket  string `json:"bucket" yaml:"bucket"`
	Record  string `json:"record" yaml:"record"`
	Data    string `json:"data,omitempty" yaml:"data,omitempty"`
	CloudID string `json:"cloud_id,omitempty" yaml:"cloud_id,omitempty"`
}

func newHashKeyCmd() *cobra.Command {
	var (
		asYAML bool
		treeID string
	)

	cmd := &cobra.Command{
		Use:     "hash-key path",
		Short:   "Show the hashed object keys a cleartext path is stored under",
		Example: "  zdc-sync hash-key /home/docs/report.txt",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openState()
			if err != nil {
				return err
			}
			defer db.Close()

			if treeID == "" {
				treeID = cfg.TreeID
			}

			var out objectKeys

			err = db.View(func(tx *state.Tx) error {
				n, err := tree.Lookup(tx, cfg.LocalUserID, treeID, args[0])
				if err != nil {
					return err
				}

				rec, err := tx.CloudLocator(n, cloudpath.ExtRcrd)
				if err != nil {
					return err
				}

				out = objectKeys{
					Path:    args[0],
					NodeID:  n.ID,
					Bucket:  rec.Region + "/" + rec.Bucket,
					Record:  rec.Key(),
					CloudID: n.CloudID,
				}

				if n.IsLeaf() {
					out.Data = rec.WithExt(cloudpath.ExtData).Key()
				}

				return nil
			})
			if err != nil {
				return err
			}

			return printOut(cmd.OutOrStdout(), asYAML, out)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&asYAML, "yaml", false, "print YAML instead of JSON")
	f.StringVar(&treeID, "tree", "", "tree to resolve in (defaults to TREE_ID)")

	return cmd
}
