package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

func TestLookup(t *testing.T) {
	f := setup(t)
	docs := f.create(t, f.home.ID, "docs", state.NodeDirectory)
	report := f.create(t, docs.ID, "report.txt", state.NodeFile)

	tests := []struct {
		path   string
		wantID string
	}{
		{path: "/home", wantID: f.home.ID},
		{path: "home/", wantID: f.home.ID},
		{path: "/home/docs", wantID: docs.ID},
		{path: "/home//docs/report.txt", wantID: report.ID},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.NoError(t, f.store.View(func(tx *state.Tx) error {
				n, err := Lookup(tx, testUser, testTree, tt.path)
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, n.ID)

				return nil
			}))
		})
	}
}

func TestLookupErrors(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.store.View(func(tx *state.Tx) error {
		_, err := Lookup(tx, testUser, testTree, "/")
		assert.True(t, zerrors.IsValidation(err))

		_, err = Lookup(tx, testUser, testTree, "/attic/x")
		assert.True(t, zerrors.IsValidation(err))

		_, err = Lookup(tx, testUser, testTree, "/home/missing.txt")
		assert.ErrorIs(t, err, zerrors.ErrNodeNotFound)

		_, err = Lookup(tx, testUser, "com.example.other", "/home")
		assert.ErrorIs(t, err, zerrors.ErrNodeNotFound)

		return nil
	}))
}
