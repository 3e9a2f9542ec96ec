package delegate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/zdc-sync/internal/rcrd"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

func TestNilDelegateDefaults(t *testing.T) {
	var d *Delegate

	fork, err := d.NodeData(context.Background(), &state.Node{})
	require.NoError(t, err)
	assert.Empty(t, fork.Content)
	assert.NotNil(t, fork.Content)

	assert.Nil(t, d.Preferred())
	assert.NotPanics(t, func() {
		d.NewNode(nil, &state.Node{})
		d.DeletedDirtyNode(nil, &state.Node{})
		d.ConflictNode(nil, &state.Node{}, Conflict{})
	})
}

func TestMultiFansOut(t *testing.T) {
	var got []string

	a := &Delegate{
		DidDiscoverNewNode: func(_ *state.Tx, n *state.Node) { got = append(got, "a:"+n.ID) },
		PreferredNodeIDs:   func() []string { return []string{"n1"} },
	}
	b := &Delegate{
		DidDiscoverNewNode: func(_ *state.Tx, n *state.Node) { got = append(got, "b:"+n.ID) },
		DataForNode: func(context.Context, *state.Node) (*rcrd.DataFork, error) {
			return &rcrd.DataFork{Content: []byte("from b")}, nil
		},
	}

	m := Multi(a, nil, b)
	m.NewNode(nil, &state.Node{ID: "x"})
	assert.Equal(t, []string{"a:x", "b:x"}, got)

	fork, err := m.NodeData(context.Background(), &state.Node{})
	require.NoError(t, err)
	assert.Equal(t, "from b", string(fork.Content))
	assert.Equal(t, map[string]bool{"n1": true}, m.Preferred())
}

func TestChangeString(t *testing.T) {
	assert.Equal(t, "record+data", (ChangeRecord | ChangeData).String())
	assert.Equal(t, "data", ChangeData.String())
}
