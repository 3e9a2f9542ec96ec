package tree

import (
	"fmt"
	"strings"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// Lookup resolves a cleartext path such as /home/docs/report.txt to its
// node. The first component names the trunk.
func Lookup(tx *state.Tx, userID, treeID, path string) (*state.Node, error) {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return nil, zerrors.Invalid("path", "%q does not name a trunk", path)
	}

	trunk, ok := cloudpath.ParseTrunk(parts[0])
	if !ok {
		return nil, zerrors.Invalid("path", "unknown trunk %q", parts[0])
	}

	n, err := tx.Trunk(userID, treeID, trunk)
	if err != nil {
		return nil, err
	}

	if n == nil {
		return nil, fmt.Errorf("trunk %s: %w", trunk, zerrors.ErrNodeNotFound)
	}

	for _, name := range parts[1:] {
		child, err := tx.ChildByName(n.ID, name)
		if err != nil {
			return nil, err
		}

		if child == nil {
			return nil, fmt.Errorf("%s: %w", path, zerrors.ErrNodeNotFound)
		}

		n = child
	}

	return n, nil
}
