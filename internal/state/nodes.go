package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

// Node returns the node with id, or ErrNodeNotFound.
func (t *Tx) Node(id string) (*Node, error) {
	n := &Node{}

	ok, err := getJSON(t.bucket(nodesBucket), []byte(id), n)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, zerrors.ErrNodeNotFound)
	}

	return n, nil
}

// HasNode reports whether a node with id exists.
func (t *Tx) HasNode(id string) bool {
	return t.bucket(nodesBucket).Get([]byte(id)) != nil
}

// PutNode inserts or updates n and maintains every secondary index.
func (t *Tx) PutNode(n *Node) error {
	if n.ID == "" {
		return zerrors.Invalid("node id", "empty")
	}

	old, err := t.Node(n.ID)
	if err != nil && !isNotFound(err) {
		return err
	}

	if err := t.unindex(old); err != nil {
		return err
	}

	if err := putJSON(t.bucket(nodesBucket), []byte(n.ID), n); err != nil {
		return fmt.Errorf("storing node %s: %w", n.ID, err)
	}

	return t.index(n)
}

// DeleteNode removes a node and its index entries. Children are left to
// the caller, which must delete them first.
func (t *Tx) DeleteNode(id string) error {
	n, err := t.Node(id)
	if err != nil {
		if isNotFound(err) {
			return nil
		}

		return err
	}

	if err := t.unindex(n); err != nil {
		return err
	}

	return t.bucket(nodesBucket).Delete([]byte(id))
}

func isNotFound(err error) bool {
	return errors.Is(err, zerrors.ErrNodeNotFound)
}

func (t *Tx) index(n *Node) error {
	if n.CloudID != "" {
		if err := t.bucket(cloudIDIndex).Put(compositeKey(n.LocalUserID, n.CloudID), []byte(n.ID)); err != nil {
			return err
		}
	}

	if n.ParentID != "" {
		if err := t.bucket(childrenIndex).Put(compositeKey(n.ParentID, n.ID), present); err != nil {
			return err
		}
	}

	if n.IsTrunk() {
		return t.bucket(trunkIndex).Put(compositeKey(n.LocalUserID, n.TreeID, n.Trunk), []byte(n.ID))
	}

	key, err := t.pathKey(n)
	if err != nil || key == nil {
		return err
	}

	if err := t.bucket(pathIndex).Put(key, []byte(n.ID)); err != nil {
		return err
	}

	return t.bucket(pathReverseIndex).Put([]byte(n.ID), key)
}

func (t *Tx) unindex(n *Node) error {
	if n == nil {
		return nil
	}

	if n.CloudID != "" {
		key := compositeKey(n.LocalUserID, n.CloudID)
		if bytes.Equal(t.bucket(cloudIDIndex).Get(key), []byte(n.ID)) {
			if err := t.bucket(cloudIDIndex).Delete(key); err != nil {
				return err
			}
		}
	}

	if n.ParentID != "" {
		if err := t.bucket(childrenIndex).Delete(compositeKey(n.ParentID, n.ID)); err != nil {
			return err
		}
	}

	if n.IsTrunk() {
		return t.bucket(trunkIndex).Delete(compositeKey(n.LocalUserID, n.TreeID, n.Trunk))
	}

	rev := t.bucket(pathReverseIndex)

	key := rev.Get([]byte(n.ID))
	if key == nil {
		return nil
	}

	key = bytes.Clone(key)

	if bytes.Equal(t.bucket(pathIndex).Get(key), []byte(n.ID)) {
		if err := t.bucket(pathIndex).Delete(key); err != nil {
			return err
		}
	}

	return rev.Delete([]byte(n.ID))
}

// pathKey returns the dirPrefix+hashedName index key of n, or nil when the
// parent is not known yet.
func (t *Tx) pathKey(n *Node) ([]byte, error) {
	p, err := t.CloudPath(n)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	return compositeKey(n.LocalUserID, p.TreeID, p.DirPrefix, p.BaseName()), nil
}

// CloudPath derives the extension-less cloud path of n from its parent.
func (t *Tx) CloudPath(n *Node) (cloudpath.CloudPath, error) {
	if n.IsTrunk() {
		return cloudpath.CloudPath{}, zerrors.Invalid("node", "trunk %s has no cloud path", n.Trunk)
	}

	parent, err := t.Node(n.ParentID)
	if err != nil {
		return cloudpath.CloudPath{}, err
	}

	return cloudpath.Derive(n.TreeID, parent.DirPrefix, parent.DirSalt, n.Name, "")
}

// CloudLocator derives the locator of one fork of n in its owner's bucket.
func (t *Tx) CloudLocator(n *Node, ext string) (cloudpath.CloudLocator, error) {
	p, err := t.CloudPath(n)
	if err != nil {
		return cloudpath.CloudLocator{}, err
	}

	u, err := t.User(n.LocalUserID)
	if err != nil {
		return cloudpath.CloudLocator{}, err
	}

	if u == nil {
		return cloudpath.CloudLocator{}, zerrors.Structural(fmt.Errorf("user %s: %w", n.LocalUserID, zerrors.ErrReceiverNotFound))
	}

	return cloudpath.CloudLocator{Region: u.Region, Bucket: u.Bucket, Path: p.WithExt(ext)}, nil
}

// NodeByCloudID returns the node with cloudID, or nil.
func (t *Tx) NodeByCloudID(userID, cloudID string) (*Node, error) {
	id := t.bucket(cloudIDIndex).Get(compositeKey(userID, cloudID))
	if id == nil {
		return nil, nil
	}

	return t.Node(string(id))
}

// NodeByCloudName returns the node stored at dirPrefix/hashedName, or nil.
func (t *Tx) NodeByCloudName(userID, treeID, dirPrefix, hashedName string) (*Node, error) {
	id := t.bucket(pathIndex).Get(compositeKey(userID, treeID, dirPrefix, hashedName))
	if id == nil {
		return nil, nil
	}

	return t.Node(string(id))
}

// Trunk returns the trunk node of a user's tree, or nil.
func (t *Tx) Trunk(userID, treeID string, trunk cloudpath.Trunk) (*Node, error) {
	id := t.bucket(trunkIndex).Get(compositeKey(userID, treeID, trunk.String()))
	if id == nil {
		return nil, nil
	}

	return t.Node(string(id))
}

// ChildIDs returns the IDs of parentID's children in key order.
func (t *Tx) ChildIDs(parentID string) []string {
	var out []string

	prefix := compositeKey(parentID, "")
	c := t.bucket(childrenIndex).Cursor()

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		out = append(out, string(k[len(prefix):]))
	}

	return out
}

// Children returns parentID's children.
func (t *Tx) Children(parentID string) ([]*Node, error) {
	ids := t.ChildIDs(parentID)
	out := make([]*Node, 0, len(ids))

	for _, id := range ids {
		n, err := t.Node(id)
		if err != nil {
			return nil, err
		}

		out = append(out, n)
	}

	return out, nil
}

// ChildByName returns the child of parentID whose name normalises to the
// same cloud name as name, or nil.
func (t *Tx) ChildByName(parentID, name string) (*Node, error) {
	want := cloudpath.NormalizeName(name)

	children, err := t.Children(parentID)
	if err != nil {
		return nil, err
	}

	for _, c := range children {
		if cloudpath.NormalizeName(c.Name) == want {
			return c, nil
		}
	}

	return nil, nil
}

// Descendants returns every node below id, parents before children.
func (t *Tx) Descendants(id string) ([]*Node, error) {
	var out []*Node

	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := t.Children(cur)
		if err != nil {
			return nil, err
		}

		for _, c := range children {
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}

	return out, nil
}

// Ancestors returns the IDs from id's parent up to its trunk.
func (t *Tx) Ancestors(id string) ([]string, error) {
	var out []string

	n, err := t.Node(id)
	if err != nil {
		return nil, err
	}

	for n.ParentID != "" {
		out = append(out, n.ParentID)

		if n, err = t.Node(n.ParentID); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Depth returns the number of ancestors of id.
func (t *Tx) Depth(id string) (int, error) {
	a, err := t.Ancestors(id)
	return len(a), err
}

// IsDescendant reports whether id lies below ancestorID.
func (t *Tx) IsDescendant(id, ancestorID string) (bool, error) {
	a, err := t.Ancestors(id)
	if err != nil {
		return false, err
	}

	for _, p := range a {
		if p == ancestorID {
			return true, nil
		}
	}

	return false, nil
}

// Nodes returns every node of a user's tree.
func (t *Tx) Nodes(userID, treeID string) ([]*Node, error) {
	var out []*Node

	err := t.bucket(nodesBucket).ForEach(func(_, v []byte) error {
		n := &Node{}
		if err := json.Unmarshal(v, n); err != nil {
			return err
		}

		if n.LocalUserID == userID && n.TreeID == treeID {
			out = append(out, n)
		}

		return nil
	})

	return out, err
}

// Path returns the cleartext path of id, such as /home/docs/report.txt.
func (t *Tx) Path(id string) (string, error) {
	n, err := t.Node(id)
	if err != nil {
		return "", err
	}

	if n.IsTrunk() {
		return "/" + n.Trunk, nil
	}

	parent, err := t.Path(n.ParentID)
	if err != nil {
		return "", err
	}

	return parent + "/" + n.Name, nil
}

// PutCloudNode stores c and indexes it by locator key.
func (t *Tx) PutCloudNode(c *CloudNode) error {
	if err := putJSON(t.bucket(cloudNodesBucket), []byte(c.ID), c); err != nil {
		return err
	}

	return t.bucket(cloudNodeIndex).Put(compositeKey(c.LocalUserID, c.CloudLocator.Path.BaseName()), []byte(c.ID))
}

// CloudNode returns a cloud node, or nil.
func (t *Tx) CloudNode(id string) (*CloudNode, error) {
	c := &CloudNode{}

	ok, err := getJSON(t.bucket(cloudNodesBucket), []byte(id), c)
	if err != nil || !ok {
		return nil, err
	}

	return c, nil
}

// CloudNodeByName returns the cloud node stored under a hashed name, or nil.
func (t *Tx) CloudNodeByName(userID, hashedName string) (*CloudNode, error) {
	id := t.bucket(cloudNodeIndex).Get(compositeKey(userID, hashedName))
	if id == nil {
		return nil, nil
	}

	return t.CloudNode(string(id))
}

// DeleteCloudNode removes a cloud node.
func (t *Tx) DeleteCloudNode(id string) error {
	c, err := t.CloudNode(id)
	if err != nil || c == nil {
		return err
	}

	key := compositeKey(c.LocalUserID, c.CloudLocator.Path.BaseName())
	if bytes.Equal(t.bucket(cloudNodeIndex).Get(key), []byte(id)) {
		if err := t.bucket(cloudNodeIndex).Delete(key); err != nil {
			return err
		}
	}

	return t.bucket(cloudNodesBucket).Delete([]byte(id))
}

// CloudNodes returns every cloud node of a user.
func (t *Tx) CloudNodes(userID string) ([]*CloudNode, error) {
	var out []*CloudNode

	err := t.bucket(cloudNodesBucket).ForEach(func(_, v []byte) error {
		c := &CloudNode{}
		if err := json.Unmarshal(v, c); err != nil {
			return err
		}

		if c.LocalUserID == userID {
			out = append(out, c)
		}

		return nil
	})

	return out, err
}
