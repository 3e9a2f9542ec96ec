package state

import (
	"time"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
)

// NodeType distinguishes leaves (which carry a DATA fork) from containers.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
	NodeTrunk     NodeType = "trunk"
)

// Node is a treesystem entry. The cloud path is never stored: it is
// derived from the parent's dirPrefix and dirSalt plus the node's name.
type Node struct {
	ID          string   `json:"id"`
	LocalUserID string   `json:"localUserID"`
	TreeID      string   `json:"treeID"`
	ParentID    string   `json:"parentID,omitempty"`
	Type        NodeType `json:"type"`
	Name        string   `json:"name"`

	// Trunk is set only on trunk nodes.
	Trunk string `json:"trunk,omitempty"`

	EncryptionKey []byte              `json:"encryptionKey"`
	ShareList     sharelist.ShareList `json:"shareList"`
	DirPrefix     string              `json:"dirPrefix"`
	DirSalt       []byte              `json:"dirSalt"`

	// CloudID is empty until the first put-rcrd succeeds or the node is
	// discovered by a pull. ProvisionalCloudID is minted locally at creation
	// and embedded in the uploaded record.
	CloudID            string `json:"cloudID,omitempty"`
	ProvisionalCloudID string `json:"provisionalCloudID,omitempty"`

	SenderID string `json:"senderID,omitempty"`

	ETagRcrd         string    `json:"eTagRcrd,omitempty"`
	ETagData         string    `json:"eTagData,omitempty"`
	LastModifiedRcrd time.Time `json:"lastModifiedRcrd,omitzero"`
	LastModifiedData time.Time `json:"lastModifiedData,omitzero"`

	// LastModified is the local modification time, used to order pulls.
	LastModified time.Time `json:"lastModified"`
}

// IsTrunk reports whether n is a trunk root.
func (n *Node) IsTrunk() bool { return n.Type == NodeTrunk }

// IsLeaf reports whether n carries a DATA fork.
func (n *Node) IsLeaf() bool { return n.Type == NodeFile }

// Uploaded reports whether the node's record exists in the cloud.
func (n *Node) Uploaded() bool { return n.CloudID != "" || n.ETagRcrd != "" }

// CloudNode is a cloud object not currently mapped to a local node: a node
// queued for deletion, or an orphan detected by a pull.
type CloudNode struct {
	ID                  string                 `json:"id"`
	LocalUserID         string                 `json:"localUserID"`
	CloudID             string                 `json:"cloudID,omitempty"`
	CloudLocator        cloudpath.CloudLocator `json:"cloudLocator"`
	DirPrefix           string                 `json:"dirPrefix,omitempty"`
	ETagRcrd            string                 `json:"eTagRcrd,omitempty"`
	ETagData            string                 `json:"eTagData,omitempty"`
	IsQueuedForDeletion bool                   `json:"isQueuedForDeletion"`
	DiscoveredAt        time.Time              `json:"discoveredAt"`
}

// IsOrphan reports whether only the RCRD fork is known to exist.
func (c *CloudNode) IsOrphan() bool { return c.ETagData == "" }

// User is a known user record. Local reflects the composition of a plain
// user record with credentials held only for accounts on this device.
type User struct {
	ID        string            `json:"id"`
	PublicKey string            `json:"publicKey"`
	Region    string            `json:"region"`
	Bucket    string            `json:"bucket"`
	Local     *LocalCredentials `json:"local,omitempty"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// LocalCredentials is attached only to accounts signed in on this device.
type LocalCredentials struct {
	PrivateKeyFile string `json:"privateKeyFile"`
	AvatarETag     string `json:"avatarETag,omitempty"`
}

// PullCursor records the outcome of the last pull of a pipeline.
type PullCursor struct {
	LastPull      time.Time `json:"lastPull"`
	LastComplete  time.Time `json:"lastComplete"`
	LastError     string    `json:"lastError,omitempty"`
	Authenticated bool      `json:"authenticated"`
}
