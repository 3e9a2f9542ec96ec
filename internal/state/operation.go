package state

import (
	"time"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	"github.com/alexjbarnes/zdc-sync/internal/sharelist"
)

// OpType is the kind of cloud mutation an operation performs.
type OpType string

const (
	OpPut        OpType = "put"
	OpMove       OpType = "move"
	OpDeleteLeaf OpType = "delete-leaf"
	OpDeleteNode OpType = "delete-node"
	OpCopyLeaf   OpType = "copy-leaf"
	OpAvatar     OpType = "avatar"
)

// PutType selects the fork a put writes.
type PutType string

const (
	PutRcrd PutType = "rcrd"
	PutData PutType = "data"
)

// OpStatus is the push state of an operation.
type OpStatus string

const (
	StatusPending  OpStatus = "pending"
	StatusInFlight OpStatus = "in-flight"
	StatusConflict OpStatus = "conflict"
	StatusStuck    OpStatus = "stuck"
)

// DeleteNodeOptions controls how a delete-node sweeps descendants.
type DeleteNodeOptions uint8

const (
	// DeleteOutdatedNodes deletes manifest entries whose eTag changed in
	// the cloud since the manifest was taken.
	DeleteOutdatedNodes DeleteNodeOptions = 1 << iota
	// DeleteUnknownNodes deletes objects found under the node's dirPrefix
	// that the manifest does not list.
	DeleteUnknownNodes
	// AllowPendingDescendants confirms that descendants with queued
	// uploads may be discarded.
	AllowPendingDescendants
)

// Has reports whether all bits of f are set.
func (o DeleteNodeOptions) Has(f DeleteNodeOptions) bool { return o&f == f }

// ManifestEntry is one cloud object a delete-node removes.
type ManifestEntry struct {
	Key  string `json:"key"`
	ETag string `json:"eTag,omitempty"`
}

// Part is one uploaded multipart chunk.
type Part struct {
	Number int32  `json:"number"`
	ETag   string `json:"eTag"`
}

// Multipart is the resumable state of a multipart upload.
type Multipart struct {
	UploadID string `json:"uploadID"`
	PartSize int64  `json:"partSize"`
	Parts    []Part `json:"parts,omitempty"`
}

// FailCounts holds the successive-fail counters of an operation, one per
// layer, so that a loop at one layer is not hidden by successes at another.
type FailCounts struct {
	S3   int `json:"s3,omitempty"`
	Poll int `json:"poll,omitempty"`
	App  int `json:"app,omitempty"`
}

// Total is the sum of all counters.
func (f FailCounts) Total() int { return f.S3 + f.Poll + f.App }

// Operation is a durable pending cloud mutation.
type Operation struct {
	ID          string `json:"id"`
	Seq         uint64 `json:"seq"`
	LocalUserID string `json:"localUserID"`
	TreeID      string `json:"treeID"`

	Type    OpType  `json:"type"`
	PutType PutType `json:"putType,omitempty"`

	NodeID      string `json:"nodeID,omitempty"`
	CloudNodeID string `json:"cloudNodeID,omitempty"`
	MessageID   string `json:"messageID,omitempty"`
	RecipientID string `json:"recipientID,omitempty"`

	CloudLocator    cloudpath.CloudLocator `json:"cloudLocator"`
	DstCloudLocator cloudpath.CloudLocator `json:"dstCloudLocator,omitzero"`

	// ETag is the expected precondition for deletes and avatar swaps.
	ETag     string            `json:"eTag,omitempty"`
	IfOrphan bool              `json:"ifOrphan,omitempty"`
	Options  DeleteNodeOptions `json:"options,omitempty"`
	Manifest []ManifestEntry   `json:"manifest,omitempty"`

	// Changeset holds share list edits that must survive a merge with a
	// concurrently modified cloud record.
	Changeset sharelist.Changeset `json:"changeset,omitempty"`

	// Payload carries small inline content (avatar bytes).
	Payload []byte `json:"payload,omitempty"`

	Dependencies []string `json:"dependencies,omitempty"`
	Priority     int      `json:"priority,omitempty"`

	Status      OpStatus   `json:"status"`
	Fails       FailCounts `json:"fails"`
	NextAttempt time.Time  `json:"nextAttempt,omitzero"`
	LastError   string     `json:"lastError,omitempty"`
	Multipart   *Multipart `json:"multipart,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsPutRcrd reports whether op uploads a record.
func (op *Operation) IsPutRcrd() bool { return op.Type == OpPut && op.PutType == PutRcrd }

// IsPutData reports whether op uploads content.
func (op *Operation) IsPutData() bool { return op.Type == OpPut && op.PutType == PutData }

// Active reports whether op still awaits execution.
func (op *Operation) Active() bool {
	return op.Status == StatusPending || op.Status == StatusInFlight || op.Status == StatusConflict
}
