// Package domain contains the core business entities for Alexander Lifecycle.
package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// FakeSha256 is the sentinel hash carried by synthetic nodes that have no real blob.
const FakeSha256 = "0000000000000000000000000000000000000000000000000000000000000000"

// Node represents a logical file or folder in the sharded node directory.
// A non-folder node points at a blob through its Sha256.
type Node struct {
	// ID is a monotonically increasing identifier within the node's shard.
	// It is used as the paging cursor by batch scans.
	ID int64 `json:"id"`

	// ProjectID identifies the owning project (tenant).
	ProjectID string `json:"project_id"`

	// RepoName is the repository the node lives in.
	RepoName string `json:"repo_name"`

	// FullPath is the absolute path of the node within its repository.
	FullPath string `json:"full_path"`

	// Folder is true for directory entries.
	Folder bool `json:"folder"`

	// Sha256 is the content hash of the blob. Empty for folders.
	Sha256 string `json:"sha256,omitempty"`

	// Size is the blob size in bytes.
	Size int64 `json:"size"`

	// CreatedDate is when the node was created.
	CreatedDate time.Time `json:"created_date"`

	// LastModifiedDate is when the node was last modified.
	LastModifiedDate time.Time `json:"last_modified_date"`

	// LastAccessDate is when the node was last downloaded. Nil if never accessed.
	LastAccessDate *time.Time `json:"last_access_date,omitempty"`

	// Archived is true when the blob lives only in the archive tier.
	Archived bool `json:"archived"`

	// Compressed is true when the blob is stored as a delta against a base blob.
	Compressed bool `json:"compressed"`

	// Deleted is the soft-delete timestamp. Nil for live nodes.
	Deleted *time.Time `json:"deleted,omitempty"`
}

// Name returns the last path segment of the node.
func (n *Node) Name() string {
	return path.Base(n.FullPath)
}

// Extension returns the text after the last dot of the node name,
// or the whole name when it has no dot.
func (n *Node) Extension() string {
	name := n.Name()
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// IsLive returns true if the node has not been soft-deleted.
func (n *Node) IsLive() bool {
	return n.Deleted == nil
}

// HasBlob returns true if the node points at a real blob.
func (n *Node) HasBlob() bool {
	return !n.Folder && n.Sha256 != "" && n.Sha256 != FakeSha256
}

// AccessedSince returns true if the node was accessed at or after t.
func (n *Node) AccessedSince(t time.Time) bool {
	return n.LastAccessDate != nil && !n.LastAccessDate.Before(t)
}

// String returns the node identity in project/repo/path(sha256) form.
func (n *Node) String() string {
	return fmt.Sprintf("%s/%s%s(%s)", n.ProjectID, n.RepoName, n.FullPath, n.Sha256)
}
