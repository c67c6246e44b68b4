package domain

import "time"

// BlobKey identifies a blob within a storage: its content hash plus the
// credentials key of the storage it lives in.
type BlobKey struct {
	Sha256         string `json:"sha256"`
	CredentialsKey string `json:"credentials_key"`
}

// String returns "sha256@credentialsKey", using "default" for the empty key.
func (k BlobKey) String() string {
	key := k.CredentialsKey
	if key == "" {
		key = "default"
	}
	return k.Sha256 + "@" + key
}

// FileReference counts how many live nodes (and compression deltas) depend on a blob.
type FileReference struct {
	ID             int64     `json:"id"`
	Sha256         string    `json:"sha256"`
	CredentialsKey string    `json:"credentials_key"`
	Count          int64     `json:"count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Key returns the blob key of the reference.
func (r *FileReference) Key() BlobKey {
	return BlobKey{Sha256: r.Sha256, CredentialsKey: r.CredentialsKey}
}

// IsOrphan returns true if nothing references the blob anymore.
func (r *FileReference) IsOrphan() bool {
	return r.Count <= 0
}
