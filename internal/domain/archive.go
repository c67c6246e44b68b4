package domain

import "time"

// ArchiveStatus is the state of a blob on the archive track.
type ArchiveStatus string

const (
	// ArchiveStatusCreated means archival was decided but the blob has not been copied yet.
	ArchiveStatusCreated ArchiveStatus = "CREATED"
	// ArchiveStatusArchiving means a worker is copying the blob to the archive tier.
	ArchiveStatusArchiving ArchiveStatus = "ARCHIVING"
	// ArchiveStatusArchived means the archive tier holds a verified copy.
	ArchiveStatusArchived ArchiveStatus = "ARCHIVED"
	// ArchiveStatusArchiveFailed means copying to the archive tier failed.
	ArchiveStatusArchiveFailed ArchiveStatus = "ARCHIVE_FAILED"
	// ArchiveStatusWaitToRestore means a restore was requested.
	ArchiveStatusWaitToRestore ArchiveStatus = "WAIT_TO_RESTORE"
	// ArchiveStatusRestoring means a worker is copying the blob back to primary storage.
	ArchiveStatusRestoring ArchiveStatus = "RESTORING"
	// ArchiveStatusRestored means primary storage holds the blob again.
	ArchiveStatusRestored ArchiveStatus = "RESTORED"
	// ArchiveStatusRestoreFailed means restoring the blob failed.
	ArchiveStatusRestoreFailed ArchiveStatus = "RESTORE_FAILED"
	// ArchiveStatusCompleted means every dependent node is flagged archived and
	// the primary copy is gone.
	ArchiveStatusCompleted ArchiveStatus = "COMPLETED"
)

// Archiver names used in ArchiveRecord.Archiver.
const (
	ArchiverXZ   = "xz"
	ArchiverNone = "none"
)

// ArchiveRecord tracks a single blob on the archive track.
// At most one record exists per (Sha256, CredentialsKey).
type ArchiveRecord struct {
	ID             int64         `json:"id"`
	Sha256         string        `json:"sha256"`
	CredentialsKey string        `json:"credentials_key"`
	Size           int64         `json:"size"`
	CompressedSize int64         `json:"compressed_size"`
	Status         ArchiveStatus `json:"status"`

	// Archiver is the codec the archive copy was written with.
	Archiver string `json:"archiver"`

	// ArchiveCredentialsKey names the archive-tier storage holding the copy.
	ArchiveCredentialsKey string `json:"archive_credentials_key"`

	// StorageClass is the archive tier storage class, e.g. DEEP_ARCHIVE.
	StorageClass string `json:"storage_class"`

	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedBy string    `json:"last_modified_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// Key returns the blob key of the record.
func (r *ArchiveRecord) Key() BlobKey {
	return BlobKey{Sha256: r.Sha256, CredentialsKey: r.CredentialsKey}
}

// ArchiveObjectKey returns the object key of the archive copy, e.g. "<sha256>.xz".
func (r *ArchiveRecord) ArchiveObjectKey() string {
	return ArchiveObjectKey(r.Sha256, r.Archiver)
}

// ArchiveObjectKey returns the archive-tier object key for a blob and archiver.
func ArchiveObjectKey(sha256, archiver string) string {
	switch archiver {
	case ArchiverXZ:
		return sha256 + ".xz"
	default:
		return sha256
	}
}

// IsRestorable returns true if a restore may be requested from this status.
func (s ArchiveStatus) IsRestorable() bool {
	return s == ArchiveStatusArchived || s == ArchiveStatusCompleted || s == ArchiveStatusRestoreFailed
}
