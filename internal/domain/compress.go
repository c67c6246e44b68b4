package domain

import "time"

// CompressStatus is the state of a blob on the compression track.
type CompressStatus string

const (
	// CompressStatusNone marks a bookkeeping row for a blob that is only a base of a chain.
	CompressStatusNone             CompressStatus = "NONE"
	CompressStatusCreated          CompressStatus = "CREATED"
	CompressStatusCompressing      CompressStatus = "COMPRESSING"
	CompressStatusCompressed       CompressStatus = "COMPRESSED"
	CompressStatusCompressFailed   CompressStatus = "COMPRESS_FAILED"
	CompressStatusCompleted        CompressStatus = "COMPLETED"
	CompressStatusWaitToUncompress CompressStatus = "WAIT_TO_UNCOMPRESS"
	CompressStatusUncompressing    CompressStatus = "UNCOMPRESSING"
	CompressStatusUncompressed     CompressStatus = "UNCOMPRESSED"
	CompressStatusUncompressFailed CompressStatus = "UNCOMPRESS_FAILED"
)

// MaxChainLength bounds how many deltas may be stacked on top of each other.
const MaxChainLength = 10

// CompressRecord tracks a blob that is (or will be) stored as a delta against BaseSha256.
// At most one record exists per (Sha256, CredentialsKey).
type CompressRecord struct {
	ID               int64          `json:"id"`
	Sha256           string         `json:"sha256"`
	CredentialsKey   string         `json:"credentials_key"`
	BaseSha256       string         `json:"base_sha256"`
	BaseSize         int64          `json:"base_size"`
	UncompressedSize int64          `json:"uncompressed_size"`
	CompressedSize   int64          `json:"compressed_size"`
	ChainLength      int            `json:"chain_length"`
	Status           CompressStatus `json:"status"`

	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedBy string    `json:"last_modified_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// Key returns the blob key of the record.
func (r *CompressRecord) Key() BlobKey {
	return BlobKey{Sha256: r.Sha256, CredentialsKey: r.CredentialsKey}
}

// DeltaObjectKey returns the object key of the stored delta, "<sha256>.zstd".
func (r *CompressRecord) DeltaObjectKey() string {
	return DeltaObjectKey(r.Sha256)
}

// DeltaObjectKey returns the primary-storage object key of a blob's delta.
func DeltaObjectKey(sha256 string) string {
	return sha256 + ".zstd"
}

// IsCompressed returns true if the blob's bytes currently live as a delta
// (or are about to once the worker finishes).
func (s CompressStatus) IsCompressed() bool {
	switch s {
	case CompressStatusCompressed, CompressStatusCompleted,
		CompressStatusWaitToUncompress, CompressStatusUncompressing, CompressStatusUncompressFailed:
		return true
	}
	return false
}

// HoldsBase returns true if a record in this status keeps a reference on its base blob.
func (s CompressStatus) HoldsBase() bool {
	switch s {
	case CompressStatusNone, CompressStatusCompressFailed:
		return false
	}
	return true
}
