package domain

// RepositoryType is the artifact format a repository serves.
type RepositoryType string

const (
	RepositoryTypeGeneric RepositoryType = "GENERIC"
	RepositoryTypeMaven   RepositoryType = "MAVEN"
	RepositoryTypeDocker  RepositoryType = "DOCKER"
	RepositoryTypeNpm     RepositoryType = "NPM"
	RepositoryTypePypi    RepositoryType = "PYPI"
	RepositoryTypeHelm    RepositoryType = "HELM"
)

// Repository holds the storage-relevant metadata of an artifact repository.
type Repository struct {
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	Type      RepositoryType `json:"type"`

	// CredentialsKey names the storage credentials the repository's blobs live under.
	// Empty means the default storage.
	CredentialsKey string `json:"credentials_key"`

	// OldCredentialsKey is the previous credentials key while a storage migration runs.
	OldCredentialsKey string `json:"old_credentials_key,omitempty"`

	// Migrating is true while the repository's blobs are being moved to new storage.
	Migrating bool `json:"migrating"`
}

// Key returns "project/repo".
func (r *Repository) Key() string {
	return r.ProjectID + "/" + r.Name
}
