package storage

import (
	"time"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// RepoStore is the repo server's persistence interface
type RepoStore interface {
	// AddRepoForNamespace records a namespace to repo mapping, failing with
	// ErrAlreadyExists when the namespace is taken
	AddRepoForNamespace(namespace string, repo data.RepoID) error

	// RepoForNamespace resolves a namespace to its repo
	RepoForNamespace(namespace string) (data.RepoID, error)

	// UpsertTargetItem inserts or replaces a target item by (repo, filename),
	// preserving CreatedAt on replace. Reports whether the item was created.
	UpsertTargetItem(item TargetItem) (bool, error)

	// DeleteTargetItem removes a target item, failing with ErrNotFound when
	// it is absent
	DeleteTargetItem(repo data.RepoID, filename string) error

	// GetTargetItem returns a single target item
	GetTargetItem(repo data.RepoID, filename string) (TargetItem, error)

	// ListTargetItems returns a page of target items ordered by filename,
	// plus the total match count
	ListTargetItems(repo data.RepoID, nameContains string, offset, limit int) ([]TargetItem, int64, error)

	// GetSignedRole returns the current version of a non-root role
	GetSignedRole(repo data.RepoID, role data.RoleName) (SignedRole, error)

	// UpdateSignedRoles persists the given roles in one transaction. Each
	// role must carry version exactly current+1 (or any version of at least 1
	// when the role has no current row), otherwise the whole write fails with
	// ErrInvalidVersionBump.
	UpdateSignedRoles(repo data.RepoID, roles []SignedRole) error

	// UpsertDelegation stores a delegated targets document; the version must
	// be strictly above the stored one or the write fails with ErrOldVersion
	UpsertDelegation(repo data.RepoID, name string, version int, content []byte) error

	// GetDelegation returns a stored delegated targets document
	GetDelegation(repo data.RepoID, name string) (Delegation, error)

	// SetExpireNotBefore stores the repo's expire-not-before instant
	SetExpireNotBefore(repo data.RepoID, notBefore time.Time) error

	// GetExpireNotBefore returns the repo's expire-not-before instant, or
	// nil when none is configured
	GetExpireNotBefore(repo data.RepoID) (*time.Time, error)

	// CheckHealth returns nil when the store is reachable
	CheckHealth() error
}
