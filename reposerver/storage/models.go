package storage

import (
	"time"

	"github.com/jinzhu/gorm"
)

// TargetItem is one entry of a repo's target catalog. Custom carries the
// serialized TargetCustom JSON.
type TargetItem struct {
	gorm.Model
	Repo           string `sql:"type:varchar(255);not null"`
	Filename       string `sql:"type:varchar(254);not null"`
	Length         int64  `sql:"not null"`
	ChecksumMethod string `sql:"type:varchar(10);not null"`
	ChecksumHex    string `sql:"type:varchar(128);not null"`
	Custom         []byte `sql:"type:longblob"`
}

// TableName sets a specific table name for TargetItem
func (t TargetItem) TableName() string {
	return "target_items"
}

// SignedRole is the current version of a non-root role. Updates replace the
// row in place; the version must grow by exactly one each time. Offline is
// set when the content was pushed client-signed rather than produced by the
// signing oracle.
type SignedRole struct {
	gorm.Model
	Repo      string    `sql:"type:varchar(255);not null"`
	Role      string    `sql:"type:varchar(255);not null"`
	Version   int       `sql:"not null"`
	ExpiresAt time.Time `sql:"type:timestamp;not null"`
	Checksum  string    `sql:"type:varchar(64);not null"`
	Length    int64     `sql:"not null"`
	Content   []byte    `sql:"type:longblob;not null"`
	Offline   bool      `sql:"not null;default:false"`
}

// TableName sets a specific table name for SignedRole
func (s SignedRole) TableName() string {
	return "signed_roles"
}

// Delegation is a pushed delegated targets document
type Delegation struct {
	gorm.Model
	Repo    string `sql:"type:varchar(255);not null"`
	Name    string `sql:"type:varchar(254);not null"`
	Version int    `sql:"not null"`
	Content []byte `sql:"type:longblob;not null"`
}

// TableName sets a specific table name for Delegation
func (d Delegation) TableName() string {
	return "delegations"
}

// RepoNamespace maps an external tenant namespace onto a repo id
type RepoNamespace struct {
	gorm.Model
	Namespace string `sql:"type:varchar(255);not null"`
	Repo      string `sql:"type:varchar(255);not null"`
}

// TableName sets a specific table name for RepoNamespace
func (n RepoNamespace) TableName() string {
	return "repo_namespaces"
}

// RepoExpiry holds a repo's configured expire-not-before instant
type RepoExpiry struct {
	gorm.Model
	Repo            string    `sql:"type:varchar(255);not null"`
	ExpireNotBefore time.Time `sql:"type:timestamp;not null"`
}

// TableName sets a specific table name for RepoExpiry
func (e RepoExpiry) TableName() string {
	return "repo_expires"
}

// CreateRepoServerTables creates all the tables the repo server needs
func CreateRepoServerTables(db *gorm.DB) error {
	query := db.AutoMigrate(&TargetItem{}, &SignedRole{}, &Delegation{}, &RepoNamespace{}, &RepoExpiry{})
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&TargetItem{}).AddUniqueIndex("idx_repo_filename", "repo", "filename")
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&SignedRole{}).AddUniqueIndex("idx_repo_role", "repo", "role")
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&Delegation{}).AddUniqueIndex("idx_repo_name", "repo", "name")
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&RepoNamespace{}).AddUniqueIndex("idx_namespace", "namespace")
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&RepoExpiry{}).AddUniqueIndex("idx_expiry_repo", "repo")
	return query.Error
}
