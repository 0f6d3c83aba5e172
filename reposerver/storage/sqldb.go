package storage

import (
	"fmt"

	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jinzhu/gorm"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// SQLStorage implements RepoStore using a relational database.
// See reposerver/storage/models.go
type SQLStorage struct {
	*gorm.DB
}

// NewSQLStorage is a convenience method to create a SQLStorage
func NewSQLStorage(dialect string, args ...interface{}) (*SQLStorage, error) {
	gormDB, err := gorm.Open(dialect, args...)
	if err != nil {
		return nil, err
	}
	return &SQLStorage{
		DB: gormDB,
	}, nil
}

// translateUniqueError captures DB errors and attempts to translate
// duplicate entry errors into the given application error
func translateUniqueError(err, appErr error) error {
	switch err := err.(type) {
	case *mysql.MySQLError:
		// 1022 = Can't write; duplicate key in table '%s'
		// 1062 = Duplicate entry '%s' for key %d
		if err.Number == 1022 || err.Number == 1062 {
			return appErr
		}
	case *pq.Error:
		// 23505 = unique_violation
		if err.Code == "23505" {
			return appErr
		}
	}
	return err
}

type rollback func(error) error

func (db *SQLStorage) getTransaction() (*gorm.DB, rollback, error) {
	tx := db.Begin()
	if tx.Error != nil {
		return nil, nil, tx.Error
	}

	rb := func(err error) error {
		if rxErr := tx.Rollback().Error; rxErr != nil {
			logrus.Error("Failed on Tx rollback with error: ", rxErr.Error())
			return rxErr
		}
		return err
	}

	return tx, rb, nil
}

// AddRepoForNamespace records a namespace to repo mapping
func (db *SQLStorage) AddRepoForNamespace(namespace string, repo data.RepoID) error {
	q := db.Create(&RepoNamespace{Namespace: namespace, Repo: repo.String()})
	if q.Error != nil {
		return translateUniqueError(q.Error, ErrAlreadyExists{})
	}
	return nil
}

// RepoForNamespace resolves a namespace to its repo
func (db *SQLStorage) RepoForNamespace(namespace string) (data.RepoID, error) {
	var row RepoNamespace
	q := db.Where(&RepoNamespace{Namespace: namespace}).Take(&row)
	if q.RecordNotFound() {
		return "", ErrNotFound{}
	} else if q.Error != nil {
		return "", q.Error
	}
	return data.RepoID(row.Repo), nil
}

// UpsertTargetItem inserts or replaces a target item by (repo, filename)
func (db *SQLStorage) UpsertTargetItem(item TargetItem) (bool, error) {
	tx, rb, err := db.getTransaction()
	if err != nil {
		return false, err
	}

	var created bool
	if err := func() error {
		var existing TargetItem
		q := tx.Where(&TargetItem{Repo: item.Repo, Filename: item.Filename}).Take(&existing)
		if q.RecordNotFound() {
			created = true
			return translateUniqueError(tx.Create(&item).Error, ErrAlreadyExists{})
		} else if q.Error != nil {
			return q.Error
		}

		// replace in place, preserving CreatedAt
		return tx.Model(&existing).Updates(map[string]interface{}{
			"length":          item.Length,
			"checksum_method": item.ChecksumMethod,
			"checksum_hex":    item.ChecksumHex,
			"custom":          item.Custom,
		}).Error
	}(); err != nil {
		return false, rb(err)
	}
	return created, tx.Commit().Error
}

// DeleteTargetItem removes a target item
func (db *SQLStorage) DeleteTargetItem(repo data.RepoID, filename string) error {
	q := db.Unscoped().Where(&TargetItem{Repo: repo.String(), Filename: filename}).Delete(&TargetItem{})
	if q.Error != nil {
		return q.Error
	}
	if q.RowsAffected == 0 {
		return ErrNotFound{}
	}
	return nil
}

// GetTargetItem returns a single target item
func (db *SQLStorage) GetTargetItem(repo data.RepoID, filename string) (TargetItem, error) {
	var row TargetItem
	q := db.Where(&TargetItem{Repo: repo.String(), Filename: filename}).Take(&row)
	if q.RecordNotFound() {
		return TargetItem{}, ErrNotFound{}
	} else if q.Error != nil {
		return TargetItem{}, q.Error
	}
	return row, nil
}

// ListTargetItems returns a page of target items ordered by filename
func (db *SQLStorage) ListTargetItems(repo data.RepoID, nameContains string, offset, limit int) ([]TargetItem, int64, error) {
	query := db.Model(&TargetItem{}).Where("repo = ?", repo.String())
	if nameContains != "" {
		query = query.Where("filename LIKE ?", "%"+nameContains+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []TargetItem
	q := query.Order("filename asc").Offset(offset).Limit(limit).Find(&items)
	if q.Error != nil {
		return nil, 0, q.Error
	}
	return items, total, nil
}

// GetSignedRole returns the current version of a non-root role
func (db *SQLStorage) GetSignedRole(repo data.RepoID, role data.RoleName) (SignedRole, error) {
	var row SignedRole
	q := db.Where(&SignedRole{Repo: repo.String(), Role: role.String()}).Take(&row)
	if q.RecordNotFound() {
		return SignedRole{}, ErrNotFound{}
	} else if q.Error != nil {
		return SignedRole{}, q.Error
	}
	return row, nil
}

// UpdateSignedRoles persists the given roles in one transaction, enforcing
// the version bump rule for each
func (db *SQLStorage) UpdateSignedRoles(repo data.RepoID, roles []SignedRole) error {
	tx, rb, err := db.getTransaction()
	if err != nil {
		return err
	}

	if err := func() error {
		for i := range roles {
			role := roles[i]
			role.Repo = repo.String()

			var current SignedRole
			q := tx.Where(&SignedRole{Repo: role.Repo, Role: role.Role}).Take(&current)
			if q.RecordNotFound() {
				if role.Version < 1 {
					return ErrInvalidVersionBump{Current: 0, Given: role.Version}
				}
				if err := tx.Create(&role).Error; err != nil {
					return translateUniqueError(err, ErrInvalidVersionBump{Given: role.Version})
				}
				continue
			} else if q.Error != nil {
				return q.Error
			}

			if role.Version != current.Version+1 {
				return ErrInvalidVersionBump{Current: current.Version, Given: role.Version}
			}

			// compare and swap on the version we read, so a concurrent
			// writer loses cleanly instead of silently overwriting
			res := tx.Model(&SignedRole{}).
				Where("repo = ? AND role = ? AND version = ?", role.Repo, role.Role, current.Version).
				Updates(map[string]interface{}{
					"version":    role.Version,
					"expires_at": role.ExpiresAt,
					"checksum":   role.Checksum,
					"length":     role.Length,
					"content":    role.Content,
					"offline":    role.Offline,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrInvalidVersionBump{Current: current.Version, Given: role.Version}
			}
		}
		return nil
	}(); err != nil {
		return rb(err)
	}
	return tx.Commit().Error
}

// UpsertDelegation stores a delegated targets document
func (db *SQLStorage) UpsertDelegation(repo data.RepoID, name string, version int, content []byte) error {
	tx, rb, err := db.getTransaction()
	if err != nil {
		return err
	}

	if err := func() error {
		var current Delegation
		q := tx.Where(&Delegation{Repo: repo.String(), Name: name}).Take(&current)
		if q.RecordNotFound() {
			if version < 1 {
				return ErrOldVersion{}
			}
			return translateUniqueError(tx.Create(&Delegation{
				Repo:    repo.String(),
				Name:    name,
				Version: version,
				Content: content,
			}).Error, ErrOldVersion{})
		} else if q.Error != nil {
			return q.Error
		}

		if version <= current.Version {
			return ErrOldVersion{}
		}
		res := tx.Model(&Delegation{}).
			Where("repo = ? AND name = ? AND version = ?", repo.String(), name, current.Version).
			Updates(map[string]interface{}{"version": version, "content": content})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOldVersion{}
		}
		return nil
	}(); err != nil {
		return rb(err)
	}
	return tx.Commit().Error
}

// GetDelegation returns a stored delegated targets document
func (db *SQLStorage) GetDelegation(repo data.RepoID, name string) (Delegation, error) {
	var row Delegation
	q := db.Where(&Delegation{Repo: repo.String(), Name: name}).Take(&row)
	if q.RecordNotFound() {
		return Delegation{}, ErrNotFound{}
	} else if q.Error != nil {
		return Delegation{}, q.Error
	}
	return row, nil
}

// SetExpireNotBefore stores the repo's expire-not-before instant
func (db *SQLStorage) SetExpireNotBefore(repo data.RepoID, notBefore time.Time) error {
	var row RepoExpiry
	q := db.Where(&RepoExpiry{Repo: repo.String()}).Take(&row)
	if q.RecordNotFound() {
		return db.Create(&RepoExpiry{Repo: repo.String(), ExpireNotBefore: notBefore}).Error
	} else if q.Error != nil {
		return q.Error
	}
	return db.Model(&row).Update("expire_not_before", notBefore).Error
}

// GetExpireNotBefore returns the repo's expire-not-before instant
func (db *SQLStorage) GetExpireNotBefore(repo data.RepoID) (*time.Time, error) {
	var row RepoExpiry
	q := db.Where(&RepoExpiry{Repo: repo.String()}).Take(&row)
	if q.RecordNotFound() {
		return nil, nil
	} else if q.Error != nil {
		return nil, q.Error
	}
	return &row.ExpireNotBefore, nil
}

// CheckHealth asserts that the repo server tables are present
func (db *SQLStorage) CheckHealth() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Panic checking db health: %v", r)
		}
	}()

	for _, model := range []interface{}{&TargetItem{}, &SignedRole{}, &Delegation{}, &RepoNamespace{}, &RepoExpiry{}} {
		if !db.HasTable(model) {
			return fmt.Errorf("Cannot access table for: %T", model)
		}
	}
	return db.Error
}
