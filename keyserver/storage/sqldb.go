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

// SQLStorage implements KeyStore using a relational database.
// See keyserver/storage/models.go
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
		// https://dev.mysql.com/doc/refman/5.5/en/error-messages-server.html
		// 1022 = Can't write; duplicate key in table '%s'
		// 1062 = Duplicate entry '%s' for key %d
		if err.Number == 1022 || err.Number == 1062 {
			return appErr
		}
	case *pq.Error:
		// https://www.postgresql.org/docs/10/errcodes-appendix.html
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

// AddKeyGenRequests records units of work for the key generation engine
func (db *SQLStorage) AddKeyGenRequests(requests ...KeyGenRequest) error {
	tx, rb, err := db.getTransaction()
	if err != nil {
		return err
	}
	if err := func() error {
		for i := range requests {
			if err := tx.Create(&requests[i]).Error; err != nil {
				return translateUniqueError(err, ErrRequestExists{})
			}
		}
		return nil
	}(); err != nil {
		return rb(err)
	}
	return tx.Commit().Error
}

// PendingKeyGenRequests returns up to limit requests in REQUESTED state,
// oldest first
func (db *SQLStorage) PendingKeyGenRequests(limit int) ([]KeyGenRequest, error) {
	var requests []KeyGenRequest
	q := db.Where(&KeyGenRequest{Status: KeyGenRequested}).
		Order("id asc").Limit(limit).Find(&requests)
	if q.Error != nil {
		return nil, q.Error
	}
	return requests, nil
}

// RepoKeyGenRequests returns every request recorded for the repo
func (db *SQLStorage) RepoKeyGenRequests(repo data.RepoID) ([]KeyGenRequest, error) {
	var requests []KeyGenRequest
	q := db.Where(&KeyGenRequest{Repo: repo.String()}).Order("id asc").Find(&requests)
	if q.Error != nil {
		return nil, q.Error
	}
	return requests, nil
}

// FinishKeyGenRequest persists the public key and flips the request to
// GENERATED in a single transaction
func (db *SQLStorage) FinishKeyGenRequest(request KeyGenRequest, key Key) error {
	tx, rb, err := db.getTransaction()
	if err != nil {
		return err
	}
	if err := func() error {
		if err := tx.Create(&key).Error; err != nil {
			return translateUniqueError(err, ErrKeyExists{KeyID: key.KeyID})
		}
		q := tx.Model(&KeyGenRequest{}).Where("request_id = ?", request.RequestID).
			Updates(map[string]interface{}{"status": KeyGenGenerated, "cause": ""})
		if q.Error != nil {
			return q.Error
		}
		if q.RowsAffected == 0 {
			return ErrNotFound{}
		}
		return nil
	}(); err != nil {
		return rb(err)
	}
	return tx.Commit().Error
}

// FailKeyGenRequest flips the request to ERROR, recording the cause
func (db *SQLStorage) FailKeyGenRequest(requestID string, cause string) error {
	q := db.Model(&KeyGenRequest{}).Where("request_id = ?", requestID).
		Updates(map[string]interface{}{"status": KeyGenError, "cause": cause})
	if q.Error != nil {
		return q.Error
	}
	if q.RowsAffected == 0 {
		return ErrNotFound{}
	}
	return nil
}

// RetryKeyGenRequests moves every ERROR request of the repo back to REQUESTED
func (db *SQLStorage) RetryKeyGenRequests(repo data.RepoID) (int64, error) {
	q := db.Model(&KeyGenRequest{}).
		Where("repo = ? AND status = ?", repo.String(), KeyGenError).
		Updates(map[string]interface{}{"status": KeyGenRequested, "cause": ""})
	return q.RowsAffected, q.Error
}

// AddKey stores a public key half
func (db *SQLStorage) AddKey(key Key) error {
	if err := db.Create(&key).Error; err != nil {
		return translateUniqueError(err, ErrKeyExists{KeyID: key.KeyID})
	}
	return nil
}

// RepoKeys returns every key of the repo
func (db *SQLStorage) RepoKeys(repo data.RepoID) ([]Key, error) {
	var keys []Key
	q := db.Where(&Key{Repo: repo.String()}).Order("id asc").Find(&keys)
	if q.Error != nil {
		return nil, q.Error
	}
	return keys, nil
}

// GetKey returns a single key of the repo by key id
func (db *SQLStorage) GetKey(repo data.RepoID, keyID string) (Key, error) {
	var row Key
	q := db.Where(&Key{Repo: repo.String(), KeyID: keyID}).Take(&row)
	if q.RecordNotFound() {
		return Key{}, ErrNotFound{}
	} else if q.Error != nil {
		return Key{}, q.Error
	}
	return row, nil
}

// MarkKeyOffline clears the private key reference. It is idempotent.
func (db *SQLStorage) MarkKeyOffline(repo data.RepoID, keyID string) error {
	// we have to use the where clause because key_id is not the primary key
	return db.Model(&Key{}).Where("repo = ? AND key_id = ?", repo.String(), keyID).
		Update("private_ref", "").Error
}

// AddSignedRoot persists a new root role version
func (db *SQLStorage) AddSignedRoot(repo data.RepoID, version int, expires time.Time, content []byte) error {
	// ensure we're not inserting an immediately old version - can't use the
	// struct, because that only works with non-zero values
	exists := db.Where("repo = ? AND version >= ?", repo.String(), version).Take(&SignedRootRole{})
	if exists.Error == nil {
		return ErrOldVersion{}
	} else if !exists.RecordNotFound() {
		return exists.Error
	}

	q := db.Create(&SignedRootRole{
		Repo:      repo.String(),
		Version:   version,
		ExpiresAt: expires,
		Content:   content,
	})
	if q.Error != nil {
		return translateUniqueError(q.Error, ErrOldVersion{})
	}
	return nil
}

// LatestSignedRoot returns the highest persisted root role version
func (db *SQLStorage) LatestSignedRoot(repo data.RepoID) (SignedRootRole, error) {
	var row SignedRootRole
	q := db.Where(&SignedRootRole{Repo: repo.String()}).Order("version desc").Take(&row)
	if q.RecordNotFound() {
		return SignedRootRole{}, ErrNotFound{}
	} else if q.Error != nil {
		return SignedRootRole{}, q.Error
	}
	return row, nil
}

// SignedRootVersion returns a specific persisted root role version
func (db *SQLStorage) SignedRootVersion(repo data.RepoID, version int) (SignedRootRole, error) {
	var row SignedRootRole
	q := db.Where(&SignedRootRole{Repo: repo.String(), Version: version}).Take(&row)
	if q.RecordNotFound() {
		return SignedRootRole{}, ErrNotFound{}
	} else if q.Error != nil {
		return SignedRootRole{}, q.Error
	}
	return row, nil
}

// CheckHealth asserts that the key server tables are present
func (db *SQLStorage) CheckHealth() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Panic checking db health: %v", r)
		}
	}()

	for _, model := range []interface{}{&Key{}, &KeyGenRequest{}, &SignedRootRole{}} {
		if !db.HasTable(model) {
			return fmt.Errorf("Cannot access table for: %T", model)
		}
	}
	return db.Error
}
