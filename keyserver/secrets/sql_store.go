package secrets

import (
	"fmt"
	"time"

	jose "github.com/dvsekhvalnov/jose2go"
	"github.com/jinzhu/gorm"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

// Constants
const (
	EncryptionAlg = jose.A256GCM
	KeywrapAlg    = jose.PBES2_HS256_A128KW
)

// SQLStore persists and manages private keys on a SQL database
type SQLStore struct {
	db               *gorm.DB
	defaultPassAlias string
	retriever        otatuf.PassRetriever
	nowFunc          func() time.Time
}

// GormPrivateKey represents a PrivateKey in the database
type GormPrivateKey struct {
	gorm.Model
	KeyID           string    `sql:"type:varchar(255);not null;unique;index:key_id_idx"`
	EncryptionAlg   string    `sql:"type:varchar(255);not null"`
	KeywrapAlg      string    `sql:"type:varchar(255);not null"`
	Algorithm       string    `sql:"type:varchar(50);not null"`
	PassphraseAlias string    `sql:"type:varchar(50);not null"`
	Repo            string    `sql:"type:varchar(255);not null"`
	Role            string    `sql:"type:varchar(255);not null"`
	Public          string    `sql:"type:blob;not null"`
	Private         string    `sql:"type:blob;not null"`
	LastUsed        time.Time `sql:"type:timestamp"`
}

// TableName sets a specific table name for our GormPrivateKey
func (g GormPrivateKey) TableName() string {
	return "private_keys"
}

// NewSQLStore returns a new SQLStore backed by a SQL database
func NewSQLStore(db *gorm.DB, passphraseRetriever otatuf.PassRetriever, defaultPassAlias string) *SQLStore {
	return &SQLStore{
		db:               db,
		defaultPassAlias: defaultPassAlias,
		retriever:        passphraseRetriever,
		nowFunc:          time.Now,
	}
}

// CreateTable creates the private_keys table
func (s *SQLStore) CreateTable() error {
	return s.db.AutoMigrate(&GormPrivateKey{}).Error
}

// AddKey stores the contents of a private key, encrypted with a key derived
// from the passphrase the retriever yields for the default alias
func (s *SQLStore) AddKey(repo data.RepoID, role data.RoleName, privKey data.PrivateKey) error {
	passphrase, _, err := s.retriever(privKey.ID(), s.defaultPassAlias, false, 1)
	if err != nil {
		return err
	}

	encryptedKey, err := jose.Encrypt(string(privKey.Private()), KeywrapAlg, EncryptionAlg, passphrase)
	if err != nil {
		return err
	}

	gormPrivKey := GormPrivateKey{
		KeyID:           privKey.ID(),
		EncryptionAlg:   EncryptionAlg,
		KeywrapAlg:      KeywrapAlg,
		PassphraseAlias: s.defaultPassAlias,
		Algorithm:       string(privKey.Algorithm()),
		Repo:            repo.String(),
		Role:            role.String(),
		Public:          string(privKey.Public()),
		Private:         encryptedKey,
	}

	// Add encrypted private key to the database
	s.db.Create(&gormPrivKey)
	// Value will be false if Create succeeds
	failure := s.db.NewRecord(gormPrivKey)
	if failure {
		return fmt.Errorf("failed to add private key to database: %s", privKey.ID())
	}

	return nil
}

func (s *SQLStore) getKey(repo data.RepoID, keyID string) (*GormPrivateKey, string, error) {
	// Retrieve the GORM private key from the database
	dbPrivateKey := GormPrivateKey{}
	if s.db.Where(&GormPrivateKey{Repo: repo.String(), KeyID: keyID}).First(&dbPrivateKey).RecordNotFound() {
		return nil, "", ErrKeyNotAvailable{KeyID: keyID}
	}

	// Get the passphrase to use for this key
	passphrase, _, err := s.retriever(dbPrivateKey.KeyID, dbPrivateKey.PassphraseAlias, false, 1)
	if err != nil {
		return nil, "", err
	}

	// Decrypt private bytes from the gorm key
	decryptedPrivKey, _, err := jose.Decode(dbPrivateKey.Private, passphrase)
	if err != nil {
		return nil, "", err
	}

	return &dbPrivateKey, decryptedPrivKey, nil
}

// GetKey returns the PrivateKey given a repo and key id
func (s *SQLStore) GetKey(repo data.RepoID, keyID string) (data.PrivateKey, error) {
	dbPrivateKey, decryptedPrivKey, err := s.getKey(repo, keyID)
	if err != nil {
		return nil, err
	}

	pubKey := data.NewPublicKey(data.KeyType(dbPrivateKey.Algorithm), []byte(dbPrivateKey.Public))
	// Create a new PrivateKey with unencrypted bytes
	privKey, err := data.NewPrivateKey(pubKey, []byte(decryptedPrivKey))
	if err != nil {
		return nil, err
	}

	if err := s.markActive(keyID); err != nil {
		return nil, err
	}
	return privKey, nil
}

// RemoveKey removes the key from the table. Removing a key that is already
// gone is not an error.
func (s *SQLStore) RemoveKey(repo data.RepoID, keyID string) error {
	return s.db.Unscoped().Where(&GormPrivateKey{Repo: repo.String(), KeyID: keyID}).
		Delete(&GormPrivateKey{}).Error
}

// RotateKeyPassphrase rotates the key-encryption-key
func (s *SQLStore) RotateKeyPassphrase(repo data.RepoID, keyID, newPassphraseAlias string) error {
	dbPrivateKey, decryptedPrivKey, err := s.getKey(repo, keyID)
	if err != nil {
		return err
	}

	// Get the new passphrase to use for this key
	newPassphrase, _, err := s.retriever(dbPrivateKey.KeyID, newPassphraseAlias, false, 1)
	if err != nil {
		return err
	}

	// Re-encrypt the private bytes with the new passphrase
	newEncryptedKey, err := jose.Encrypt(decryptedPrivKey, KeywrapAlg, EncryptionAlg, newPassphrase)
	if err != nil {
		return err
	}

	// want to only update 2 fields, not save the whole row - we have to use the where clause because key_id is not
	// the primary key
	return s.db.Model(GormPrivateKey{}).Where("key_id = ?", keyID).Updates(GormPrivateKey{
		Private:         newEncryptedKey,
		PassphraseAlias: newPassphraseAlias,
	}).Error
}

// markActive marks a particular key as active
func (s *SQLStore) markActive(keyID string) error {
	// we have to use the where clause because key_id is not the primary key
	return s.db.Model(GormPrivateKey{}).Where("key_id = ?", keyID).Updates(GormPrivateKey{LastUsed: s.nowFunc()}).Error
}

// HealthCheck verifies that DB exists and is query-able
func (s *SQLStore) HealthCheck() error {
	dbPrivateKey := GormPrivateKey{}
	tableOk := s.db.HasTable(&dbPrivateKey)
	switch {
	case s.db.Error != nil:
		return s.db.Error
	case !tableOk:
		return fmt.Errorf(
			"Cannot access table: %s", dbPrivateKey.TableName())
	}
	return nil
}
