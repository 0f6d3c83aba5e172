package storage

import (
	"time"

	"github.com/jinzhu/gorm"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// Key generation request states. Transitions are REQUESTED to GENERATED or
// ERROR; ERROR back to REQUESTED only through an explicit retry.
const (
	KeyGenRequested = "REQUESTED"
	KeyGenGenerated = "GENERATED"
	KeyGenError     = "ERROR"
)

// Key is the public half of a repo key. The private half lives in the secret
// store; PrivateRef is the handle into it and is cleared when the key is
// taken offline. A row is kept as long as the key appears in any persisted
// root role.
type Key struct {
	gorm.Model
	Repo       string `sql:"type:varchar(255);not null" gorm:"index:idx_key_repo"`
	Role       string `sql:"type:varchar(255);not null"`
	KeyID      string `sql:"type:varchar(64);not null" gorm:"column:key_id"`
	KeyType    string `sql:"type:varchar(50);not null"`
	Public     []byte `sql:"type:longblob;not null"`
	PrivateRef string `sql:"type:varchar(64)"`
}

// TableName sets a specific table name for Key
func (k Key) TableName() string {
	return "repo_keys"
}

// PublicKey decodes the stored public material
func (k Key) PublicKey() data.PublicKey {
	return data.NewPublicKey(data.KeyType(k.KeyType), k.Public)
}

// Online reports whether the private half is still reachable in the secret store
func (k Key) Online() bool {
	return k.PrivateRef != ""
}

// KeyGenRequest is the unit of work for the key generation engine
type KeyGenRequest struct {
	gorm.Model
	RequestID string `sql:"type:varchar(36);not null" gorm:"column:request_id"`
	Repo      string `sql:"type:varchar(255);not null" gorm:"index:idx_keygen_repo"`
	Role      string `sql:"type:varchar(255);not null"`
	KeyType   string `sql:"type:varchar(50);not null"`
	KeySize   int    `sql:"not null"`
	Threshold int    `sql:"not null;default:1"`
	Status    string `sql:"type:varchar(20);not null" gorm:"index:idx_keygen_status"`
	Cause     string `sql:"type:varchar(255)"`
}

// TableName sets a specific table name for KeyGenRequest
func (g KeyGenRequest) TableName() string {
	return "key_gen_requests"
}

// SignedRootRole is a persisted, immutable version of a repo's root role.
// Content holds the whole signed payload as canonical JSON.
type SignedRootRole struct {
	gorm.Model
	Repo      string    `sql:"type:varchar(255);not null"`
	Version   int       `sql:"not null"`
	ExpiresAt time.Time `sql:"type:timestamp;not null"`
	Content   []byte    `sql:"type:longblob;not null"`
}

// TableName sets a specific table name for SignedRootRole
func (s SignedRootRole) TableName() string {
	return "signed_root_roles"
}

// CreateKeyServerTables creates all the tables the key server needs
func CreateKeyServerTables(db *gorm.DB) error {
	query := db.AutoMigrate(&Key{}, &KeyGenRequest{}, &SignedRootRole{})
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&Key{}).AddUniqueIndex("idx_key_id", "key_id")
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&KeyGenRequest{}).AddUniqueIndex("idx_request_id", "request_id")
	if query.Error != nil {
		return query.Error
	}
	query = db.Model(&SignedRootRole{}).AddUniqueIndex("idx_repo_version", "repo", "version")
	return query.Error
}
