package otatuf

import "time"

// application wide constants
const (
	// MinThreshold requires a minimum of one threshold for roles
	MinThreshold = 1
	// MinRSABitSize is the minimum size for RSA keys
	MinRSABitSize = 2048
	// Sha256HexSize is how big a Sha256 hex is in number of characters
	Sha256HexSize = 64
	// Sha256HexRegex is the regex for checking the validity of a string as a sha256 in hex
	Sha256HexRegex = "^([a-fA-F0-9]{64})$"
	// MaxFilenameLength bounds target item filenames
	MaxFilenameLength = 254
	// MaxErrorCauseLength is how much of a key generation failure cause is persisted
	MaxErrorCauseLength = 254
	// MaxTargetUploadSize is the largest accepted target blob upload, in bytes
	MaxTargetUploadSize = 3 * 1000 * 1000 * 1000

	// KeyGenBatchSize bounds how many pending key generation requests are
	// fetched per scheduler pass
	KeyGenBatchSize = 1024
	// KeyGenInterval is the default scheduler poll interval
	KeyGenInterval = 3 * time.Second

	// DefaultPageOffset and DefaultPageLimit apply to target item listings
	DefaultPageOffset = 0
	DefaultPageLimit  = 50
	// MaxPageLimit caps a caller supplied page size
	MaxPageLimit = 1000

	// RoleChecksumHeader carries the sha256 of the current targets role, both
	// on responses and as the optimistic concurrency check on offline pushes
	RoleChecksumHeader = "x-ats-role-checksum"
	// NamespaceHeader carries the tenant namespace resolved by the fronting proxy
	NamespaceHeader = "x-ats-namespace"

	Day  = 24 * time.Hour
	Year = 365 * Day
)

// Default role lifetimes. Roots live a year, targets a month, the rest a day.
const (
	DefaultRootExpiry      = Year
	DefaultTargetsExpiry   = 31 * Day
	DefaultSnapshotExpiry  = Day
	DefaultTimestampExpiry = Day

	// TimestampRefreshWindow triggers a timestamp re-sign when less than this
	// much lifetime remains, extending expiry by TimestampRefreshExtension
	TimestampRefreshWindow    = time.Hour
	TimestampRefreshExtension = Day

	// CurrentMetadataCacheMaxAge caps how long clients may cache current role
	// documents, which change on every regeneration. A version-pinned root
	// never changes, so VersionedRootCacheMaxAge can be much longer.
	CurrentMetadataCacheMaxAge = 5 * time.Minute
	VersionedRootCacheMaxAge   = 30 * Day
)

// PassRetriever is a function that returns a passphrase for a given key name
// and alias, used by secret stores that encrypt key material at rest.
type PassRetriever func(keyName, alias string, createNew bool, attempts int) (passphrase string, giveup bool, err error)

// ConstantRetriever returns a PassRetriever that always yields the same passphrase
func ConstantRetriever(passphrase string) PassRetriever {
	return func(string, string, bool, int) (string, bool, error) {
		return passphrase, false, nil
	}
}

// CtxKey is a wrapper type for context keys to avoid collisions
type CtxKey string

// Context keys the servers install for their handlers
const (
	CtxKeyRootRole  CtxKey = "rootRole"
	CtxKeyRepoStore CtxKey = "repoStore"
	CtxKeyRoleGen   CtxKey = "roleGen"
	CtxKeyKeyClient CtxKey = "keyClient"
	CtxKeyKeyAlgo   CtxKey = "keyAlgo"
)

// Storage backend names accepted in configuration
const (
	MemoryBackend   = "memory"
	MySQLBackend    = "mysql"
	SQLiteBackend   = "sqlite3"
	PostgresBackend = "postgres"
)

// SupportedBackends are the storage backends the servers accept
var SupportedBackends = []string{MemoryBackend, MySQLBackend, SQLiteBackend, PostgresBackend}
