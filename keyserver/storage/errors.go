package storage

// ErrNotFound is returned when a row doesn't exist
type ErrNotFound struct{}

func (err ErrNotFound) Error() string {
	return "no record found"
}

// ErrKeyExists is returned when a key already exists
type ErrKeyExists struct {
	KeyID string
}

func (err ErrKeyExists) Error() string {
	return "key already exists: " + err.KeyID
}

// ErrOldVersion is returned when a root role version is inserted that is not
// strictly newer than what is already stored
type ErrOldVersion struct{}

func (err ErrOldVersion) Error() string {
	return "root role version is older than current version"
}

// ErrRequestExists is returned when key generation has already been requested
// for a repo
type ErrRequestExists struct{}

func (err ErrRequestExists) Error() string {
	return "key generation already requested for repo"
}
