package storage

// ErrNotFound is returned when a row doesn't exist
type ErrNotFound struct{}

func (err ErrNotFound) Error() string {
	return "no record found"
}

// ErrAlreadyExists is returned when a row being created already exists
type ErrAlreadyExists struct{}

func (err ErrAlreadyExists) Error() string {
	return "the entity already exists"
}

// ErrInvalidVersionBump is returned when a role is persisted whose version
// is not exactly one above the current version
type ErrInvalidVersionBump struct {
	Current, Given int
}

func (err ErrInvalidVersionBump) Error() string {
	return "invalid version bump"
}

// ErrOldVersion is returned when a delegation is persisted with a version
// not strictly above the stored one
type ErrOldVersion struct{}

func (err ErrOldVersion) Error() string {
	return "version is older than current version"
}
