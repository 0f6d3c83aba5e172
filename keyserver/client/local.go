package client

import (
	"time"

	"github.com/docker/go/canonical/json"

	"github.com/scala-steward/ota-tuf/keyserver/rootrole"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

// Local is a KeyClient backed by an in-process root role engine. Used in
// tests and single-process deployments.
type Local struct {
	Engine *rootrole.Engine
}

// NewLocal returns a KeyClient that calls the engine directly
func NewLocal(engine *rootrole.Engine) *Local {
	return &Local{Engine: engine}
}

// CreateRoot requests key generation and a root role for a new repo
func (l *Local) CreateRoot(repo data.RepoID, keyType data.KeyType, threshold int, forceSync bool) ([]string, error) {
	return l.Engine.CreateRoot(repo, keyType, threshold, forceSync)
}

// FetchRoot returns the current root role
func (l *Local) FetchRoot(repo data.RepoID, expireNotBefore *time.Time) (*data.SignedRoot, []byte, error) {
	row, err := l.Engine.FindFresh(repo, expireNotBefore)
	if err != nil {
		return nil, nil, err
	}
	root, err := parseRoot(row.Content)
	if err != nil {
		return nil, nil, err
	}
	return root, row.Content, nil
}

// FetchRootVersion returns the raw signed payload of a historical root
func (l *Local) FetchRootVersion(repo data.RepoID, version int) ([]byte, error) {
	row, err := l.Engine.FetchVersion(repo, version)
	if err != nil {
		return nil, err
	}
	return row.Content, nil
}

// SignPayload signs a JSON document with every online key of the role
func (l *Local) SignPayload(repo data.RepoID, role data.RoleName, payload json.RawMessage) (*data.Signed, error) {
	return l.Engine.SignPayload(repo, role, payload)
}
