package client

import (
	"time"

	"github.com/docker/go/canonical/json"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// KeyClient is the repo server's view of the key server. The two processes
// share no state; everything goes through this boundary.
type KeyClient interface {
	// CreateRoot requests key generation and a root role for a new repo
	CreateRoot(repo data.RepoID, keyType data.KeyType, threshold int, forceSync bool) ([]string, error)

	// FetchRoot returns the current root, parsed and as the raw signed
	// payload bytes, refreshing it server side when stale
	FetchRoot(repo data.RepoID, expireNotBefore *time.Time) (*data.SignedRoot, []byte, error)

	// FetchRootVersion returns the raw signed payload of a historical root
	FetchRootVersion(repo data.RepoID, version int) ([]byte, error)

	// SignPayload signs a JSON document with every online key of the role
	SignPayload(repo data.RepoID, role data.RoleName, payload json.RawMessage) (*data.Signed, error)
}

func parseRoot(raw []byte) (*data.SignedRoot, error) {
	s := &data.Signed{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return data.RootFromSigned(s)
}
