package roles

import (
	"fmt"
	"time"

	"github.com/scala-steward/ota-tuf/reposerver/errors"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/tuf/signed"
)

// PushDelegation accepts a client-signed delegated targets document. The
// delegation must be declared in the current targets role, the signatures
// must meet the declared key set and threshold, and the version must grow.
func (g *Generator) PushDelegation(repo data.RepoID, name string, payload *data.Signed) error {
	targetsRow, err := g.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	if _, ok := err.(storage.ErrNotFound); ok {
		return errors.ErrDelegationNotDefined.WithDescription("the repo has no targets role")
	} else if err != nil {
		return err
	}
	targets, err := parseTargets(targetsRow.Content, data.CanonicalTargetsRole)
	if err != nil {
		return err
	}

	role, err := targets.BuildDelegationRole(name)
	if err != nil {
		return errors.ErrDelegationNotDefined.WithDescription(
			fmt.Sprintf("delegation %s is not defined in the current targets role", name))
	}

	delegated, err := data.TargetsFromSigned(payload, data.RoleName(name))
	if err != nil {
		return errors.ErrMalformedJSON.WithDescription(err.Error())
	}

	if err := signed.VerifySignatures(payload, role); err != nil {
		return errors.ErrPayloadSignatureInvalid.WithDescription(err.Error())
	}

	content, err := data.MarshalCanonical(payload)
	if err != nil {
		return err
	}
	if err := g.store.UpsertDelegation(repo, name, delegated.Signed.Version, content); err != nil {
		if _, ok := err.(storage.ErrOldVersion); ok {
			current, getErr := g.store.GetDelegation(repo, name)
			if getErr == nil {
				return errors.ErrInvalidVersionBump.WithCause(map[string]int{
					"current": current.Version,
					"given":   delegated.Signed.Version,
				})
			}
			return errors.ErrInvalidVersionBump
		}
		return err
	}
	return nil
}

// FindDelegation returns a stored delegated targets document
func (g *Generator) FindDelegation(repo data.RepoID, name string) (storage.Delegation, error) {
	row, err := g.store.GetDelegation(repo, name)
	if _, ok := err.(storage.ErrNotFound); ok {
		return storage.Delegation{}, errors.ErrMissingEntity.WithDescription("delegation not found")
	}
	return row, err
}

// SetExpireNotBefore records the instant before which no role served for the
// repo may expire. Roles already violating it are refreshed on their next read.
func (g *Generator) SetExpireNotBefore(repo data.RepoID, notBefore time.Time) error {
	return g.store.SetExpireNotBefore(repo, notBefore)
}
