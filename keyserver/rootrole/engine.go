package rootrole

import (
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/docker/go/canonical/json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/cryptoservice"
	kserrors "github.com/scala-steward/ota-tuf/keyserver/errors"
	"github.com/scala-steward/ota-tuf/keyserver/keygen"
	"github.com/scala-steward/ota-tuf/keyserver/secrets"
	"github.com/scala-steward/ota-tuf/keyserver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/tuf/signed"
)

// Engine owns the root role lifecycle of every repo: initial build once key
// generation finishes, refresh on expiry, cross-signed rotation, validation
// of externally signed roots, role slot additions and the signing oracle for
// the other roles.
type Engine struct {
	store      storage.KeyStore
	secrets    secrets.Store
	keygen     *keygen.Engine
	clock      clock.Clock
	rootExpiry time.Duration
}

// NewEngine returns an Engine with the default root lifetime
func NewEngine(store storage.KeyStore, secretsStore secrets.Store, keygenEngine *keygen.Engine) *Engine {
	return &Engine{
		store:      store,
		secrets:    secretsStore,
		keygen:     keygenEngine,
		clock:      clock.C,
		rootExpiry: otatuf.DefaultRootExpiry,
	}
}

// SetClock replaces the engine's clock, for tests
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
}

func keySizeFor(keyType data.KeyType) int {
	if keyType == data.RSAKey {
		return otatuf.MinRSABitSize
	}
	return 256
}

// CreateRoot records key generation requests for every base role of a new
// repo and returns the request ids. With forceSync the keys are generated
// inline and the initial root is persisted before returning.
func (e *Engine) CreateRoot(repo data.RepoID, keyType data.KeyType, threshold int, forceSync bool) ([]string, error) {
	if threshold < otatuf.MinThreshold {
		return nil, kserrors.ErrInvalidParameters.WithDescription(
			fmt.Sprintf("threshold must be at least %d", otatuf.MinThreshold))
	}
	if !data.ValidKeyType(keyType) {
		return nil, kserrors.ErrInvalidParameters.WithDescription(
			fmt.Sprintf("unsupported key type: %s", keyType))
	}

	if _, err := e.store.LatestSignedRoot(repo); err == nil {
		return nil, kserrors.ErrEntityAlreadyExists.WithDescription("a root role already exists for this repo")
	} else if _, ok := err.(storage.ErrNotFound); !ok {
		return nil, err
	}
	existing, err := e.store.RepoKeyGenRequests(repo)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, kserrors.ErrEntityAlreadyExists.WithDescription("key generation already requested for this repo")
	}

	var requests []storage.KeyGenRequest
	for _, role := range data.BaseRoles {
		for i := 0; i < threshold; i++ {
			requests = append(requests, storage.KeyGenRequest{
				RequestID: uuid.New().String(),
				Repo:      repo.String(),
				Role:      role.String(),
				KeyType:   string(keyType),
				KeySize:   keySizeFor(keyType),
				Threshold: threshold,
				Status:    storage.KeyGenRequested,
			})
		}
	}
	requestIDs := make([]string, len(requests))
	for i, request := range requests {
		requestIDs[i] = request.RequestID
	}

	if forceSync {
		if err := e.keygen.GenerateNow(requests); err != nil {
			return requestIDs, err
		}
		if _, err := e.FindFresh(repo, nil); err != nil {
			return requestIDs, err
		}
		return requestIDs, nil
	}

	if err := e.store.AddKeyGenRequests(requests...); err != nil {
		if _, ok := err.(storage.ErrRequestExists); ok {
			return nil, kserrors.ErrEntityAlreadyExists.WithDescription("key generation already requested for this repo")
		}
		return nil, err
	}
	return requestIDs, nil
}

// readyKeys returns nil when every key generation request of the repo has
// finished successfully
func (e *Engine) readyKeys(repo data.RepoID) error {
	requests, err := e.store.RepoKeyGenRequests(repo)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return kserrors.ErrMissingEntity.WithDescription("no root role has been requested for this repo")
	}

	var pending bool
	var errored []string
	for _, request := range requests {
		switch request.Status {
		case storage.KeyGenRequested:
			pending = true
		case storage.KeyGenError:
			errored = append(errored, fmt.Sprintf("%s: %s", request.RequestID, request.Cause))
		}
	}
	if pending {
		return kserrors.ErrKeysNotReady
	}
	if len(errored) > 0 {
		return kserrors.ErrKeysNotReady.
			WithDescription("key generation failed; retry with PUT").WithCause(errored)
	}
	return nil
}

// FindFresh returns the latest root role, building the initial version if
// the repo has none yet and refreshing it first when it expires before
// max(now, expireNotBefore).
func (e *Engine) FindFresh(repo data.RepoID, expireNotBefore *time.Time) (storage.SignedRootRole, error) {
	row, err := e.store.LatestSignedRoot(repo)
	if _, ok := err.(storage.ErrNotFound); ok {
		if err := e.readyKeys(repo); err != nil {
			return storage.SignedRootRole{}, err
		}
		return e.buildInitial(repo)
	} else if err != nil {
		return storage.SignedRootRole{}, err
	}

	deadline := e.clock.Now()
	if expireNotBefore != nil && expireNotBefore.After(deadline) {
		deadline = *expireNotBefore
	}
	if row.ExpiresAt.After(deadline) {
		return row, nil
	}
	return e.refresh(repo, row)
}

// FetchVersion returns a specific persisted root role version
func (e *Engine) FetchVersion(repo data.RepoID, version int) (storage.SignedRootRole, error) {
	row, err := e.store.SignedRootVersion(repo, version)
	if _, ok := err.(storage.ErrNotFound); ok {
		return storage.SignedRootRole{}, kserrors.ErrMissingEntity.WithDescription(
			fmt.Sprintf("root role version %d not found", version))
	}
	return row, err
}

// RetryKeyGeneration moves the repo's errored key generation requests back
// to REQUESTED
func (e *Engine) RetryKeyGeneration(repo data.RepoID) (int64, error) {
	return e.store.RetryKeyGenRequests(repo)
}

func (e *Engine) buildInitial(repo data.RepoID) (storage.SignedRootRole, error) {
	keys, err := e.store.RepoKeys(repo)
	if err != nil {
		return storage.SignedRootRole{}, err
	}

	pubKeys := make(map[string]data.PublicKey)
	roles := make(map[data.RoleName]*data.RootRole)
	for _, key := range keys {
		pub := key.PublicKey()
		pubKeys[pub.ID()] = pub
		role := data.RoleName(key.Role)
		if roles[role] == nil {
			roles[role] = &data.RootRole{}
		}
		roles[role].KeyIDs = append(roles[role].KeyIDs, pub.ID())
		roles[role].Threshold++
	}

	root := data.NewRoot(pubKeys, roles, 1, e.clock.Now().Add(e.rootExpiry))
	logrus.WithField("repo", repo).Info("building initial root role")
	return e.signAndPersist(repo, root, nil, 0)
}

// refresh produces the next version of an existing root, reusing its key set
func (e *Engine) refresh(repo data.RepoID, row storage.SignedRootRole) (storage.SignedRootRole, error) {
	signedRoot, err := parseSignedRoot(row)
	if err != nil {
		return storage.SignedRootRole{}, err
	}
	signedRoot.Signed.Version++
	signedRoot.Signed.Expires = e.clock.Now().Add(e.rootExpiry).UTC().Round(time.Second)
	signedRoot.Signatures = nil
	return e.signAndPersist(repo, signedRoot, nil, 0)
}

// Rotate publishes a new root whose root role key set is only a freshly
// generated key, cross-signed by the old root keys, then takes the old root
// keys offline.
func (e *Engine) Rotate(repo data.RepoID) (storage.SignedRootRole, error) {
	row, err := e.store.LatestSignedRoot(repo)
	if _, ok := err.(storage.ErrNotFound); ok {
		return storage.SignedRootRole{}, kserrors.ErrMissingEntity.WithDescription("no root role exists for this repo")
	} else if err != nil {
		return storage.SignedRootRole{}, err
	}
	signedRoot, err := parseSignedRoot(row)
	if err != nil {
		return storage.SignedRootRole{}, err
	}
	oldRootRole, err := signedRoot.BuildBaseRole(data.CanonicalRootRole)
	if err != nil {
		return storage.SignedRootRole{}, err
	}

	// the new key follows the type of the keys it replaces
	oldKeyRow, err := e.store.GetKey(repo, oldRootRole.ListKeyIDs()[0])
	if err != nil {
		return storage.SignedRootRole{}, err
	}
	newPub, err := e.generateAndStoreKey(repo, data.CanonicalRootRole, data.KeyType(oldKeyRow.KeyType))
	if err != nil {
		return storage.SignedRootRole{}, err
	}

	// keys of other roles are preserved; old root-only keys drop out of the map
	usedElsewhere := make(map[string]bool)
	for roleName, roleObj := range signedRoot.Signed.Roles {
		if roleName == data.CanonicalRootRole {
			continue
		}
		for _, keyID := range roleObj.KeyIDs {
			usedElsewhere[keyID] = true
		}
	}
	newKeys := make(map[string]data.PublicKey)
	for keyID, key := range signedRoot.Signed.Keys {
		newKeys[keyID] = key
	}
	for _, keyID := range oldRootRole.ListKeyIDs() {
		if !usedElsewhere[keyID] {
			delete(newKeys, keyID)
		}
	}
	newKeys[newPub.ID()] = newPub

	newRoles := make(map[data.RoleName]*data.RootRole)
	for roleName, roleObj := range signedRoot.Signed.Roles {
		newRoles[roleName] = &data.RootRole{KeyIDs: roleObj.KeyIDs, Threshold: roleObj.Threshold}
	}
	newRoles[data.CanonicalRootRole] = &data.RootRole{KeyIDs: []string{newPub.ID()}, Threshold: 1}

	newRoot := data.NewRoot(newKeys, newRoles, signedRoot.Signed.Version+1,
		e.clock.Now().Add(e.rootExpiry))

	// cross-sign: every old root key and the new one must sign
	oldKeys := oldRootRole.ListKeys()
	out, err := e.signAndPersist(repo, newRoot, oldKeys, len(oldKeys)+1)
	if err != nil {
		return storage.SignedRootRole{}, err
	}

	for _, keyID := range oldRootRole.ListKeyIDs() {
		if err := e.TakeOffline(repo, keyID); err != nil {
			return storage.SignedRootRole{}, err
		}
	}
	logrus.WithFields(logrus.Fields{"repo": repo, "version": newRoot.Signed.Version}).
		Info("rotated root role")
	return out, nil
}

// ValidateAndPersist checks a client-signed root against the previous
// version and persists it. Failures carry the full list of breached checks.
func (e *Engine) ValidateAndPersist(repo data.RepoID, payload *data.Signed) error {
	row, err := e.store.LatestSignedRoot(repo)
	if _, ok := err.(storage.ErrNotFound); ok {
		return kserrors.ErrMissingEntity.WithDescription("no root role exists for this repo")
	} else if err != nil {
		return err
	}
	prevRoot, err := parseSignedRoot(row)
	if err != nil {
		return err
	}

	newRoot, err := data.RootFromSigned(payload)
	if err != nil {
		return kserrors.ErrInvalidRootRole.WithCause([]string{err.Error()})
	}

	var causes []string
	if newRoot.Signed.Version != prevRoot.Signed.Version+1 {
		causes = append(causes, fmt.Sprintf("version must be exactly %d, not %d",
			prevRoot.Signed.Version+1, newRoot.Signed.Version))
	}
	for keyID, key := range newRoot.Signed.Keys {
		if key.ID() != keyID {
			causes = append(causes, fmt.Sprintf("key ID %s does not match its public material", keyID))
		}
	}

	prevRole, err := prevRoot.BuildBaseRole(data.CanonicalRootRole)
	if err != nil {
		return err
	}
	if err := signed.VerifySignatures(payload, prevRole); err != nil {
		causes = append(causes, fmt.Sprintf("not signed under the previous root keys: %v", err))
	}
	if newRole, err := newRoot.BuildBaseRole(data.CanonicalRootRole); err != nil {
		causes = append(causes, err.Error())
	} else if err := signed.VerifySignatures(payload, newRole); err != nil {
		causes = append(causes, fmt.Sprintf("not signed under the new root keys: %v", err))
	}

	if len(causes) > 0 {
		return kserrors.ErrInvalidRootRole.WithCause(causes)
	}

	content, err := data.MarshalCanonical(payload)
	if err != nil {
		return err
	}
	if err := e.store.AddSignedRoot(repo, newRoot.Signed.Version, newRoot.Signed.Expires, content); err != nil {
		if _, ok := err.(storage.ErrOldVersion); ok {
			return kserrors.ErrInvalidRootRole.WithCause([]string{"a newer root role version was persisted concurrently"})
		}
		return err
	}
	return nil
}

// NextUnsigned returns the next root version for offline signing: current
// key set, version bumped, expiry refreshed, no signatures.
func (e *Engine) NextUnsigned(repo data.RepoID) (*data.Root, error) {
	row, err := e.store.LatestSignedRoot(repo)
	if _, ok := err.(storage.ErrNotFound); ok {
		return nil, kserrors.ErrMissingEntity.WithDescription("no root role exists for this repo")
	} else if err != nil {
		return nil, err
	}
	signedRoot, err := parseSignedRoot(row)
	if err != nil {
		return nil, err
	}
	signedRoot.Signed.Version++
	signedRoot.Signed.Expires = e.clock.Now().Add(e.rootExpiry).UTC().Round(time.Second)
	return &signedRoot.Signed, nil
}

// AddRoles appends the given extension role slots to the root, generating
// their keys synchronously. Roles that are already present are skipped.
func (e *Engine) AddRoles(repo data.RepoID, roles ...data.RoleName) (storage.SignedRootRole, error) {
	for _, role := range roles {
		var known bool
		for _, ext := range data.ExtensionRoles {
			if role == ext {
				known = true
				break
			}
		}
		if !known {
			return storage.SignedRootRole{}, kserrors.ErrInvalidParameters.WithDescription(
				fmt.Sprintf("role %s cannot be added to a root", role))
		}
	}

	row, err := e.store.LatestSignedRoot(repo)
	if _, ok := err.(storage.ErrNotFound); ok {
		return storage.SignedRootRole{}, kserrors.ErrMissingEntity.WithDescription("no root role exists for this repo")
	} else if err != nil {
		return storage.SignedRootRole{}, err
	}
	signedRoot, err := parseSignedRoot(row)
	if err != nil {
		return storage.SignedRootRole{}, err
	}

	var missing []data.RoleName
	for _, role := range roles {
		if _, ok := signedRoot.Signed.Roles[role]; !ok {
			missing = append(missing, role)
		}
	}
	if len(missing) == 0 {
		return row, nil
	}

	rootRole, err := signedRoot.BuildBaseRole(data.CanonicalRootRole)
	if err != nil {
		return storage.SignedRootRole{}, err
	}
	keyRow, err := e.store.GetKey(repo, rootRole.ListKeyIDs()[0])
	if err != nil {
		return storage.SignedRootRole{}, err
	}

	newKeys := make(map[string]data.PublicKey)
	for keyID, key := range signedRoot.Signed.Keys {
		newKeys[keyID] = key
	}
	newRoles := make(map[data.RoleName]*data.RootRole)
	for roleName, roleObj := range signedRoot.Signed.Roles {
		newRoles[roleName] = &data.RootRole{KeyIDs: roleObj.KeyIDs, Threshold: roleObj.Threshold}
	}
	for _, role := range missing {
		pub, err := e.generateAndStoreKey(repo, role, data.KeyType(keyRow.KeyType))
		if err != nil {
			return storage.SignedRootRole{}, err
		}
		newKeys[pub.ID()] = pub
		newRoles[role] = &data.RootRole{KeyIDs: []string{pub.ID()}, Threshold: 1}
	}

	newRoot := data.NewRoot(newKeys, newRoles, signedRoot.Signed.Version+1,
		e.clock.Now().Add(e.rootExpiry))
	return e.signAndPersist(repo, newRoot, nil, 0)
}

// SignPayload is the signing oracle: it signs an arbitrary JSON payload with
// every online private key of the given role.
func (e *Engine) SignPayload(repo data.RepoID, role data.RoleName, payload json.RawMessage) (*data.Signed, error) {
	row, err := e.store.LatestSignedRoot(repo)
	if _, ok := err.(storage.ErrNotFound); ok {
		return nil, kserrors.ErrMissingEntity.WithDescription("no root role exists for this repo")
	} else if err != nil {
		return nil, err
	}
	signedRoot, err := parseSignedRoot(row)
	if err != nil {
		return nil, err
	}
	baseRole, err := signedRoot.BuildBaseRole(role)
	if err != nil {
		return nil, kserrors.ErrMissingEntity.WithDescription(
			fmt.Sprintf("role %s is not defined in the root", role))
	}

	var online []data.PublicKey
	for keyID, key := range baseRole.Keys {
		keyRow, err := e.store.GetKey(repo, keyID)
		if err == nil && keyRow.Online() {
			online = append(online, key)
		}
	}
	if len(online) == 0 {
		return nil, kserrors.ErrRoleKeyNotFound
	}

	s := &data.Signed{Signed: &payload}
	if err := signed.Sign(e.cryptoService(repo), s, online, len(online), nil); err != nil {
		if _, ok := err.(signed.ErrInsufficientSignatures); ok {
			return nil, kserrors.ErrRoleKeyNotFound
		}
		return nil, err
	}
	return s, nil
}

// TakeOffline deletes the private half of a key from the secret store.
// Deleting a key that is already offline is a no-op.
func (e *Engine) TakeOffline(repo data.RepoID, keyID string) error {
	if _, err := e.store.GetKey(repo, keyID); err != nil {
		if _, ok := err.(storage.ErrNotFound); ok {
			return kserrors.ErrMissingEntity.WithDescription(fmt.Sprintf("key %s not found", keyID))
		}
		return err
	}
	if err := e.secrets.RemoveKey(repo, keyID); err != nil {
		return err
	}
	return e.store.MarkKeyOffline(repo, keyID)
}

func (e *Engine) generateAndStoreKey(repo data.RepoID, role data.RoleName, keyType data.KeyType) (data.PublicKey, error) {
	privKey, err := cryptoservice.GeneratePrivateKey(keyType, keySizeFor(keyType))
	if err != nil {
		return nil, err
	}
	if err := e.secrets.AddKey(repo, role, privKey); err != nil {
		return nil, err
	}
	if err := e.store.AddKey(storage.Key{
		Repo:       repo.String(),
		Role:       role.String(),
		KeyID:      privKey.ID(),
		KeyType:    string(keyType),
		Public:     privKey.Public(),
		PrivateRef: privKey.ID(),
	}); err != nil {
		return nil, err
	}
	return data.PublicKeyFromPrivate(privKey), nil
}

// signAndPersist signs the root with its own root keys plus extraSigners and
// persists the result. minSignatures of 0 means the root role's threshold.
func (e *Engine) signAndPersist(repo data.RepoID, root *data.SignedRoot,
	extraSigners []data.PublicKey, minSignatures int) (storage.SignedRootRole, error) {

	s, err := root.ToSigned()
	if err != nil {
		return storage.SignedRootRole{}, err
	}
	rootRole, err := root.BuildBaseRole(data.CanonicalRootRole)
	if err != nil {
		return storage.SignedRootRole{}, err
	}
	signingKeys := append(rootRole.ListKeys(), extraSigners...)
	if minSignatures == 0 {
		minSignatures = rootRole.Threshold
	}

	if err := signed.Sign(e.cryptoService(repo), s, signingKeys, minSignatures, nil); err != nil {
		if _, ok := err.(signed.ErrInsufficientSignatures); ok {
			return storage.SignedRootRole{}, kserrors.ErrRoleKeyNotFound.WithDescription(
				"the root private keys are offline; the root role cannot be re-signed")
		}
		return storage.SignedRootRole{}, err
	}

	content, err := data.MarshalCanonical(s)
	if err != nil {
		return storage.SignedRootRole{}, err
	}
	if err := e.store.AddSignedRoot(repo, root.Signed.Version, root.Signed.Expires, content); err != nil {
		return storage.SignedRootRole{}, err
	}
	return storage.SignedRootRole{
		Repo:      repo.String(),
		Version:   root.Signed.Version,
		ExpiresAt: root.Signed.Expires,
		Content:   content,
	}, nil
}

func (e *Engine) cryptoService(repo data.RepoID) signed.CryptoService {
	return &repoCryptoService{repo: repo, engine: e}
}

func parseSignedRoot(row storage.SignedRootRole) (*data.SignedRoot, error) {
	s := &data.Signed{}
	if err := json.Unmarshal(row.Content, s); err != nil {
		return nil, err
	}
	return data.RootFromSigned(s)
}

// repoCryptoService adapts the key store and the secret store of one repo to
// the signing interface
type repoCryptoService struct {
	repo   data.RepoID
	engine *Engine
}

func (c *repoCryptoService) Create(role data.RoleName, repo data.RepoID, keyType data.KeyType) (data.PublicKey, error) {
	return c.engine.generateAndStoreKey(c.repo, role, keyType)
}

func (c *repoCryptoService) GetKey(keyID string) data.PublicKey {
	row, err := c.engine.store.GetKey(c.repo, keyID)
	if err != nil {
		return nil
	}
	return row.PublicKey()
}

func (c *repoCryptoService) GetPrivateKey(keyID string) (data.PrivateKey, data.RoleName, error) {
	row, err := c.engine.store.GetKey(c.repo, keyID)
	if err != nil || !row.Online() {
		return nil, "", signed.ErrKeyNotFound{KeyID: keyID}
	}
	privKey, err := c.engine.secrets.GetKey(c.repo, keyID)
	if err != nil {
		if _, ok := err.(secrets.ErrKeyNotAvailable); ok {
			return nil, "", signed.ErrKeyNotFound{KeyID: keyID}
		}
		return nil, "", err
	}
	return privKey, data.RoleName(row.Role), nil
}

func (c *repoCryptoService) RemoveKey(keyID string) error {
	return c.engine.TakeOffline(c.repo, keyID)
}

func (c *repoCryptoService) ListKeys(role data.RoleName) []string {
	rows, err := c.engine.store.RepoKeys(c.repo)
	if err != nil {
		return nil
	}
	var keyIDs []string
	for _, row := range rows {
		if data.RoleName(row.Role) == role {
			keyIDs = append(keyIDs, row.KeyID)
		}
	}
	return keyIDs
}

func (c *repoCryptoService) ListAllKeys() map[string]data.RoleName {
	rows, err := c.engine.store.RepoKeys(c.repo)
	if err != nil {
		return nil
	}
	keys := make(map[string]data.RoleName)
	for _, row := range rows {
		keys[row.KeyID] = data.RoleName(row.Role)
	}
	return keys
}
