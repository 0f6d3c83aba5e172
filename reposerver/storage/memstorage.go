package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// MemStorage is an in-memory RepoStore, used for testing and development
type MemStorage struct {
	lock        sync.Mutex
	nextID      uint
	namespaces  map[string]data.RepoID
	targets     map[string]map[string]TargetItem
	roles       map[string]map[string]SignedRole
	delegations map[string]map[string]Delegation
	expires     map[string]time.Time
}

// NewMemStorage instantiates a memStorage instance
func NewMemStorage() *MemStorage {
	return &MemStorage{
		namespaces:  make(map[string]data.RepoID),
		targets:     make(map[string]map[string]TargetItem),
		roles:       make(map[string]map[string]SignedRole),
		delegations: make(map[string]map[string]Delegation),
		expires:     make(map[string]time.Time),
	}
}

// AddRepoForNamespace records a namespace to repo mapping
func (st *MemStorage) AddRepoForNamespace(namespace string, repo data.RepoID) error {
	st.lock.Lock()
	defer st.lock.Unlock()

	if _, ok := st.namespaces[namespace]; ok {
		return ErrAlreadyExists{}
	}
	st.namespaces[namespace] = repo
	return nil
}

// RepoForNamespace resolves a namespace to its repo
func (st *MemStorage) RepoForNamespace(namespace string) (data.RepoID, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	repo, ok := st.namespaces[namespace]
	if !ok {
		return "", ErrNotFound{}
	}
	return repo, nil
}

// UpsertTargetItem inserts or replaces a target item by (repo, filename)
func (st *MemStorage) UpsertTargetItem(item TargetItem) (bool, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	byName, ok := st.targets[item.Repo]
	if !ok {
		byName = make(map[string]TargetItem)
		st.targets[item.Repo] = byName
	}

	existing, found := byName[item.Filename]
	if found {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		st.nextID++
		item.ID = st.nextID
		item.CreatedAt = time.Now()
	}
	item.UpdatedAt = time.Now()
	byName[item.Filename] = item
	return !found, nil
}

// DeleteTargetItem removes a target item
func (st *MemStorage) DeleteTargetItem(repo data.RepoID, filename string) error {
	st.lock.Lock()
	defer st.lock.Unlock()

	byName, ok := st.targets[repo.String()]
	if !ok {
		return ErrNotFound{}
	}
	if _, ok := byName[filename]; !ok {
		return ErrNotFound{}
	}
	delete(byName, filename)
	return nil
}

// GetTargetItem returns a single target item
func (st *MemStorage) GetTargetItem(repo data.RepoID, filename string) (TargetItem, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	item, ok := st.targets[repo.String()][filename]
	if !ok {
		return TargetItem{}, ErrNotFound{}
	}
	return item, nil
}

// ListTargetItems returns a page of target items ordered by filename
func (st *MemStorage) ListTargetItems(repo data.RepoID, nameContains string, offset, limit int) ([]TargetItem, int64, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	var matched []TargetItem
	for _, item := range st.targets[repo.String()] {
		if nameContains != "" && !strings.Contains(item.Filename, nameContains) {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Filename < matched[j].Filename
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// GetSignedRole returns the current version of a non-root role
func (st *MemStorage) GetSignedRole(repo data.RepoID, role data.RoleName) (SignedRole, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	row, ok := st.roles[repo.String()][role.String()]
	if !ok {
		return SignedRole{}, ErrNotFound{}
	}
	return row, nil
}

// UpdateSignedRoles persists the given roles atomically, enforcing the
// version bump rule for each
func (st *MemStorage) UpdateSignedRoles(repo data.RepoID, roles []SignedRole) error {
	st.lock.Lock()
	defer st.lock.Unlock()

	byRole, ok := st.roles[repo.String()]
	if !ok {
		byRole = make(map[string]SignedRole)
		st.roles[repo.String()] = byRole
	}

	// validate everything before writing anything
	for _, role := range roles {
		current, found := byRole[role.Role]
		if !found {
			if role.Version < 1 {
				return ErrInvalidVersionBump{Current: 0, Given: role.Version}
			}
			continue
		}
		if role.Version != current.Version+1 {
			return ErrInvalidVersionBump{Current: current.Version, Given: role.Version}
		}
	}
	for _, role := range roles {
		role.Repo = repo.String()
		byRole[role.Role] = role
	}
	return nil
}

// UpsertDelegation stores a delegated targets document
func (st *MemStorage) UpsertDelegation(repo data.RepoID, name string, version int, content []byte) error {
	st.lock.Lock()
	defer st.lock.Unlock()

	byName, ok := st.delegations[repo.String()]
	if !ok {
		byName = make(map[string]Delegation)
		st.delegations[repo.String()] = byName
	}

	if current, found := byName[name]; found {
		if version <= current.Version {
			return ErrOldVersion{}
		}
	} else if version < 1 {
		return ErrOldVersion{}
	}
	byName[name] = Delegation{
		Repo:    repo.String(),
		Name:    name,
		Version: version,
		Content: content,
	}
	return nil
}

// GetDelegation returns a stored delegated targets document
func (st *MemStorage) GetDelegation(repo data.RepoID, name string) (Delegation, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	row, ok := st.delegations[repo.String()][name]
	if !ok {
		return Delegation{}, ErrNotFound{}
	}
	return row, nil
}

// SetExpireNotBefore stores the repo's expire-not-before instant
func (st *MemStorage) SetExpireNotBefore(repo data.RepoID, notBefore time.Time) error {
	st.lock.Lock()
	defer st.lock.Unlock()

	st.expires[repo.String()] = notBefore
	return nil
}

// GetExpireNotBefore returns the repo's expire-not-before instant
func (st *MemStorage) GetExpireNotBefore(repo data.RepoID) (*time.Time, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	notBefore, ok := st.expires[repo.String()]
	if !ok {
		return nil, nil
	}
	return &notBefore, nil
}

// CheckHealth returns nil
func (st *MemStorage) CheckHealth() error {
	return nil
}
