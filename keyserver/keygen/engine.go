package keygen

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/sirupsen/logrus"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/cryptoservice"
	"github.com/scala-steward/ota-tuf/keyserver/secrets"
	"github.com/scala-steward/ota-tuf/keyserver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

// Engine generates key pairs for pending KeyGenRequests. The background loop
// picks up REQUESTED rows in bounded batches; forced synchronous generation
// inserts rows in ERROR state first so the loop never races the request
// thread for them.
type Engine struct {
	store     storage.KeyStore
	secrets   secrets.Store
	clock     clock.Clock
	batchSize int
	interval  time.Duration
}

// NewEngine returns an Engine with the default batch size and poll interval
func NewEngine(store storage.KeyStore, secretsStore secrets.Store) *Engine {
	return &Engine{
		store:     store,
		secrets:   secretsStore,
		clock:     clock.C,
		batchSize: otatuf.KeyGenBatchSize,
		interval:  otatuf.KeyGenInterval,
	}
}

// SetClock replaces the engine's clock, for tests
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
}

// Run polls for pending requests until the context is cancelled
func (e *Engine) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"batchSize": e.batchSize,
		"interval":  e.interval,
	}).Info("starting key generation loop")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.interval):
			if processed, err := e.ProcessBatch(); err != nil {
				logrus.Errorf("key generation batch failed: %v", err)
			} else if processed > 0 {
				logrus.Debugf("processed %d key generation requests", processed)
			}
		}
	}
}

// ProcessBatch fetches up to batchSize pending requests and processes each.
// Individual failures move their request to ERROR and do not abort the batch.
func (e *Engine) ProcessBatch() (int, error) {
	pending, err := e.store.PendingKeyGenRequests(e.batchSize)
	if err != nil {
		return 0, err
	}
	for _, request := range pending {
		if err := e.Process(request); err != nil {
			logrus.WithField("requestId", request.RequestID).
				Errorf("key generation failed: %v", err)
		}
	}
	return len(pending), nil
}

// Process generates a key pair for one request, writes the private half to
// the secret store and atomically records the public half with the GENERATED
// transition. On failure the request moves to ERROR with a truncated cause.
func (e *Engine) Process(request storage.KeyGenRequest) error {
	repo := data.RepoID(request.Repo)
	role := data.RoleName(request.Role)

	privKey, err := cryptoservice.GeneratePrivateKey(data.KeyType(request.KeyType), request.KeySize)
	if err != nil {
		return e.fail(request, err)
	}

	if err := e.secrets.AddKey(repo, role, privKey); err != nil {
		return e.fail(request, err)
	}

	keyRow := storage.Key{
		Repo:       request.Repo,
		Role:       request.Role,
		KeyID:      privKey.ID(),
		KeyType:    request.KeyType,
		Public:     privKey.Public(),
		PrivateRef: privKey.ID(),
	}
	if err := e.store.FinishKeyGenRequest(request, keyRow); err != nil {
		return e.fail(request, err)
	}
	return nil
}

// GenerateNow runs forced synchronous generation: the requests are inserted
// in ERROR state and processed inline on the calling thread. If generation
// times out upstream the rows stay in ERROR until an explicit retry.
func (e *Engine) GenerateNow(requests []storage.KeyGenRequest) error {
	for i := range requests {
		requests[i].Status = storage.KeyGenError
	}
	if err := e.store.AddKeyGenRequests(requests...); err != nil {
		return err
	}
	for _, request := range requests {
		if err := e.Process(request); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fail(request storage.KeyGenRequest, cause error) error {
	msg := cause.Error()
	if len(msg) > otatuf.MaxErrorCauseLength {
		msg = msg[:otatuf.MaxErrorCauseLength]
	}
	if err := e.store.FailKeyGenRequest(request.RequestID, msg); err != nil {
		logrus.Errorf("failed to record key generation error: %v", err)
	}
	return cause
}
