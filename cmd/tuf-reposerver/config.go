package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/docker/distribution/health"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	otatuf "github.com/scala-steward/ota-tuf"
	keysclient "github.com/scala-steward/ota-tuf/keyserver/client"
	"github.com/scala-steward/ota-tuf/reposerver"
	"github.com/scala-steward/ota-tuf/reposerver/roles"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/reposerver/targetstore"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/utils"
)

const (
	defaultAddr     = ":8201"
	defaultBlobRoot = "/var/lib/tuf-reposerver/targets"
)

type healthRegister func(name string, duration time.Duration, check health.CheckFunc)

// getStore sets up the repo store from the configured backend. The returned
// bootstrap function creates the backing tables.
func getStore(configuration *viper.Viper, hRegister healthRegister) (storage.RepoStore, func() error, error) {
	backend := configuration.GetString("storage.backend")

	if backend == otatuf.MemoryBackend {
		noop := func() error { return nil }
		return storage.NewMemStorage(), noop, nil
	}

	storeConfig, err := utils.ParseSQLStorage(configuration)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLStorage(storeConfig.Backend, storeConfig.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("error starting DB driver: %v", err)
	}

	hRegister("DB operational", time.Minute, store.CheckHealth)

	bootstrap := func() error {
		return storage.CreateRepoServerTables(store.DB)
	}
	return store, bootstrap, nil
}

func parseRepoServerConfig(configFilePath string, hRegister healthRegister) (reposerver.Config, func() error, error) {
	config := viper.New()
	utils.SetupViper(config, envPrefix)

	if err := utils.ParseViper(config, configFilePath); err != nil {
		return reposerver.Config{}, nil, err
	}

	lvl, err := utils.ParseLogLevel(config, logrus.InfoLevel)
	if err != nil {
		return reposerver.Config{}, nil, err
	}
	logrus.SetLevel(lvl)

	tlsConfig, err := utils.ParseServerTLS(config, false)
	if err != nil {
		return reposerver.Config{}, nil, err
	}

	store, bootstrap, err := getStore(config, hRegister)
	if err != nil {
		return reposerver.Config{}, nil, err
	}

	keyServerURL := config.GetString("keyserver.url")
	if keyServerURL == "" {
		return reposerver.Config{}, nil, errors.New("must provide the key server url")
	}
	keys := keysclient.NewHTTPClient(keyServerURL)

	blobRoot := config.GetString("targets.blob_root")
	if blobRoot == "" {
		blobRoot = defaultBlobRoot
	}
	blobs, err := targetstore.NewLocalStore(blobRoot)
	if err != nil {
		return reposerver.Config{}, nil, err
	}

	keyAlgo := data.KeyType(config.GetString("keyserver.key_algo"))
	if keyAlgo != "" && !data.ValidKeyType(keyAlgo) {
		return reposerver.Config{}, nil, fmt.Errorf("%s is not a supported key type", keyAlgo)
	}

	addr := config.GetString("server.addr")
	if addr == "" {
		addr = defaultAddr
	}

	return reposerver.Config{
		Addr:       addr,
		TLSConfig:  tlsConfig,
		Generator:  roles.NewGenerator(store, keys, blobs),
		Store:      store,
		Keys:       keys,
		KeyAlgo:    keyAlgo,
		AuthMethod: config.GetString("auth.type"),
		AuthOpts:   config.Get("auth.options"),
	}, bootstrap, nil
}
