package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/docker/distribution/health"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/keyserver"
	"github.com/scala-steward/ota-tuf/keyserver/keygen"
	"github.com/scala-steward/ota-tuf/keyserver/rootrole"
	"github.com/scala-steward/ota-tuf/keyserver/secrets"
	"github.com/scala-steward/ota-tuf/keyserver/storage"
	"github.com/scala-steward/ota-tuf/utils"
)

const defaultAddr = ":8200"

type healthRegister func(name string, duration time.Duration, check health.CheckFunc)

// passphraseRetriever looks the passphrase up in the process environment,
// e.g. TUF_KEYSERVER_DEFAULT_ALIAS for the "default_alias" alias
func passphraseRetriever(keyName, alias string, createNew bool, attempts int) (string, bool, error) {
	v := viper.New()
	utils.SetupViper(v, envPrefix)
	passphrase := v.GetString(alias)
	if passphrase == "" {
		return "", false, errors.New("expected env variable to not be empty: " + alias)
	}
	return passphrase, false, nil
}

// getStores sets up the key and secret stores from the configured backend.
// The returned bootstrap function creates the backing tables.
func getStores(configuration *viper.Viper, hRegister healthRegister) (storage.KeyStore, secrets.Store, func() error, error) {
	backend := configuration.GetString("storage.backend")

	if backend == otatuf.MemoryBackend {
		noop := func() error { return nil }
		return storage.NewMemStorage(), secrets.NewMemoryStore(), noop, nil
	}

	storeConfig, err := utils.ParseSQLStorage(configuration)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := storage.NewSQLStorage(storeConfig.Backend, storeConfig.Source)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error starting DB driver: %v", err)
	}

	defaultAlias := configuration.GetString("storage.default_alias")
	if defaultAlias == "" {
		return nil, nil, nil, errors.New("must provide a default alias for the secret store")
	}
	secretsStore := secrets.NewSQLStore(store.DB, passphraseRetriever, defaultAlias)

	hRegister("DB operational", time.Minute, store.CheckHealth)
	hRegister("secret store operational", time.Minute, secretsStore.HealthCheck)

	bootstrap := func() error {
		if err := storage.CreateKeyServerTables(store.DB); err != nil {
			return err
		}
		return secretsStore.CreateTable()
	}
	return store, secretsStore, bootstrap, nil
}

func parseKeyServerConfig(configFilePath string, hRegister healthRegister) (keyserver.Config, func() error, error) {
	config := viper.New()
	utils.SetupViper(config, envPrefix)

	if err := utils.ParseViper(config, configFilePath); err != nil {
		return keyserver.Config{}, nil, err
	}

	lvl, err := utils.ParseLogLevel(config, logrus.InfoLevel)
	if err != nil {
		return keyserver.Config{}, nil, err
	}
	logrus.SetLevel(lvl)

	tlsConfig, err := utils.ParseServerTLS(config, false)
	if err != nil {
		return keyserver.Config{}, nil, err
	}

	store, secretsStore, bootstrap, err := getStores(config, hRegister)
	if err != nil {
		return keyserver.Config{}, nil, err
	}

	keygenEngine := keygen.NewEngine(store, secretsStore)
	rootEngine := rootrole.NewEngine(store, secretsStore, keygenEngine)

	addr := config.GetString("server.addr")
	if addr == "" {
		addr = defaultAddr
	}

	return keyserver.Config{
		Addr:       addr,
		TLSConfig:  tlsConfig,
		RootRole:   rootEngine,
		KeyGen:     keygenEngine,
		AuthMethod: config.GetString("auth.type"),
		AuthOpts:   config.Get("auth.options"),
	}, bootstrap, nil
}
