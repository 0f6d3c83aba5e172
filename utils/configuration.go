// Package utils contains shared server helpers: API error bodies, the
// context handler plumbing, and viper based configuration parsing.
package utils

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	otatuf "github.com/scala-steward/ota-tuf"
)

// Storage is a configuration about what storage backend a server should use
type Storage struct {
	Backend string
	Source  string
}

// GetPathRelativeToConfig gets a configuration key which is a path, and if
// it is not empty or an absolute path, returns the absolute path relative
// to the configuration file
func GetPathRelativeToConfig(configuration *viper.Viper, key string) string {
	configFile := configuration.ConfigFileUsed()
	p := configuration.GetString(key)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(filepath.Dir(configFile), p))
}

// ParseServerTLS tries to parse out a valid server TLS config from the
// config. The server TLS config requires a cert and key; the client CA file
// is optional and enables mutual TLS when present.
func ParseServerTLS(configuration *viper.Viper, tlsRequired bool) (*tls.Config, error) {
	tlsOpts := tlsconfig.Options{
		CertFile:           GetPathRelativeToConfig(configuration, "server.tls_cert_file"),
		KeyFile:            GetPathRelativeToConfig(configuration, "server.tls_key_file"),
		CAFile:             GetPathRelativeToConfig(configuration, "server.client_ca_file"),
		ExclusiveRootPools: true,
	}
	if tlsOpts.CAFile != "" {
		tlsOpts.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if !tlsRequired {
		cert, key, ca := tlsOpts.CertFile, tlsOpts.KeyFile, tlsOpts.CAFile
		if cert == "" && key == "" && ca == "" {
			return nil, nil
		}

		if (cert == "" && key != "") || (cert != "" && key == "") || (cert == "" && key == "" && ca != "") {
			return nil, fmt.Errorf(
				"either include both a cert and key file, or no TLS information at all to disable TLS")
		}
	}

	return tlsconfig.Server(tlsOpts)
}

// ParseLogLevel tries to parse out a log level from a viper. If there is no
// configuration, defaults to the provided log level
func ParseLogLevel(configuration *viper.Viper, defaultLevel logrus.Level) (logrus.Level, error) {
	logStr := configuration.GetString("logging.level")
	if logStr == "" {
		return defaultLevel, nil
	}
	return logrus.ParseLevel(logStr)
}

// ParseSQLStorage tries to parse out a valid SQL storage backend from a viper
func ParseSQLStorage(configuration *viper.Viper) (*Storage, error) {
	store := Storage{
		Backend: configuration.GetString("storage.backend"),
		Source:  configuration.GetString("storage.db_url"),
	}
	switch {
	case !strSliceContains(otatuf.SupportedBackends, store.Backend) || store.Backend == otatuf.MemoryBackend:
		return nil, fmt.Errorf(
			"%s is not a supported SQL backend driver", store.Backend)
	case store.Source == "":
		return nil, fmt.Errorf(
			"must provide a non-empty database source for %s", store.Backend)
	}
	return &store, nil
}

// ParseViper tries to parse out a viper from a configuration file
func ParseViper(v *viper.Viper, configFile string) error {
	filename := filepath.Base(configFile)
	ext := filepath.Ext(configFile)
	configPath := filepath.Dir(configFile)

	v.SetConfigType(strings.TrimPrefix(ext, "."))
	v.SetConfigName(strings.TrimSuffix(filename, ext))
	v.AddConfigPath(configPath)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("could not read config at :%s, viper error: %v", configFile, err)
	}
	return nil
}

// SetupViper sets up an instance of viper to also look at environment
// variables
func SetupViper(v *viper.Viper, envPrefix string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// SetupSignalTrap is a utility to trap supported signals and handle them.
// Returns nil if no signals are supported on the platform.
func SetupSignalTrap(handler func(os.Signal)) chan os.Signal {
	if len(otatuf.SupportedSignals) == 0 {
		return nil
	}
	c := make(chan os.Signal, 1)
	signal.Notify(c, otatuf.SupportedSignals...)
	go func() {
		for {
			handler(<-c)
		}
	}()
	return c
}

func strSliceContains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
