package main

import (
	"context"
	_ "expvar"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // only reachable through debugServer()
	"os"
	"os/signal"
	"runtime"

	"github.com/docker/distribution/health"
	"github.com/sirupsen/logrus"

	"github.com/scala-steward/ota-tuf/keyserver"
	"github.com/scala-steward/ota-tuf/utils"
	"github.com/scala-steward/ota-tuf/version"
)

// DebugAddress is the debug server address to listen on
const (
	jsonLogFormat = "json"
	DebugAddress  = "localhost:8280"
	envPrefix     = "TUF_KEYSERVER"
)

type cmdFlags struct {
	debug       bool
	logFormat   string
	configFile  string
	doBootstrap bool
	version     bool
}

func setupFlags(flagStorage *cmdFlags) {
	flag.StringVar(&flagStorage.configFile, "config", "", "Path to configuration file")
	flag.BoolVar(&flagStorage.debug, "debug", false, "Enable the debugging server on "+DebugAddress)
	flag.StringVar(&flagStorage.logFormat, "logf", "json", "Set the format of the logs. Only 'json' and 'logfmt' are supported at the moment.")
	flag.BoolVar(&flagStorage.doBootstrap, "bootstrap", false, "Do any necessary setup of configured backend storage services")
	flag.BoolVar(&flagStorage.version, "version", false, "Print the version number of tuf-keyserver")

	// this needs to be in init so that _ALL_ logs are in the correct format
	if flagStorage.logFormat == jsonLogFormat {
		logrus.SetFormatter(new(logrus.JSONFormatter))
	}

	flag.Usage = usage
}

func main() {
	flagStorage := cmdFlags{}
	setupFlags(&flagStorage)

	flag.Parse()

	if flagStorage.version {
		fmt.Println("tuf-keyserver " + getVersion())
		os.Exit(0)
	}

	if flagStorage.debug {
		go debugServer(DebugAddress)
	}

	// when the server starts print the version for debugging and issue logs later
	logrus.Info(getVersion())

	conf, bootstrap, err := parseKeyServerConfig(flagStorage.configFile, health.RegisterPeriodicFunc)
	if err != nil {
		logrus.Fatal(err.Error())
	}

	c := utils.SetupSignalTrap(utils.LogLevelSignalHandle)
	if c != nil {
		defer signal.Stop(c)
	}

	if flagStorage.doBootstrap {
		err = bootstrap()
	} else {
		logrus.Info("Starting Key Server")
		err = keyserver.Run(context.Background(), conf)
	}

	if err != nil {
		logrus.Fatal(err.Error())
	}
}

func usage() {
	fmt.Println("usage:", os.Args[0])
	flag.PrintDefaults()
}

func getVersion() string {
	return fmt.Sprintf("Version: %s, Git commit: %s, Go version: %s", version.Version, version.GitCommit, runtime.Version())
}

// debugServer starts the debug server with pprof and expvar among other
// endpoints. The addr should not be exposed externally.
func debugServer(addr string) {
	logrus.Infof("Debug server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logrus.Fatalf("error listening on debug interface: %v", err)
	}
}
