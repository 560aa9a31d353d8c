package main

import (
	"flag"
	"fmt"
	"path/filepath"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitDie          = 1
	ExitConfig       = 4
	ExitLog          = 5
	ExitFork         = 6
	ExitNoPorts      = 8
	ExitPID          = 9
	ExitRootRefused  = 11
	ExitDieTag       = 12
	ExitModuleFailed = 13
)

// Args are command line arguments.
type Args struct {
	ConfigFile string
	NoFork     bool
	LogFile    string
	Debug      bool
	NoLog      bool
	RunAsRoot  bool
	Version    bool
	TestConfig bool
}

func getArgs() (Args, error) {
	configFile := flag.String("config", "", "Configuration file.")
	noFork := flag.Bool("nofork", false,
		"Remain in the foreground rather than detaching.")
	logFile := flag.String("logfile", "", "Log to this file.")
	debug := flag.Bool("debug", false, "Enable debug logging.")
	noLog := flag.Bool("nolog", false, "Discard all log output.")
	runAsRoot := flag.Bool("runasroot", false,
		"Permit running with root privileges.")
	version := flag.Bool("version", false, "Print the version and exit.")
	testConfig := flag.Bool("testsuite", false,
		"Validate the configuration and exit.")

	flag.Parse()

	args := Args{
		NoFork:     *noFork,
		LogFile:    *logFile,
		Debug:      *debug,
		NoLog:      *noLog,
		RunAsRoot:  *runAsRoot,
		Version:    *version,
		TestConfig: *testConfig,
	}

	if args.Version {
		return args, nil
	}

	if len(*configFile) == 0 {
		flag.PrintDefaults()
		return Args{}, fmt.Errorf("you must provide a configuration file")
	}

	configPath, err := filepath.Abs(*configFile)
	if err != nil {
		return Args{}, fmt.Errorf(
			"unable to determine absolute path to config file: %s: %s",
			*configFile, err)
	}
	args.ConfigFile = configPath

	return args, nil
}
