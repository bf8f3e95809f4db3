package main

import (
	"flag"
	"fmt"
	"path/filepath"
)

// Args are command line arguments.
type Args struct {
	ConfigFile string
	Verbose    bool
}

func getArgs() (Args, error) {
	configFile := flag.String("conf", "", "Configuration file.")
	verbose := flag.Bool("verbose", false, "Enable debug logging.")

	flag.Parse()

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

	return Args{ConfigFile: configPath, Verbose: *verbose}, nil
}
