// Command toolbridged runs the toolbridge daemon without the CLI wrapper.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"toolbridge/internal/config"
	"toolbridge/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: *logLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "toolbridged: %v\n", err)
		os.Exit(1)
	}
}
