// Copyright 2024 FleetBeacon LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// fuelcored is the fleet fuel estimation daemon. It ingests telemetry
// from a newline-delimited JSON stream, runs the per-truck estimators and
// serves the admin socket and the metrics listener until stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kardianos/osext"

	"github.com/fleetbeacon/fuelcore/agent"
	"github.com/fleetbeacon/fuelcore/ingest"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/version"
)

var (
	configPathFlag = flag.String("config", "", "path to the fleet config; defaults to fuelcore.yaml next to the binary")
	inputFlag      = flag.String("input", "", "newline-delimited JSON telemetry to ingest; \"-\" reads stdin")
	logPathFlag    = flag.String("log_path", "", "file to log to; logs to stderr when empty")
	logMaxSizeFlag = flag.Int("log_max_size_mb", 100, "rotate the log file after this many megabytes")
	logBackupsFlag = flag.Int("log_backups", 3, "rotated log files to keep")
)

func main() {
	flag.Parse()
	if err := run(context.Background()); err != nil {
		log.Fatalf("fuelcored: %v", err)
	}
}

func run(ctx context.Context) error {
	cfgPath := *configPathFlag
	if cfgPath == "" {
		dir, err := osext.ExecutableFolder()
		if err != nil {
			return fmt.Errorf("locating default config: %w", err)
		}
		cfgPath = filepath.Join(dir, "fuelcore.yaml")
	}

	var logger logs.StructuredLogger
	if *logPathFlag != "" {
		logger = logs.NewRotating(*logPathFlag, *logMaxSizeFlag, *logBackupsFlag)
	} else {
		logger = logs.Default()
	}

	var source ingest.Source
	switch *inputFlag {
	case "":
	case "-":
		source = ingest.NewJSONLinesSource(os.Stdin, logger, 0)
	default:
		f, err := os.Open(*inputFlag)
		if err != nil {
			return fmt.Errorf("opening telemetry input: %w", err)
		}
		defer f.Close()
		source = ingest.NewJSONLinesSource(f, logger, 0)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		s := <-sig
		logger.Infof("received %s, shutting down", s)
		cancel()
	}()

	logger.Infof("%s starting with config %s", version.String(), cfgPath)
	app, err := agent.New(ctx, cfgPath, logger, agent.Options{Source: source})
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
