// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// The lineage command provisions EC2 volumes that continue a named
// lineage and snapshots a lineage's volumes while pruning old history.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/loggo/v2"

	"github.com/juju/lineage/internal/cmd"
)

// loggingConfigEnvKey names the environment variable holding the
// loggo configuration string, e.g. "lineage=DEBUG".
const loggingConfigEnvKey = "LINEAGE_LOGGING_CONFIG"

func main() {
	if err := loggo.ConfigureLoggers(os.Getenv(loggingConfigEnvKey)); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %s\n\n", loggingConfigEnvKey, err)
	}
	os.Exit(cmd.Main(context.Background(), newSuperCommand(), os.Args[1:]))
}

func newSuperCommand() *cmd.SuperCommand {
	super := cmd.NewSuperCommand("lineage", "manage volume lineages and their snapshot history")
	super.Register(&attachCommand{})
	super.Register(&snapshotCommand{})
	return super
}
