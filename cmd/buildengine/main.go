// Command buildengine is the minimal entry point exercising
// pkg/orchestrator end to end: three subcommands, each reading a JSON
// build manifest and running one pipeline. Flag parsing only, no
// build-tool discovery, grounded on the teacher's cmd/img dispatcher.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const usage = `Usage: buildengine COMMAND manifest.json

Commands:
  push    build the image and push it to a registry
  load    build the image and load it into a local daemon
  save    build the image and write it to a Docker-tar or OCI-layout path`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx := context.Background()
	command, manifestPath := os.Args[1], os.Args[2]

	var err error
	switch command {
	case "push":
		err = runPush(ctx, manifestPath)
	case "load":
		err = runLoad(ctx, manifestPath)
	case "save":
		err = runSave(ctx, manifestPath)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		logrus.WithError(err).Error(command + " failed")
		os.Exit(1)
	}
}
