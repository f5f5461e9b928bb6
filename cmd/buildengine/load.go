package main

import (
	"context"
	"fmt"

	"github.com/containerbuild/engine/pkg/orchestrator"
	"github.com/containerbuild/engine/pkg/sinks/daemon"
)

func runLoad(ctx context.Context, manifestPath string) error {
	m, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	if m.Daemon == nil {
		return fmt.Errorf("manifest has no daemon target")
	}

	req, cleanup, err := buildRequest(m)
	if err != nil {
		return err
	}
	defer cleanup()

	var client *daemon.Client
	switch {
	case m.Daemon.Socket != "":
		client = daemon.NewUnix(m.Daemon.Socket)
	case m.Daemon.TCPAddr != "":
		client = daemon.NewTCP(m.Daemon.TCPAddr)
	default:
		client = daemon.NewUnix("/var/run/docker.sock")
	}

	if err := orchestrator.LoadToDaemon(ctx, req, client, m.Daemon.RepoTags); err != nil {
		return fmt.Errorf("loading image into daemon: %w", err)
	}
	for _, tag := range m.Daemon.RepoTags {
		fmt.Println(tag)
	}
	return nil
}
