package main

import (
	"context"
	"fmt"

	"github.com/containerbuild/engine/pkg/orchestrator"
)

func runPush(ctx context.Context, manifestPath string) error {
	m, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	if m.Push == nil {
		return fmt.Errorf("manifest has no push target")
	}

	req, cleanup, err := buildRequest(m)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := orchestrator.Push(ctx, req, orchestrator.PushTarget{
		Registry:   m.Push.Registry,
		Repository: m.Push.Repository,
		Tags:       m.Push.Tags,
	})
	if err != nil {
		return fmt.Errorf("pushing image: %w", err)
	}

	for _, tag := range result.Tags {
		fmt.Printf("%s/%s:%s\n", m.Push.Registry, m.Push.Repository, tag)
	}
	fmt.Printf("%s/%s@%s\n", m.Push.Registry, m.Push.Repository, result.ManifestDigest)
	return nil
}
