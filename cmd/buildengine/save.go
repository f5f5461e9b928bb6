package main

import (
	"context"
	"fmt"

	"github.com/containerbuild/engine/pkg/orchestrator"
)

func runSave(ctx context.Context, manifestPath string) error {
	m, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	if m.Save == nil {
		return fmt.Errorf("manifest has no save target")
	}
	if m.Save.DockerTarPath == "" && m.Save.OCILayoutDir == "" {
		return fmt.Errorf("save target must set dockerTarPath or ociLayoutDir")
	}

	req, cleanup, err := buildRequest(m)
	if err != nil {
		return err
	}
	defer cleanup()

	if m.Save.DockerTarPath != "" {
		if err := orchestrator.SaveDockerTar(ctx, req, m.Save.DockerTarPath, m.Save.RepoTags); err != nil {
			return fmt.Errorf("saving docker tar: %w", err)
		}
		fmt.Println(m.Save.DockerTarPath)
	}
	if m.Save.OCILayoutDir != "" {
		if err := orchestrator.SaveOCILayout(ctx, req, m.Save.OCILayoutDir); err != nil {
			return fmt.Errorf("saving oci layout: %w", err)
		}
		fmt.Println(m.Save.OCILayoutDir)
	}
	return nil
}
