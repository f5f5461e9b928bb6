package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/containerbuild/engine/pkg/image"
	"github.com/containerbuild/engine/pkg/orchestrator"
	"github.com/containerbuild/engine/pkg/tarbuild"
)

// fileEntry mirrors tarbuild.FileEntry with explicit JSON tags; the build
// manifest file is the wire format, tarbuild.FileEntry is the in-process
// one, and the two are kept separate so the domain type never has to carry
// CLI-only serialization concerns.
type fileEntry struct {
	SourcePath       string `json:"sourcePath,omitempty"`
	ExtractionPath   string `json:"extractionPath"`
	Permissions      uint32 `json:"permissions,omitempty"`
	ModificationTime string `json:"modificationTime,omitempty"`
	Ownership        string `json:"ownership,omitempty"`
	LinkTarget       string `json:"linkTarget,omitempty"`
	Directory        bool   `json:"directory,omitempty"`
}

type layer struct {
	Name    string      `json:"name"`
	Entries []fileEntry `json:"entries"`
}

type platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

type baseImage struct {
	Registry   string   `json:"registry"`
	Repository string   `json:"repository"`
	Reference  string   `json:"reference"`
	Platform   platform `json:"platform"`
}

type imageConfig struct {
	Environment  []string          `json:"environment,omitempty"`
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	ExposedPorts []string          `json:"exposedPorts,omitempty"`
	Volumes      []string          `json:"volumes,omitempty"`
	WorkingDir   string            `json:"workingDir,omitempty"`
	User         string            `json:"user,omitempty"`
}

type pushTarget struct {
	Registry   string   `json:"registry"`
	Repository string   `json:"repository"`
	Tags       []string `json:"tags"`
}

type daemonTarget struct {
	Socket   string   `json:"socket,omitempty"`
	TCPAddr  string   `json:"tcpAddr,omitempty"`
	RepoTags []string `json:"repoTags"`
}

type saveTarget struct {
	DockerTarPath string   `json:"dockerTarPath,omitempty"`
	OCILayoutDir  string   `json:"ociLayoutDir,omitempty"`
	RepoTags      []string `json:"repoTags,omitempty"`
}

// buildManifest is the JSON file every buildengine subcommand reads: where
// to pull the base image from, what to layer on top of it, and where the
// result should end up.
type buildManifest struct {
	CacheRoot        string      `json:"cacheRoot"`
	CredentialHelper string      `json:"credentialHelper,omitempty"`
	WorkerPoolSize   int         `json:"workerPoolSize,omitempty"`
	Base             baseImage   `json:"base"`
	AppLayers        []layer     `json:"appLayers,omitempty"`
	Config           imageConfig `json:"config,omitempty"`

	Push   *pushTarget   `json:"push,omitempty"`
	Daemon *daemonTarget `json:"daemon,omitempty"`
	Save   *saveTarget   `json:"save,omitempty"`
}

func readManifest(path string) (*buildManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading build manifest: %w", err)
	}
	var m buildManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshalling build manifest: %w", err)
	}
	return &m, nil
}

func (e fileEntry) toTarbuild() (tarbuild.FileEntry, error) {
	out := tarbuild.FileEntry{
		SourcePath:     e.SourcePath,
		ExtractionPath: e.ExtractionPath,
		Permissions:    e.Permissions,
		Ownership:      e.Ownership,
		LinkTarget:     e.LinkTarget,
		Directory:      e.Directory,
	}
	if e.ModificationTime != "" {
		t, err := time.Parse(time.RFC3339, e.ModificationTime)
		if err != nil {
			return tarbuild.FileEntry{}, fmt.Errorf("parsing modificationTime %q: %w", e.ModificationTime, err)
		}
		out.ModificationTime = t
	}
	return out, nil
}

func (l layer) toTarbuild() (tarbuild.FileEntriesLayer, error) {
	entries := make([]tarbuild.FileEntry, len(l.Entries))
	for i, e := range l.Entries {
		entry, err := e.toTarbuild()
		if err != nil {
			return tarbuild.FileEntriesLayer{}, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		entries[i] = entry
	}
	return tarbuild.FileEntriesLayer{Name: l.Name, Entries: entries}, nil
}

func (m *buildManifest) toAppLayers() ([]tarbuild.FileEntriesLayer, error) {
	out := make([]tarbuild.FileEntriesLayer, len(m.AppLayers))
	for i, l := range m.AppLayers {
		built, err := l.toTarbuild()
		if err != nil {
			return nil, err
		}
		out[i] = built
	}
	return out, nil
}

func (m *buildManifest) toOrchestratorConfig() orchestrator.ImageConfig {
	return orchestrator.ImageConfig{
		Environment:  m.Config.Environment,
		Entrypoint:   m.Config.Entrypoint,
		Cmd:          m.Config.Cmd,
		Labels:       m.Config.Labels,
		ExposedPorts: m.Config.ExposedPorts,
		Volumes:      m.Config.Volumes,
		WorkingDir:   m.Config.WorkingDir,
		User:         m.Config.User,
	}
}

func (m *buildManifest) toBaseImage() orchestrator.BaseImage {
	p := image.DefaultPlatform
	if m.Base.Platform.OS != "" || m.Base.Platform.Architecture != "" {
		p = image.Platform{OS: m.Base.Platform.OS, Architecture: m.Base.Platform.Architecture}
	}
	return orchestrator.BaseImage{
		Registry:   m.Base.Registry,
		Repository: m.Base.Repository,
		Reference:  m.Base.Reference,
		Platform:   p,
	}
}
