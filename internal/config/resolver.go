package config

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/fgeck/remote-pipeline/internal/template"
)

// PipelineNames returns the configured pipeline names, sorted.
func PipelineNames(cfg *models.Config) []string {
	names := make([]string, 0, len(cfg.Pipelines))
	for name := range cfg.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the RemoteProfile for the named pipeline. Pipeline names
// are matched case-insensitively.
//
// The returned profile is a deep copy and never shares maps or slices
// with cfg.
func Resolve(cfg *models.Config, name string) (*models.RemoteProfile, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is nil", models.ErrConfiguration)
	}
	if cfg.Remote.Host == "" || cfg.Remote.User == "" {
		return nil, fmt.Errorf("%w: %s.host and %s.user are required", models.ErrConfiguration, sectionRemote, sectionRemote)
	}

	pipeline, ok := cfg.Pipelines[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %q not found in config (available: %s)",
			models.ErrConfiguration, name, strings.Join(PipelineNames(cfg), ", "))
	}

	if len(pipeline.RemotePaths) == 0 {
		return nil, fmt.Errorf("%w: pipeline %q: remote_paths is required", models.ErrConfiguration, name)
	}
	if strings.TrimSpace(pipeline.CommandTemplate) == "" {
		return nil, fmt.Errorf("%w: pipeline %q: pipeline_command is required", models.ErrConfiguration, name)
	}

	for _, required := range []string{models.PathInputDir, models.PathOutputDir} {
		if pipeline.RemotePaths[required] == "" {
			return nil, fmt.Errorf("%w: pipeline %q: remote_paths.%s is required", models.ErrConfiguration, name, required)
		}
	}

	ensureDirs, err := resolveEnsureDirs(name, pipeline)
	if err != nil {
		return nil, err
	}

	for _, k := range ensureDirs {
		if !path.IsAbs(pipeline.RemotePaths[k]) {
			return nil, fmt.Errorf("%w: pipeline %q: remote_paths.%s must be an absolute path, got %q",
				models.ErrConfiguration, name, k, pipeline.RemotePaths[k])
		}
	}

	// Every placeholder must be covered before any connection is made.
	if err := template.Validate(pipeline.CommandTemplate, pipeline.RemotePaths); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}

	timeout := pipeline.CommandTimeout
	if timeout == 0 {
		timeout = cfg.Remote.CommandTimeout
	}

	remote := cfg.Remote
	if cfg.Remote.WOL != nil {
		wolCfg := *cfg.Remote.WOL
		remote.WOL = &wolCfg
	}

	return &models.RemoteProfile{
		Name:            strings.ToLower(name),
		Remote:          remote,
		RemotePaths:     maps.Clone(pipeline.RemotePaths),
		CommandTemplate: pipeline.CommandTemplate,
		EnsureDirs:      ensureDirs,
		CommandTimeout:  timeout,
	}, nil
}

// resolveEnsureDirs returns the remote path keys to create before upload.
// Without an explicit list every key ending in "_dir" is used; input_dir
// and output_dir are always included.
func resolveEnsureDirs(name string, pipeline models.PipelineConfig) ([]string, error) {
	var dirs []string

	if len(pipeline.EnsureDirs) == 0 {
		for k := range pipeline.RemotePaths {
			if strings.HasSuffix(k, "_dir") {
				dirs = append(dirs, k)
			}
		}
	} else {
		for _, k := range pipeline.EnsureDirs {
			k = strings.ToLower(k)
			if _, ok := pipeline.RemotePaths[k]; !ok {
				return nil, fmt.Errorf("%w: pipeline %q: ensure_dirs entry %q is not a remote_paths key",
					models.ErrConfiguration, name, k)
			}
			dirs = append(dirs, k)
		}
	}

	for _, required := range []string{models.PathInputDir, models.PathOutputDir} {
		if !slices.Contains(dirs, required) {
			dirs = append(dirs, required)
		}
	}

	sort.Strings(dirs)
	return slices.Compact(dirs), nil
}
