package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// Settings is the typed view of the options the core components consume.
type Settings struct {
	WorkspaceDir     string
	ProjectFile      string
	ModulesDir       string
	AssetsDir        string
	AssetBaseURL     string
	MaxMetadataBytes int
	RequestTimeout   time.Duration
	CallTimeout      time.Duration
	HTTPListen       string
	LogFile          string
	LogLevel         string
	Verbose          bool
}

// ResolveSettings resolves every core option for command (env, then the
// command's section, then global, then default) and parses the typed ones.
// A value that does not parse is an error here, unlike ValidateConfig which
// only warns, because the caller is about to act on it.
func (s *ConfigSchema) ResolveSettings(c *Config, command string) (Settings, error) {
	get := func(key string) string { return s.ResolveCommand(c, command, key) }

	var (
		out Settings
		err error
	)
	out.WorkspaceDir = get("workspace.dir")
	if out.WorkspaceDir == "" {
		out.WorkspaceDir = "."
	}
	if out.WorkspaceDir, err = filepath.Abs(out.WorkspaceDir); err != nil {
		return Settings{}, fmt.Errorf("workspace.dir: %w", err)
	}
	out.ProjectFile = get("workspace.project-file")
	out.ModulesDir = get("workspace.modules-dir")
	out.AssetsDir = get("workspace.assets-dir")
	out.AssetBaseURL = get("workspace.asset-base-url")
	out.HTTPListen = get("http.listen")
	out.LogFile = get("log.file")
	out.LogLevel = get("log.level")

	if out.MaxMetadataBytes, err = strconv.Atoi(get("metadata.max-bytes")); err != nil {
		return Settings{}, fmt.Errorf("metadata.max-bytes: %w", err)
	}
	if out.MaxMetadataBytes <= 0 {
		return Settings{}, fmt.Errorf("metadata.max-bytes must be positive, got %d", out.MaxMetadataBytes)
	}
	if out.RequestTimeout, err = positiveDuration(get("router.request-timeout")); err != nil {
		return Settings{}, fmt.Errorf("router.request-timeout: %w", err)
	}
	if out.CallTimeout, err = positiveDuration(get("sandbox.call-timeout")); err != nil {
		return Settings{}, fmt.Errorf("sandbox.call-timeout: %w", err)
	}
	if v := get("verbose"); v != "" {
		if out.Verbose, err = ParseBool(v); err != nil {
			return Settings{}, fmt.Errorf("verbose: %w", err)
		}
	}
	return out, nil
}

func positiveDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %v", d)
	}
	return d, nil
}
