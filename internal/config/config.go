// Package config loads the cache configuration from JSONC files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// FileName is the project config file looked up in the project root.
const FileName = ".meghanada.json"

// SettingDirName is the per-project directory used when the cache lives in
// the project.
const SettingDirName = ".meghanada"

var (
	ErrConfigInvalid      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
)

// Config holds the resolved configuration.
type Config struct {
	// CacheRoot holds the per-project store directories.
	CacheRoot string

	// CacheInProject places the store under SettingDir instead of CacheRoot.
	CacheInProject bool

	// SourceCache enables persistence for parsed sources.
	SourceCache bool

	SourceCacheSize int
	SourceCacheTTL  time.Duration
	MemberCacheSize int
	MemberCacheTTL  time.Duration

	// IndexTTL is how long an indexed-file marker stays fresh.
	IndexTTL time.Duration

	// ClearCacheOnStart purges the project store when a session opens.
	ClearCacheOnStart bool

	JavaHome    string
	JavaVersion string

	// SettingDir is the project's setting directory (absolute).
	SettingDir string

	LogLevel  string
	LogFormat string

	// Watch enables file watching for source invalidation.
	Watch         bool
	WatchPatterns []string

	Writer WriterConfig

	// Sources tracks which config files were loaded.
	Sources Sources
}

// WriterConfig tunes the write-behind pool. Zero values select defaults.
type WriterConfig struct {
	MergeSize  int `json:"merge_size,omitempty"`
	BurstLimit int `json:"burst_limit,omitempty"`
	MaxWorkers int `json:"max_workers,omitempty"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// StoreRoot returns the directory stores are created in.
func (c Config) StoreRoot() string {
	if c.CacheInProject {
		return c.SettingDir
	}

	return c.CacheRoot
}

// fileConfig is the serialized form. Pointers distinguish "unset" from
// zero values when merging layers.
type fileConfig struct {
	CacheRoot         *string       `json:"cache_root"`
	CacheInProject    *bool         `json:"cache_in_project"`
	SourceCache       *bool         `json:"source_cache"`
	SourceCacheSize   *int          `json:"source_cache_size"`
	SourceCacheTTL    *string       `json:"source_cache_ttl"`
	MemberCacheSize   *int          `json:"member_cache_size"`
	MemberCacheTTL    *string       `json:"member_cache_ttl"`
	IndexTTL          *string       `json:"index_ttl"`
	ClearCacheOnStart *bool         `json:"clear_cache_on_start"`
	JavaHome          *string       `json:"java_home"`
	JavaVersion       *string       `json:"java_version"`
	SettingDir        *string       `json:"project_setting_dir"`
	LogLevel          *string       `json:"log_level"`
	LogFormat         *string       `json:"log_format"`
	Watch             *bool         `json:"watch"`
	WatchPatterns     []string      `json:"watch_patterns"`
	Writer            *WriterConfig `json:"writer"`
}

// Default returns the built-in configuration for a project root.
func Default(projectRoot string, env map[string]string) Config {
	return Config{
		CacheRoot:       defaultCacheRoot(env),
		SourceCache:     true,
		SourceCacheSize: 1024,
		SourceCacheTTL:  10 * time.Minute,
		MemberCacheSize: 512,
		MemberCacheTTL:  15 * time.Minute,
		IndexTTL:        time.Hour,
		JavaHome:        env["JAVA_HOME"],
		SettingDir:      filepath.Join(projectRoot, SettingDirName),
		LogLevel:        "info",
		LogFormat:       "console",
		Watch:           true,
		WatchPatterns:   []string{"**/*.java"},
	}
}

// defaultCacheRoot uses $XDG_CACHE_HOME/meghanada, falling back to
// ~/.cache/meghanada, then the system temp dir.
func defaultCacheRoot(env map[string]string) string {
	if dir := env["XDG_CACHE_HOME"]; dir != "" {
		return filepath.Join(dir, "meghanada")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".cache", "meghanada")
	}

	return filepath.Join(os.TempDir(), "meghanada")
}

// globalConfigPath returns $XDG_CONFIG_HOME/meghanada/config.json or
// ~/.config/meghanada/config.json. Empty if neither can be determined.
func globalConfigPath(env map[string]string) string {
	if dir := env["XDG_CONFIG_HOME"]; dir != "" {
		return filepath.Join(dir, "meghanada", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "meghanada", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	// ProjectRoot is the project directory. Required.
	ProjectRoot string

	// ConfigPath is an explicit config file; it must exist.
	ConfigPath string

	// CacheRootOverride replaces cache_root when non-empty.
	CacheRootOverride string

	// LogLevelOverride replaces log_level when non-empty.
	LogLevelOverride string

	// ClearCacheOnStart forces clear_cache_on_start when true.
	ClearCacheOnStart bool

	Env map[string]string
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/meghanada/config.json)
// 3. Project config (.meghanada.json in the project root, if present)
// 4. Explicit config file (if ConfigPath is set)
// 5. Overrides from LoadInput.
//
// Paths in the result are absolute.
func Load(in LoadInput) (Config, error) {
	if in.ProjectRoot == "" {
		return Config{}, errors.New("project root is empty")
	}

	root, err := filepath.Abs(in.ProjectRoot)
	if err != nil {
		return Config{}, fmt.Errorf("resolve project root: %w", err)
	}

	cfg := Default(root, in.Env)

	if path := globalConfigPath(in.Env); path != "" {
		fc, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path

			cfg, err = merge(cfg, fc, root)
			if err != nil {
				return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
			}
		}
	}

	projectPath := filepath.Join(root, FileName)
	mustExist := false

	if in.ConfigPath != "" {
		projectPath = in.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(root, projectPath)
		}

		mustExist = true
	}

	fc, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath

		cfg, err = merge(cfg, fc, root)
		if err != nil {
			return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, projectPath, err)
		}
	}

	if in.CacheRootOverride != "" {
		cfg.CacheRoot = absFrom(root, in.CacheRootOverride)
	}

	if in.LogLevelOverride != "" {
		cfg.LogLevel = in.LogLevelOverride
	}

	if in.ClearCacheOnStart {
		cfg.ClearCacheOnStart = true
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return cfg, nil
}

// loadFile reads a config file. Missing optional files report loaded=false.
func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	fc, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig

	err = json.Unmarshal(standardized, &fc)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func merge(base Config, fc fileConfig, root string) (Config, error) {
	if fc.CacheRoot != nil {
		if *fc.CacheRoot == "" {
			return base, errors.New("cache_root cannot be empty")
		}

		base.CacheRoot = absFrom(root, *fc.CacheRoot)
	}

	setBool(&base.CacheInProject, fc.CacheInProject)
	setBool(&base.SourceCache, fc.SourceCache)
	setBool(&base.ClearCacheOnStart, fc.ClearCacheOnStart)
	setBool(&base.Watch, fc.Watch)

	if fc.SourceCacheSize != nil {
		base.SourceCacheSize = *fc.SourceCacheSize
	}

	if fc.MemberCacheSize != nil {
		base.MemberCacheSize = *fc.MemberCacheSize
	}

	for _, d := range []struct {
		name string
		in   *string
		out  *time.Duration
	}{
		{"source_cache_ttl", fc.SourceCacheTTL, &base.SourceCacheTTL},
		{"member_cache_ttl", fc.MemberCacheTTL, &base.MemberCacheTTL},
		{"index_ttl", fc.IndexTTL, &base.IndexTTL},
	} {
		if d.in == nil {
			continue
		}

		v, err := time.ParseDuration(*d.in)
		if err != nil {
			return base, fmt.Errorf("%s: %w", d.name, err)
		}

		*d.out = v
	}

	if fc.JavaHome != nil {
		base.JavaHome = *fc.JavaHome
	}

	if fc.JavaVersion != nil {
		base.JavaVersion = *fc.JavaVersion
	}

	if fc.SettingDir != nil && *fc.SettingDir != "" {
		base.SettingDir = absFrom(root, *fc.SettingDir)
	}

	if fc.LogLevel != nil {
		base.LogLevel = *fc.LogLevel
	}

	if fc.LogFormat != nil {
		base.LogFormat = *fc.LogFormat
	}

	if fc.WatchPatterns != nil {
		base.WatchPatterns = fc.WatchPatterns
	}

	if fc.Writer != nil {
		base.Writer = *fc.Writer
	}

	return base, nil
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func absFrom(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(root, path)
}

func validate(cfg Config) error {
	if cfg.SourceCacheSize < 0 || cfg.MemberCacheSize < 0 {
		return errors.New("cache sizes must not be negative")
	}

	if cfg.SourceCacheTTL < 0 || cfg.MemberCacheTTL < 0 || cfg.IndexTTL < 0 {
		return errors.New("cache ttls must not be negative")
	}

	switch cfg.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format %q: want console or json", cfg.LogFormat)
	}

	if cfg.Writer.MergeSize < 0 || cfg.Writer.BurstLimit < 0 || cfg.Writer.MaxWorkers < 0 {
		return errors.New("writer settings must not be negative")
	}

	return nil
}
