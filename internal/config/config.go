// Package config loads the layered configuration described in spec.md §6's
// external-interface table into an accountsdb.Options, the way the
// teacher's own config.go layers global/project/explicit/CLI config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/internal/log"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrSnapshotDirEmpty   = errors.New("snapshot_dir cannot be empty")
)

// ConfigFileName is the default project config file name, checked in the
// working directory when no explicit -c/--config path is given.
const ConfigFileName = "lumen.json"

// Config mirrors spec.md §6's configuration table, plus the ambient
// logging/metrics knobs every long-running process needs.
type Config struct {
	SnapshotDir string `json:"snapshot_dir"`

	UseDiskIndex        bool   `json:"use_disk_index"`
	NumberOfIndexShards uint32 `json:"number_of_index_shards"`

	NumThreadsSnapshotLoad   int `json:"num_threads_snapshot_load"`
	NumThreadsSnapshotUnpack int `json:"num_threads_snapshot_unpack"`

	ForceUnpackSnapshot      bool `json:"force_unpack_snapshot"`
	ForceNewSnapshotDownload bool `json:"force_new_snapshot_download"`

	MinSnapshotDownloadSpeedMBs         float64 `json:"min_snapshot_download_speed_mbs"`
	MaxNumberOfSnapshotDownloadAttempts int     `json:"max_number_of_snapshot_download_attempts"`

	Fastload  bool `json:"fastload"`
	SaveIndex bool `json:"save_index"`

	SnapshotMetadataOnly bool `json:"snapshot_metadata_only"`

	MaxFlushSlotsPerIter              int    `json:"max_flush_slots_per_iter"`
	AccountFileShrinkThresholdPercent uint64 `json:"account_file_shrink_threshold_percent"`
	MaintenanceIntervalMS             int64  `json:"maintenance_interval_ms"`

	LogLevel    log.Level `json:"log_level,omitempty"`
	LogJSON     bool      `json:"log_json,omitempty"`
	MetricsAddr string    `json:"metrics_addr,omitempty"`

	// Sources tracks which config files were loaded, for diagnostics.
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns the configuration used when no file or flag
// overrides anything, matching accountsdb.DefaultOptions() plus the
// ambient defaults.
func DefaultConfig() Config {
	opts := accountsdb.DefaultOptions()

	return Config{
		SnapshotDir:                         "snapshot",
		NumberOfIndexShards:                 opts.NumberOfIndexShards,
		NumThreadsSnapshotLoad:              opts.NumThreadsSnapshotLoad,
		NumThreadsSnapshotUnpack:            opts.NumThreadsSnapshotUnpack,
		MaxNumberOfSnapshotDownloadAttempts: opts.MaxNumberOfSnapshotDownloadAttempts,
		MinSnapshotDownloadSpeedMBs:         opts.MinSnapshotDownloadSpeedMBs,
		MaxFlushSlotsPerIter:                opts.MaxFlushSlotsPerIter,
		AccountFileShrinkThresholdPercent:   opts.AccountFileShrinkThresholdPercent,
		MaintenanceIntervalMS:               opts.MaintenanceInterval.Milliseconds(),
		LogLevel:                            log.InfoLevel,
		MetricsAddr:                         ":9090",
	}
}

// ToEngineOptions converts Config into the accountsdb.Options the engine's
// constructor expects.
func (c Config) ToEngineOptions() accountsdb.Options {
	return accountsdb.Options{
		SnapshotDir:                         c.SnapshotDir,
		UseDiskIndex:                        c.UseDiskIndex,
		NumberOfIndexShards:                 c.NumberOfIndexShards,
		NumThreadsSnapshotLoad:              c.NumThreadsSnapshotLoad,
		NumThreadsSnapshotUnpack:            c.NumThreadsSnapshotUnpack,
		ForceUnpackSnapshot:                 c.ForceUnpackSnapshot,
		ForceNewSnapshotDownload:            c.ForceNewSnapshotDownload,
		MinSnapshotDownloadSpeedMBs:         c.MinSnapshotDownloadSpeedMBs,
		MaxNumberOfSnapshotDownloadAttempts: c.MaxNumberOfSnapshotDownloadAttempts,
		Fastload:                            c.Fastload,
		SaveIndex:                           c.SaveIndex,
		SnapshotMetadataOnly:                c.SnapshotMetadataOnly,
		MaxFlushSlotsPerIter:                c.MaxFlushSlotsPerIter,
		AccountFileShrinkThresholdPercent:   c.AccountFileShrinkThresholdPercent,
		MaintenanceInterval:                 time.Duration(c.MaintenanceIntervalMS) * time.Millisecond,
	}
}

// LoadInput holds the inputs LoadConfig layers together.
type LoadInput struct {
	// WorkDirOverride is the -C/--cwd flag value; if empty, os.Getwd() is
	// used.
	WorkDirOverride string

	// ConfigPath is the -c/--config flag value. If set, the file must
	// exist.
	ConfigPath string

	// CLIOverrides carries every flag the caller explicitly set; Changed
	// reports which fields to apply over the file-derived config.
	CLIOverrides Config
	Changed      map[string]bool

	// Env is the process environment, as a CutPrefix-scannable slice
	// (os.Environ()'s shape), used to locate the global config file.
	Env []string
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults < global user config < project config file (or the
// explicit -c/--config path) < CLI flag overrides.
func LoadConfig(input LoadInput) (Config, error) {
	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadGlobalConfig(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	workDir := input.WorkDirOverride
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("config: cannot get working directory: %w", err)
		}
	}

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	cfg = applyCLIOverrides(cfg, input.CLIOverrides, input.Changed)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if !filepath.IsAbs(cfg.SnapshotDir) {
		cfg.SnapshotDir = filepath.Join(workDir, cfg.SnapshotDir)
	}

	return cfg, nil
}

func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "lumen", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lumen", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "lumen", "config.json")
	}

	return ""
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var (
		cfgFile   string
		mustExist bool
	)

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

// parseConfig standardizes HuJSON (which allows comments and trailing
// commas, so operators can annotate validator configs) to plain JSON
// before unmarshaling.
func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid HuJSON: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// mergeConfig overlays every non-zero field of overlay onto base. Numeric
// zero and boolean false are indistinguishable from "unset" at this layer
// (full precision requires a presence map, which a config file's flat JSON
// object does not carry cheaply); CLI overrides instead use an explicit
// Changed set.
func mergeConfig(base, overlay Config) Config {
	if overlay.SnapshotDir != "" {
		base.SnapshotDir = overlay.SnapshotDir
	}

	if overlay.UseDiskIndex {
		base.UseDiskIndex = true
	}

	if overlay.NumberOfIndexShards != 0 {
		base.NumberOfIndexShards = overlay.NumberOfIndexShards
	}

	if overlay.NumThreadsSnapshotLoad != 0 {
		base.NumThreadsSnapshotLoad = overlay.NumThreadsSnapshotLoad
	}

	if overlay.NumThreadsSnapshotUnpack != 0 {
		base.NumThreadsSnapshotUnpack = overlay.NumThreadsSnapshotUnpack
	}

	if overlay.ForceUnpackSnapshot {
		base.ForceUnpackSnapshot = true
	}

	if overlay.ForceNewSnapshotDownload {
		base.ForceNewSnapshotDownload = true
	}

	if overlay.MinSnapshotDownloadSpeedMBs != 0 {
		base.MinSnapshotDownloadSpeedMBs = overlay.MinSnapshotDownloadSpeedMBs
	}

	if overlay.MaxNumberOfSnapshotDownloadAttempts != 0 {
		base.MaxNumberOfSnapshotDownloadAttempts = overlay.MaxNumberOfSnapshotDownloadAttempts
	}

	if overlay.Fastload {
		base.Fastload = true
	}

	if overlay.SaveIndex {
		base.SaveIndex = true
	}

	if overlay.SnapshotMetadataOnly {
		base.SnapshotMetadataOnly = true
	}

	if overlay.MaxFlushSlotsPerIter != 0 {
		base.MaxFlushSlotsPerIter = overlay.MaxFlushSlotsPerIter
	}

	if overlay.AccountFileShrinkThresholdPercent != 0 {
		base.AccountFileShrinkThresholdPercent = overlay.AccountFileShrinkThresholdPercent
	}

	if overlay.MaintenanceIntervalMS != 0 {
		base.MaintenanceIntervalMS = overlay.MaintenanceIntervalMS
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogJSON {
		base.LogJSON = true
	}

	if overlay.MetricsAddr != "" {
		base.MetricsAddr = overlay.MetricsAddr
	}

	return base
}

// applyCLIOverrides overlays only the fields the caller recorded in
// changed, so an explicit CLI flag always wins regardless of its zero
// value (unlike mergeConfig's file-layer merge, which cannot distinguish
// "set to false/0" from "not present in this file").
func applyCLIOverrides(base, overrides Config, changed map[string]bool) Config {
	if changed["snapshot_dir"] {
		base.SnapshotDir = overrides.SnapshotDir
	}

	if changed["use_disk_index"] {
		base.UseDiskIndex = overrides.UseDiskIndex
	}

	if changed["number_of_index_shards"] {
		base.NumberOfIndexShards = overrides.NumberOfIndexShards
	}

	if changed["num_threads_snapshot_load"] {
		base.NumThreadsSnapshotLoad = overrides.NumThreadsSnapshotLoad
	}

	if changed["num_threads_snapshot_unpack"] {
		base.NumThreadsSnapshotUnpack = overrides.NumThreadsSnapshotUnpack
	}

	if changed["force_unpack_snapshot"] {
		base.ForceUnpackSnapshot = overrides.ForceUnpackSnapshot
	}

	if changed["force_new_snapshot_download"] {
		base.ForceNewSnapshotDownload = overrides.ForceNewSnapshotDownload
	}

	if changed["fastload"] {
		base.Fastload = overrides.Fastload
	}

	if changed["save_index"] {
		base.SaveIndex = overrides.SaveIndex
	}

	if changed["snapshot_metadata_only"] {
		base.SnapshotMetadataOnly = overrides.SnapshotMetadataOnly
	}

	if changed["log_level"] {
		base.LogLevel = overrides.LogLevel
	}

	if changed["log_json"] {
		base.LogJSON = overrides.LogJSON
	}

	if changed["metrics_addr"] {
		base.MetricsAddr = overrides.MetricsAddr
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.SnapshotDir == "" {
		return ErrSnapshotDirEmpty
	}

	if !pubkey.IsPowerOfTwoUpTo24Bits(cfg.NumberOfIndexShards) {
		return fmt.Errorf("%w: number_of_index_shards %d is not a power of two <= 1<<24", ErrConfigInvalid, cfg.NumberOfIndexShards)
	}

	return nil
}

// FormatConfig returns cfg as formatted JSON, for a `print-config`
// diagnostic command.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: format: %w", err)
	}

	return string(data), nil
}
