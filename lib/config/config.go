// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Device types.
const (
	DeviceFile    = "file"
	DeviceTape    = "tape"
	DeviceChunked = "chunked"
)

// maxBlockSize matches the largest block the block codec accepts.
const maxBlockSize = 4000000

// Config is the storage daemon configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	Paths   PathsConfig    `yaml:"paths"`
	Catalog CatalogConfig  `yaml:"catalog"`
	Devices []DeviceConfig `yaml:"devices"`

	// SecureEraseCommand is run with a spool file path appended when
	// the file is discarded. Empty means overwrite with zeros and
	// remove.
	SecureEraseCommand []string `yaml:"secure_erase_command"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths              *PathsConfig   `yaml:"paths,omitempty"`
	Catalog            *CatalogConfig `yaml:"catalog,omitempty"`
	SecureEraseCommand []string       `yaml:"secure_erase_command,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// WorkingDirectory holds daemon state, including inflight markers
	// for chunked devices.
	WorkingDirectory string `yaml:"working_directory"`

	// SpoolDirectory holds job spool files.
	SpoolDirectory string `yaml:"spool_directory"`
}

// CatalogConfig locates the media ledger.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig describes one storage device.
type DeviceConfig struct {
	Name string `yaml:"name"`

	// Type is file, tape or chunked.
	Type string `yaml:"type"`

	// ArchiveDevice is the directory holding volumes for file and tape
	// devices.
	ArchiveDevice string `yaml:"archive_device"`

	MediaType string `yaml:"media_type"`

	// LabelType is bareos, ansi or ibm.
	LabelType string `yaml:"label_type"`

	// DirectIO opens file volumes with O_DIRECT.
	DirectIO bool `yaml:"direct_io"`

	// TapeCapacity bounds a virtual tape. Zero is unlimited.
	TapeCapacity Size `yaml:"tape_capacity"`

	Block              BlockConfig    `yaml:"block"`
	MaximumVolumeBytes Size           `yaml:"maximum_volume_bytes"`
	Spool              SpoolConfig    `yaml:"spool"`
	Chunked            *ChunkedConfig `yaml:"chunked,omitempty"`
}

// BlockConfig bounds block sizes and selects checksum behavior.
type BlockConfig struct {
	MinimumSize Size `yaml:"minimum_size"`
	MaximumSize Size `yaml:"maximum_size"`

	// Checksum defaults to true when unset.
	Checksum     *bool `yaml:"checksum,omitempty"`
	VerifyWrites bool  `yaml:"verify_writes"`
	ForceRead    bool  `yaml:"force_read"`
}

// ChecksumEnabled reports whether blocks carry a CRC.
func (b BlockConfig) ChecksumEnabled() bool {
	return b.Checksum == nil || *b.Checksum
}

// SpoolConfig bounds job spooling on a device. A zero MaximumSize and
// JobMaximumSize disable spooling.
type SpoolConfig struct {
	MaximumSize         Size `yaml:"maximum_size"`
	JobMaximumSize      Size `yaml:"job_maximum_size"`
	Files               int  `yaml:"files"`
	SecureErasePerCycle bool `yaml:"secure_erase_per_cycle"`
}

// Enabled reports whether jobs on the device spool.
func (s SpoolConfig) Enabled() bool {
	return s.MaximumSize > 0 || s.JobMaximumSize > 0
}

// ChunkedConfig configures a chunked device.
type ChunkedConfig struct {
	ChunkSize       Size          `yaml:"chunk_size"`
	IOThreads       int           `yaml:"io_threads"`
	IOSlots         int           `yaml:"io_slots"`
	Retries         int           `yaml:"retries"`
	InflightWait    Duration      `yaml:"inflight_wait"`
	InflightRetries int           `yaml:"inflight_retries"`
	Backend         BackendConfig `yaml:"backend"`
}

// BackendConfig selects where chunks are stored.
type BackendConfig struct {
	// Type is file; it is the only backend.
	Type        string `yaml:"type"`
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "mediavault")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			WorkingDirectory: defaultRoot,
			SpoolDirectory:   filepath.Join(defaultRoot, "spool"),
		},
		Catalog: CatalogConfig{
			Path: filepath.Join(defaultRoot, "catalog.db"),
		},
	}
}

// Load loads configuration from the MEDIAVAULT_CONFIG environment
// variable. There is no default path.
func Load() (*Config, error) {
	configPath := os.Getenv("MEDIAVAULT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MEDIAVAULT_CONFIG environment variable not set; " +
			"set it to the path of your mediavault.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// environment section, expands variables and fills device defaults.
// It does not validate; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	cfg.applyDeviceDefaults()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonc", ".json":
		// JSON is a subset of YAML once comments and trailing commas
		// are gone.
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.WorkingDirectory != "" {
			c.Paths.WorkingDirectory = overrides.Paths.WorkingDirectory
		}
		if overrides.Paths.SpoolDirectory != "" {
			c.Paths.SpoolDirectory = overrides.Paths.SpoolDirectory
		}
	}

	if overrides.Catalog != nil && overrides.Catalog.Path != "" {
		c.Catalog.Path = overrides.Catalog.Path
	}

	if len(overrides.SecureEraseCommand) > 0 {
		c.SecureEraseCommand = overrides.SecureEraseCommand
	}
}

// applyDeviceDefaults fills fields a device section may omit.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		device := &c.Devices[i]
		if device.Type == "" {
			device.Type = DeviceFile
		}
		if device.MediaType == "" {
			device.MediaType = defaultMediaType(device.Type)
		}
		if device.LabelType == "" {
			device.LabelType = "bareos"
		}
		if device.Block.MaximumSize == 0 {
			device.Block.MaximumSize = 64512
		}
		if device.Spool.Enabled() && device.Spool.Files == 0 {
			device.Spool.Files = 1
		}
		if device.Chunked != nil && device.Chunked.Backend.Type == "" {
			device.Chunked.Backend.Type = "file"
		}
	}
}

func defaultMediaType(deviceType string) string {
	switch deviceType {
	case DeviceTape:
		return "Tape"
	case DeviceChunked:
		return "Chunked"
	default:
		return "File"
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"MEDIAVAULT_ROOT": c.Paths.WorkingDirectory,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.WorkingDirectory = expandVars(c.Paths.WorkingDirectory, vars)
	vars["MEDIAVAULT_ROOT"] = c.Paths.WorkingDirectory // Update for dependent paths.

	c.Paths.SpoolDirectory = expandVars(c.Paths.SpoolDirectory, vars)
	c.Catalog.Path = expandVars(c.Catalog.Path, vars)
	for i := range c.Devices {
		device := &c.Devices[i]
		device.ArchiveDevice = expandVars(device.ArchiveDevice, vars)
		if device.Chunked != nil {
			device.Chunked.Backend.Path = expandVars(device.Chunked.Backend.Path, vars)
		}
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Device returns the device named name.
func (c *Config) Device(name string) (DeviceConfig, error) {
	for _, device := range c.Devices {
		if device.Name == name {
			return device, nil
		}
	}
	return DeviceConfig{}, fmt.Errorf("no device named %q is configured", name)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.WorkingDirectory == "" {
		errs = append(errs, fmt.Errorf("paths.working_directory is required"))
	}

	if c.Catalog.Path == "" {
		errs = append(errs, fmt.Errorf("catalog.path is required"))
	}

	seen := make(map[string]bool)
	for i, device := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if device.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			prefix = fmt.Sprintf("devices[%s]", device.Name)
			if seen[device.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate device name", prefix))
			}
			seen[device.Name] = true
		}
		errs = append(errs, device.validate(prefix, c.Paths.SpoolDirectory)...)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (d DeviceConfig) validate(prefix, spoolDirectory string) []error {
	var errs []error

	deviceTypes := []string{DeviceFile, DeviceTape, DeviceChunked}
	if !slices.Contains(deviceTypes, d.Type) {
		errs = append(errs, fmt.Errorf("%s.type must be one of: %v", prefix, deviceTypes))
	}

	labelTypes := []string{"bareos", "native", "ansi", "ibm"}
	if !slices.Contains(labelTypes, d.LabelType) {
		errs = append(errs, fmt.Errorf("%s.label_type must be one of: %v", prefix, labelTypes))
	}

	switch d.Type {
	case DeviceFile, DeviceTape:
		if d.ArchiveDevice == "" {
			errs = append(errs, fmt.Errorf("%s.archive_device is required for %s devices", prefix, d.Type))
		}
	case DeviceChunked:
		errs = append(errs, d.validateChunked(prefix)...)
	}

	if d.Block.MaximumSize > maxBlockSize {
		errs = append(errs, fmt.Errorf("%s.block.maximum_size %s exceeds %d bytes", prefix, d.Block.MaximumSize, maxBlockSize))
	}
	if d.Block.MinimumSize > d.Block.MaximumSize {
		errs = append(errs, fmt.Errorf("%s.block.minimum_size %s exceeds maximum_size %s",
			prefix, d.Block.MinimumSize, d.Block.MaximumSize))
	}
	if d.Block.ForceRead && !d.Block.ChecksumEnabled() {
		errs = append(errs, fmt.Errorf("%s.block.force_read has no effect without checksum", prefix))
	}
	if d.MaximumVolumeBytes < 0 {
		errs = append(errs, fmt.Errorf("%s.maximum_volume_bytes must not be negative", prefix))
	}

	if d.Spool.Enabled() {
		if spoolDirectory == "" {
			errs = append(errs, fmt.Errorf("%s.spool requires paths.spool_directory", prefix))
		}
		if d.Spool.Files < 1 {
			errs = append(errs, fmt.Errorf("%s.spool.files must be at least 1", prefix))
		}
		if d.Spool.MaximumSize > 0 && d.Spool.JobMaximumSize > d.Spool.MaximumSize {
			errs = append(errs, fmt.Errorf("%s.spool.job_maximum_size %s exceeds maximum_size %s",
				prefix, d.Spool.JobMaximumSize, d.Spool.MaximumSize))
		}
	}

	return errs
}

func (d DeviceConfig) validateChunked(prefix string) []error {
	if d.Chunked == nil {
		return []error{fmt.Errorf("%s.chunked is required for chunked devices", prefix)}
	}
	var errs []error
	chunked := d.Chunked
	if chunked.Backend.Type != "file" {
		errs = append(errs, fmt.Errorf("%s.chunked.backend.type must be file", prefix))
	}
	if chunked.Backend.Path == "" {
		errs = append(errs, fmt.Errorf("%s.chunked.backend.path is required", prefix))
	}
	compressions := []string{"", "none", "lz4", "zstd"}
	if !slices.Contains(compressions, chunked.Backend.Compression) {
		errs = append(errs, fmt.Errorf("%s.chunked.backend.compression must be one of: none, lz4, zstd", prefix))
	}
	if chunked.IOThreads < 0 || chunked.IOSlots < 0 || chunked.Retries < 0 || chunked.InflightRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.chunked: io_threads, io_slots, retries and inflight_retries must not be negative", prefix))
	}
	if chunked.IOThreads > 0 && chunked.IOSlots > 0 && chunked.IOSlots < chunked.IOThreads {
		errs = append(errs, fmt.Errorf("%s.chunked.io_slots %d is smaller than io_threads %d",
			prefix, chunked.IOSlots, chunked.IOThreads))
	}
	return errs
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.WorkingDirectory,
		c.Paths.SpoolDirectory,
		filepath.Dir(c.Catalog.Path),
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// InflightDirectory returns where a chunked device keeps its inflight
// markers.
func (c *Config) InflightDirectory(device string) string {
	return filepath.Join(c.Paths.WorkingDirectory, "inflight", device)
}
