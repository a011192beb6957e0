package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"
	builtIn         = "built-in"
)

// RootConfig is the on-disk layout: named profiles plus the active one
type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// ConfigProfile is one named profile as written in the file. Pointer
// fields distinguish "not set" from an explicit zero.
type ConfigProfile struct {
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Trim    TrimProfile   `mapstructure:"trim" yaml:"trim"`
	Service ServiceConfig `mapstructure:"service" yaml:"service"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

type TrimProfile struct {
	SilenceThreshold *float64 `mapstructure:"silence_threshold,omitempty" yaml:"silence_threshold,omitempty"`
	MaxRecordSeconds int      `mapstructure:"max_record_seconds" yaml:"max_record_seconds"`
	Async            *bool    `mapstructure:"async,omitempty" yaml:"async,omitempty"`
}

// Config is a fully resolved profile
type Config struct {
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Trim    TrimConfig    `mapstructure:"trim" yaml:"trim"`
	Service ServiceConfig `mapstructure:"service" yaml:"service"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// InheritanceInfo records where each resolved field came from, keyed by
// its dotted path ("audio.sample_rate"). Values are "built-in",
// "inherited" or "profile-specific".
type InheritanceInfo struct {
	Profile string
	Fields  map[string]string
}

// Source returns the origin of a field, or "unknown"
func (i *InheritanceInfo) Source(key string) string {
	if i == nil {
		return "unknown"
	}
	if s, ok := i.Fields[key]; ok {
		return s
	}
	return "unknown"
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int    `mapstructure:"channels" yaml:"channels"`
	Backend    string `mapstructure:"backend" yaml:"backend"`       // "pipewire", "wav", "auto"
	Device     string `mapstructure:"device" yaml:"device"`         // pw-record target, empty for default
	InputFile  string `mapstructure:"input_file" yaml:"input_file"` // WAV replayed by the wav backend
}

type TrimConfig struct {
	SilenceThreshold float64 `mapstructure:"silence_threshold" yaml:"silence_threshold"` // 0 disables silence trimming
	MaxRecordSeconds int     `mapstructure:"max_record_seconds" yaml:"max_record_seconds"`
	Async            bool    `mapstructure:"async" yaml:"async"`
}

type ServiceConfig struct {
	TickMS      int    `mapstructure:"tick_ms" yaml:"tick_ms"`
	HistorySize int    `mapstructure:"history_size" yaml:"history_size"`
	Listen      string `mapstructure:"listen" yaml:"listen"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate: 44100,
		Channels:   1,
		Backend:    "auto",
	},
	Trim: TrimConfig{
		SilenceThreshold: 0,
		MaxRecordSeconds: 1800, // 30 minutes
		Async:            false,
	},
	Service: ServiceConfig{
		TickMS:      50,
		HistorySize: 32,
		Listen:      ":8080",
	},
	Log: LogConfig{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
	},
}

// Default returns a copy of the built-in configuration
func Default() *Config {
	cfg := defaultConfig
	cfg.Inheritance = &InheritanceInfo{Profile: "built-in", Fields: map[string]string{}}
	for _, key := range fieldKeys {
		cfg.Inheritance.Fields[key] = builtIn
	}
	return &cfg
}

// MaxRecordDuration returns the record time cap
func (c *Config) MaxRecordDuration() time.Duration {
	return time.Duration(c.Trim.MaxRecordSeconds) * time.Second
}

// TickInterval returns the consumer poll interval
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Service.TickMS) * time.Millisecond
}

// DefaultPath returns the config path used when --config is not given
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/micclip.yaml")
}

// LoadOrDefault loads configFile, falling back to the built-in defaults
// when the file does not exist.
func LoadOrDefault(configFile, profile string) (*Config, error) {
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return LoadWithProfile(configFile, profile)
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Built-in values, then the default profile, then the selected one
	resolved := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			resolved = mergeProfile(resolved, defaultProfile, inherited)
		}
	}
	resolved = mergeProfile(resolved, selectedProfile, profileSpecific)
	resolved.Inheritance.Profile = configName

	resolved.Audio.InputFile = expandPath(resolved.Audio.InputFile)
	resolved.Log.File = expandPath(resolved.Log.File)

	if err := Validate(resolved); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return resolved, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// Watch reloads the profile whenever configFile changes and passes the
// result to onChange. A reload error is passed through and the previous
// configuration stays in effect at the caller's discretion.
func Watch(configFile, profile string, onChange func(*Config, error)) error {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(LoadWithProfile(configFile, profile))
	})
	v.WatchConfig()
	return nil
}

// fieldKeys lists every tracked field in display order
var fieldKeys = []string{
	"audio.sample_rate", "audio.channels", "audio.backend", "audio.device", "audio.input_file",
	"trim.silence_threshold", "trim.max_record_seconds", "trim.async",
	"service.tick_ms", "service.history_size", "service.listen",
	"log.level", "log.file", "log.max_size_mb", "log.max_backups",
}

// FieldKeys returns the dotted names of all resolved fields
func FieldKeys() []string {
	keys := make([]string, len(fieldKeys))
	copy(keys, fieldKeys)
	return keys
}

// mergeProfile applies the fields a profile sets on top of base. Fields
// the profile leaves empty keep the base value and its origin; fields it
// sets are marked with origin.
func mergeProfile(base *Config, profile *ConfigProfile, origin string) *Config {
	result := *base
	result.Inheritance = &InheritanceInfo{Fields: make(map[string]string, len(fieldKeys))}
	for _, key := range fieldKeys {
		src := base.Inheritance.Source(key)
		if src == builtIn || src == "unknown" {
			result.Inheritance.Fields[key] = src
		} else {
			result.Inheritance.Fields[key] = inherited
		}
	}

	if profile == nil {
		return &result
	}

	set := func(key string) { result.Inheritance.Fields[key] = origin }

	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		set("audio.sample_rate")
	}
	if profile.Audio.Channels != 0 {
		result.Audio.Channels = profile.Audio.Channels
		set("audio.channels")
	}
	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		set("audio.backend")
	}
	if profile.Audio.Device != "" {
		result.Audio.Device = profile.Audio.Device
		set("audio.device")
	}
	if profile.Audio.InputFile != "" {
		result.Audio.InputFile = profile.Audio.InputFile
		set("audio.input_file")
	}

	if profile.Trim.SilenceThreshold != nil {
		result.Trim.SilenceThreshold = *profile.Trim.SilenceThreshold
		set("trim.silence_threshold")
	}
	if profile.Trim.MaxRecordSeconds != 0 {
		result.Trim.MaxRecordSeconds = profile.Trim.MaxRecordSeconds
		set("trim.max_record_seconds")
	}
	if profile.Trim.Async != nil {
		result.Trim.Async = *profile.Trim.Async
		set("trim.async")
	}

	if profile.Service.TickMS != 0 {
		result.Service.TickMS = profile.Service.TickMS
		set("service.tick_ms")
	}
	if profile.Service.HistorySize != 0 {
		result.Service.HistorySize = profile.Service.HistorySize
		set("service.history_size")
	}
	if profile.Service.Listen != "" {
		result.Service.Listen = profile.Service.Listen
		set("service.listen")
	}

	if profile.Log.Level != "" {
		result.Log.Level = profile.Log.Level
		set("log.level")
	}
	if profile.Log.File != "" {
		result.Log.File = profile.Log.File
		set("log.file")
	}
	if profile.Log.MaxSizeMB != 0 {
		result.Log.MaxSizeMB = profile.Log.MaxSizeMB
		set("log.max_size_mb")
	}
	if profile.Log.MaxBackups != 0 {
		result.Log.MaxBackups = profile.Log.MaxBackups
		set("log.max_backups")
	}

	return &result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration
func Validate(c *Config) error {
	if c.Audio.SampleRate <= 0 || c.Audio.SampleRate > 384000 {
		return fmt.Errorf("audio.sample_rate must be between 1 and 384000, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 || c.Audio.Channels > 32 {
		return fmt.Errorf("audio.channels must be between 1 and 32, got %d", c.Audio.Channels)
	}

	switch strings.ToLower(c.Audio.Backend) {
	case "", "auto", "pipewire":
	case "wav":
		if c.Audio.InputFile == "" {
			return fmt.Errorf("audio.input_file is required when audio.backend is 'wav'")
		}
	default:
		return fmt.Errorf("audio.backend must be 'pipewire', 'wav' or 'auto', got: %s", c.Audio.Backend)
	}

	if c.Trim.SilenceThreshold < 0 || c.Trim.SilenceThreshold > 1 {
		return fmt.Errorf("trim.silence_threshold must be between 0 and 1, got %.3f", c.Trim.SilenceThreshold)
	}
	if c.Trim.MaxRecordSeconds <= 0 {
		return fmt.Errorf("trim.max_record_seconds must be > 0, got %d", c.Trim.MaxRecordSeconds)
	}

	if c.Service.TickMS <= 0 {
		return fmt.Errorf("service.tick_ms must be > 0, got %d", c.Service.TickMS)
	}
	if c.Service.HistorySize <= 0 {
		return fmt.Errorf("service.history_size must be > 0, got %d", c.Service.HistorySize)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got: %s", c.Log.Level)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must be >= 0")
	}

	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// MICCLIP_ACTIVE_CONFIG overrides the active profile
	v.SetEnvPrefix("MICCLIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}

	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	for name, profile := range rootConfig.Configs {
		if err := validateProfile(profile); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", name, err)
		}
	}

	return &rootConfig, nil
}

// validateProfile checks the fields a profile sets explicitly
func validateProfile(profile *ConfigProfile) error {
	if profile == nil {
		return nil
	}

	if t := profile.Trim.SilenceThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("trim.silence_threshold override must be between 0 and 1, got %.3f", *t)
	}
	if profile.Trim.MaxRecordSeconds < 0 {
		return fmt.Errorf("trim.max_record_seconds must be >= 0, got %d", profile.Trim.MaxRecordSeconds)
	}
	if profile.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must be >= 0, got %d", profile.Audio.SampleRate)
	}
	if profile.Audio.Channels < 0 {
		return fmt.Errorf("audio.channels must be >= 0, got %d", profile.Audio.Channels)
	}

	return nil
}
