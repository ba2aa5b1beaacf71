package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type DefinitionsConfig struct {
	Students []StudentDefinition `mapstructure:"students" yaml:"students"`
}

type StudentDefinition struct {
	ID          string `mapstructure:"id" yaml:"id"`
	FullName    string `mapstructure:"full_name" yaml:"full_name"`
	Instrument  string `mapstructure:"instrument" yaml:"instrument"`
	ParentEmail string `mapstructure:"parent_email" yaml:"parent_email,omitempty"`
}

type StudentReference struct {
	Ref         string  `mapstructure:"ref" yaml:"ref"`
	Instrument  *string `mapstructure:"instrument,omitempty" yaml:"instrument,omitempty"`
	ParentEmail *string `mapstructure:"parent_email,omitempty" yaml:"parent_email,omitempty"`
}

type GlobalsConfig struct {
	StudioName          string `mapstructure:"studio_name" yaml:"studio_name"`
	TeacherName         string `mapstructure:"teacher_name" yaml:"teacher_name"`
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Studio     GlobalsConfig    `mapstructure:"-" yaml:"studio"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Summarizer SummarizerConfig `mapstructure:"summarizer" yaml:"summarizer"`
	Students   []Student        `mapstructure:"students" yaml:"students"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Capture    CaptureConfig      `mapstructure:"capture" yaml:"capture"`
	Summarizer SummarizerConfig   `mapstructure:"summarizer" yaml:"summarizer"`
	Students   []StudentReference `mapstructure:"students" yaml:"students"`
	Output     OutputConfig       `mapstructure:"output" yaml:"output"`
	Logging    LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Server     ServerConfig       `mapstructure:"server" yaml:"server"`
}

type InheritanceInfo struct {
	Capture struct {
		Backend         string // "inherited" or "profile-specific"
		Source          string
		SampleRate      string
		MimePreferences string
	}
	Summarizer struct {
		Provider string
		Model    string
	}
	Students map[string]string // student ID -> "definition" or "overridden"
	Output   struct {
		Directory string
	}
}

type CaptureConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`           // "ffmpeg", "auto"
	InputFormat     string        `mapstructure:"input_format" yaml:"input_format"` // ffmpeg -f: pulse, alsa, jack, avfoundation
	Source          string        `mapstructure:"source" yaml:"source"`
	SampleRate      int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int           `mapstructure:"channels" yaml:"channels"`
	MimePreferences []string      `mapstructure:"mime_preferences" yaml:"mime_preferences"`
	FallbackMime    string        `mapstructure:"fallback_mime" yaml:"fallback_mime"`
	TickInterval    time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	VisualizerFPS   int           `mapstructure:"visualizer_fps" yaml:"visualizer_fps"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	FFmpegPath      string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
}

type SummarizerConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"` // "gemini", "http", "none"
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SystemPrompt      string        `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	SystemInstruction string        `mapstructure:"system_instruction" yaml:"system_instruction,omitempty"`
}

type Student struct {
	ID          string `mapstructure:"id" yaml:"id" json:"id"`
	FullName    string `mapstructure:"full_name" yaml:"full_name" json:"full_name"`
	Instrument  string `mapstructure:"instrument" yaml:"instrument" json:"instrument"`
	ParentEmail string `mapstructure:"parent_email" yaml:"parent_email,omitempty" json:"parent_email,omitempty"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	SaveAudio bool   `mapstructure:"save_audio" yaml:"save_audio"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	Format     string `mapstructure:"format" yaml:"format"` // "text", "json"
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// DefaultMimePreferences mirrors the capture package's preference order.
var DefaultMimePreferences = []string{
	"audio/mp4",
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/aac",
}

var defaultConfig = Config{
	Capture: CaptureConfig{
		Backend:         "auto",
		InputFormat:     "pulse",
		Source:          "default",
		SampleRate:      48000,
		Channels:        1,
		MimePreferences: DefaultMimePreferences,
		FallbackMime:    "audio/webm",
		TickInterval:    time.Second,
		VisualizerFPS:   15,
		StopTimeout:     5 * time.Second,
		FFmpegPath:      "ffmpeg",
	},
	Summarizer: SummarizerConfig{
		Provider:          "gemini",
		Model:             "gemini-3-flash-preview",
		Timeout:           2 * time.Minute,
		SystemInstruction: "You are a helpful AI assistant for music teachers.",
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "LessonCapture"),
	},
	Logging: LoggingConfig{
		Format:     "text",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
	Server: ServerConfig{
		Host: "127.0.0.1",
		Port: "8080",
	},
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig
	cfg.Capture.MimePreferences = append([]string(nil), defaultConfig.Capture.MimePreferences...)
	cfg.Summarizer.APIKey = apiKeyFromEnv()
	return &cfg
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

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
		}
	}

	// Globals take priority over any profile
	if rootConfig.Globals != nil {
		selectedConfig.Studio = *rootConfig.Globals
		if rootConfig.Globals.RecordingsDirectory != "" {
			selectedConfig.Output.Directory = rootConfig.Globals.RecordingsDirectory
		}
	}

	applyDefaults(selectedConfig)
	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Logging.File = expandPath(selectedConfig.Logging.File)

	if selectedConfig.Summarizer.APIKey == "" {
		selectedConfig.Summarizer.APIKey = apiKeyFromEnv()
	}

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// apiKeyFromEnv reads the summarizer key from the environment.
func apiKeyFromEnv() string {
	if key := os.Getenv("LESSONCAPTURE_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("API_KEY")
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

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// FindStudent returns the roster entry with the given ID.
func (c *Config) FindStudent(id string) (Student, bool) {
	for _, s := range c.Students {
		if s.ID == id {
			return s, true
		}
	}
	return Student{}, false
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving student references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Capture:    profile.Capture,
		Summarizer: profile.Summarizer,
		Output:     profile.Output,
		Logging:    profile.Logging,
		Server:     profile.Server,
		Inheritance: &InheritanceInfo{
			Students: make(map[string]string),
		},
	}

	for i, ref := range profile.Students {
		if ref.Ref == "" {
			return nil, fmt.Errorf("students[%d]: 'ref' is required", i)
		}

		definition := findDefinition(definitions, ref.Ref)
		if definition == nil {
			return nil, fmt.Errorf("students[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		student := Student{
			ID:          definition.ID,
			FullName:    definition.FullName,
			Instrument:  definition.Instrument,
			ParentEmail: definition.ParentEmail,
		}
		origin := "definition"

		if ref.Instrument != nil {
			student.Instrument = *ref.Instrument
			origin = "overridden"
		}
		if ref.ParentEmail != nil {
			student.ParentEmail = *ref.ParentEmail
			origin = "overridden"
		}

		config.Inheritance.Students[student.ID] = origin
		config.Students = append(config.Students, student)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *StudentDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Students {
		if definitions.Students[i].ID == id {
			return &definitions.Students[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Students: the roster is exactly the profile's student list
// - For all other settings (capture, summarizer, output, logging, server), use
//   the profile value or fall back to default
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{
		Inheritance: &InheritanceInfo{Students: make(map[string]string)},
	}

	if base != nil {
		result.Capture = base.Capture
		result.Summarizer = base.Summarizer
		result.Output = base.Output
		result.Logging = base.Logging
		result.Server = base.Server

		result.Inheritance.Capture.Backend = "inherited"
		result.Inheritance.Capture.Source = "inherited"
		result.Inheritance.Capture.SampleRate = "inherited"
		result.Inheritance.Capture.MimePreferences = "inherited"
		result.Inheritance.Summarizer.Provider = "inherited"
		result.Inheritance.Summarizer.Model = "inherited"
		result.Inheritance.Output.Directory = "inherited"
	}

	if profile == nil {
		return result
	}

	// Capture
	if profile.Capture.Backend != "" {
		result.Capture.Backend = profile.Capture.Backend
		result.Inheritance.Capture.Backend = "profile-specific"
	}
	if profile.Capture.InputFormat != "" {
		result.Capture.InputFormat = profile.Capture.InputFormat
	}
	if profile.Capture.Source != "" {
		result.Capture.Source = profile.Capture.Source
		result.Inheritance.Capture.Source = "profile-specific"
	}
	if profile.Capture.SampleRate != 0 {
		result.Capture.SampleRate = profile.Capture.SampleRate
		result.Inheritance.Capture.SampleRate = "profile-specific"
	}
	if profile.Capture.Channels != 0 {
		result.Capture.Channels = profile.Capture.Channels
	}
	if len(profile.Capture.MimePreferences) > 0 {
		result.Capture.MimePreferences = profile.Capture.MimePreferences
		result.Inheritance.Capture.MimePreferences = "profile-specific"
	}
	if profile.Capture.FallbackMime != "" {
		result.Capture.FallbackMime = profile.Capture.FallbackMime
	}
	if profile.Capture.TickInterval != 0 {
		result.Capture.TickInterval = profile.Capture.TickInterval
	}
	if profile.Capture.VisualizerFPS != 0 {
		result.Capture.VisualizerFPS = profile.Capture.VisualizerFPS
	}
	if profile.Capture.StopTimeout != 0 {
		result.Capture.StopTimeout = profile.Capture.StopTimeout
	}
	if profile.Capture.FFmpegPath != "" {
		result.Capture.FFmpegPath = profile.Capture.FFmpegPath
	}

	// Summarizer
	if profile.Summarizer.Provider != "" {
		result.Summarizer.Provider = profile.Summarizer.Provider
		result.Inheritance.Summarizer.Provider = "profile-specific"
	}
	if profile.Summarizer.Model != "" {
		result.Summarizer.Model = profile.Summarizer.Model
		result.Inheritance.Summarizer.Model = "profile-specific"
	}
	if profile.Summarizer.APIKey != "" {
		result.Summarizer.APIKey = profile.Summarizer.APIKey
	}
	if profile.Summarizer.Endpoint != "" {
		result.Summarizer.Endpoint = profile.Summarizer.Endpoint
	}
	if profile.Summarizer.Timeout != 0 {
		result.Summarizer.Timeout = profile.Summarizer.Timeout
	}
	if profile.Summarizer.SystemPrompt != "" {
		result.Summarizer.SystemPrompt = profile.Summarizer.SystemPrompt
	}
	if profile.Summarizer.SystemInstruction != "" {
		result.Summarizer.SystemInstruction = profile.Summarizer.SystemInstruction
	}

	// Output
	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	// SaveAudio: profile value always takes precedence if the profile is loaded
	result.Output.SaveAudio = profile.Output.SaveAudio

	// Logging
	if profile.Logging.File != "" {
		result.Logging.File = profile.Logging.File
	}
	if profile.Logging.Format != "" {
		result.Logging.Format = profile.Logging.Format
	}
	if profile.Logging.MaxSizeMB != 0 {
		result.Logging.MaxSizeMB = profile.Logging.MaxSizeMB
	}
	if profile.Logging.MaxBackups != 0 {
		result.Logging.MaxBackups = profile.Logging.MaxBackups
	}
	if profile.Logging.MaxAgeDays != 0 {
		result.Logging.MaxAgeDays = profile.Logging.MaxAgeDays
	}

	// Server
	if profile.Server.Host != "" {
		result.Server.Host = profile.Server.Host
	}
	if profile.Server.Port != "" {
		result.Server.Port = profile.Server.Port
	}

	// STUDENTS: Selection model, only the profile's roster
	result.Students = make([]Student, 0, len(profile.Students))
	for _, student := range profile.Students {
		result.Students = append(result.Students, student)
		origin := "definition"
		if profile.Inheritance != nil {
			if o, ok := profile.Inheritance.Students[student.ID]; ok {
				origin = o
			}
		}
		result.Inheritance.Students[student.ID] = origin
	}

	return result
}

// applyDefaults fills every unset field from the built-in defaults.
func applyDefaults(cfg *Config) {
	d := defaultConfig

	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = d.Capture.Backend
	}
	if cfg.Capture.InputFormat == "" {
		cfg.Capture.InputFormat = d.Capture.InputFormat
	}
	if cfg.Capture.Source == "" {
		cfg.Capture.Source = d.Capture.Source
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = d.Capture.SampleRate
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = d.Capture.Channels
	}
	if len(cfg.Capture.MimePreferences) == 0 {
		cfg.Capture.MimePreferences = append([]string(nil), d.Capture.MimePreferences...)
	}
	if cfg.Capture.FallbackMime == "" {
		cfg.Capture.FallbackMime = d.Capture.FallbackMime
	}
	if cfg.Capture.TickInterval == 0 {
		cfg.Capture.TickInterval = d.Capture.TickInterval
	}
	if cfg.Capture.VisualizerFPS == 0 {
		cfg.Capture.VisualizerFPS = d.Capture.VisualizerFPS
	}
	if cfg.Capture.StopTimeout == 0 {
		cfg.Capture.StopTimeout = d.Capture.StopTimeout
	}
	if cfg.Capture.FFmpegPath == "" {
		cfg.Capture.FFmpegPath = d.Capture.FFmpegPath
	}

	if cfg.Summarizer.Provider == "" {
		cfg.Summarizer.Provider = d.Summarizer.Provider
	}
	if cfg.Summarizer.Model == "" {
		cfg.Summarizer.Model = d.Summarizer.Model
	}
	if cfg.Summarizer.Timeout == 0 {
		cfg.Summarizer.Timeout = d.Summarizer.Timeout
	}
	if cfg.Summarizer.SystemInstruction == "" {
		cfg.Summarizer.SystemInstruction = d.Summarizer.SystemInstruction
	}

	if cfg.Output.Directory == "" {
		cfg.Output.Directory = d.Output.Directory
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = d.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = d.Logging.MaxBackups
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = d.Logging.MaxAgeDays
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = d.Server.Port
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// validateConfig checks the resolved configuration
func validateConfig(cfg *Config) error {
	switch strings.ToLower(cfg.Capture.Backend) {
	case "auto", "ffmpeg":
	default:
		return fmt.Errorf("capture.backend must be 'auto' or 'ffmpeg', got: %s", cfg.Capture.Backend)
	}

	switch cfg.Capture.InputFormat {
	case "pulse", "alsa", "jack", "avfoundation", "dshow", "lavfi":
	default:
		return fmt.Errorf("capture.input_format not supported: %s", cfg.Capture.InputFormat)
	}

	if cfg.Capture.InputFormat == "jack" && !isValidPortName(cfg.Capture.Source) {
		return fmt.Errorf("capture.source must be a JACK port (device:port), got: %s", cfg.Capture.Source)
	}

	if cfg.Capture.SampleRate < 8000 || cfg.Capture.SampleRate > 192000 {
		return fmt.Errorf("capture.sample_rate must be between 8000 and 192000, got: %d", cfg.Capture.SampleRate)
	}
	if cfg.Capture.Channels < 1 || cfg.Capture.Channels > 2 {
		return fmt.Errorf("capture.channels must be 1 or 2, got: %d", cfg.Capture.Channels)
	}
	for i, mime := range cfg.Capture.MimePreferences {
		if !strings.HasPrefix(mime, "audio/") {
			return fmt.Errorf("capture.mime_preferences[%d] must be an audio type, got: %s", i, mime)
		}
	}
	if !strings.HasPrefix(cfg.Capture.FallbackMime, "audio/") {
		return fmt.Errorf("capture.fallback_mime must be an audio type, got: %s", cfg.Capture.FallbackMime)
	}
	if cfg.Capture.TickInterval < 0 || cfg.Capture.StopTimeout < 0 {
		return fmt.Errorf("capture durations must be positive")
	}

	switch cfg.Summarizer.Provider {
	case "gemini", "none":
	case "http":
		if cfg.Summarizer.Endpoint == "" {
			return fmt.Errorf("summarizer.endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("summarizer.provider must be 'gemini', 'http' or 'none', got: %s", cfg.Summarizer.Provider)
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got: %s", cfg.Logging.Format)
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Students {
		if seen[s.ID] {
			return fmt.Errorf("students[%d]: '%s' listed twice", i, s.ID)
		}
		seen[s.ID] = true
	}

	return nil
}

// isValidPortName checks if a source name is a JACK/PipeWire "device:port"
func isValidPortName(source string) bool {
	source = strings.TrimSpace(source)

	// For devices that may contain colons in their names, split from the right
	lastColonIndex := strings.LastIndex(source, ":")
	if lastColonIndex == -1 {
		return false
	}

	deviceName := strings.TrimSpace(source[:lastColonIndex])
	port := strings.TrimSpace(source[lastColonIndex+1:])
	return len(deviceName) > 0 && len(port) > 0
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("LESSONCAPTURE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateStudentReferences(configProfile.Students, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Students {
		if def.ID == "" {
			return fmt.Errorf("definitions.students[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.students[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateStudentDefinition(def, fmt.Sprintf("definitions.students[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

// validateStudentDefinition validates a single student definition
func validateStudentDefinition(def StudentDefinition, prefix string) error {
	if strings.TrimSpace(def.FullName) == "" {
		return fmt.Errorf("%s: 'full_name' is required", prefix)
	}
	if strings.TrimSpace(def.Instrument) == "" {
		return fmt.Errorf("%s: 'instrument' is required", prefix)
	}
	if def.ParentEmail != "" {
		if err := validateEmail(def.ParentEmail); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}
	return nil
}

// validateStudentReferences validates student references in a config profile
func validateStudentReferences(students []StudentReference, definitions *DefinitionsConfig) error {
	for i, ref := range students {
		prefix := fmt.Sprintf("students[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		if findDefinition(definitions, ref.Ref) == nil {
			return fmt.Errorf("%s: references undefined student definition '%s'", prefix, ref.Ref)
		}

		if ref.Instrument != nil && strings.TrimSpace(*ref.Instrument) == "" {
			return fmt.Errorf("%s: instrument override cannot be empty", prefix)
		}
		if ref.ParentEmail != nil && *ref.ParentEmail != "" {
			if err := validateEmail(*ref.ParentEmail); err != nil {
				return fmt.Errorf("%s: %w", prefix, err)
			}
		}
	}

	return nil
}

var validate = validator.New()

func validateEmail(address string) error {
	if err := validate.Var(address, "required,email"); err != nil {
		return fmt.Errorf("'parent_email' must be a plain email address, got: %s", address)
	}
	return nil
}
