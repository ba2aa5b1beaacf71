package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	// Create base (default) config
	base := &Config{
		Capture: CaptureConfig{
			Backend:         "ffmpeg",
			InputFormat:     "pulse",
			Source:          "default",
			SampleRate:      48000,
			MimePreferences: []string{"audio/mp4", "audio/webm"},
			StopTimeout:     5 * time.Second,
		},
		Summarizer: SummarizerConfig{
			Provider: "gemini",
			Model:    "gemini-3-flash-preview",
		},
		Students: []Student{
			{ID: "st-1", FullName: "Sarah Chen", Instrument: "Piano"},
			{ID: "st-2", FullName: "Leo Das", Instrument: "Violin"},
			{ID: "st-3", FullName: "Maya Johnson", Instrument: "Guitar"},
		},
		Output: OutputConfig{
			Directory: "~/Audio/Default",
		},
	}

	// Profile only lists one student and overrides some settings
	profile := &Config{
		Capture: CaptureConfig{
			Source:     "alsa_input.usb-Focusrite",
			SampleRate: 44100,
		},
		Summarizer: SummarizerConfig{
			Model: "gemini-2.5-flash",
		},
		Students: []Student{
			{ID: "st-2", FullName: "Leo Das", Instrument: "Viola"},
		},
		Output: OutputConfig{
			Directory: "~/Audio/Studio",
		},
		Inheritance: &InheritanceInfo{Students: map[string]string{"st-2": "overridden"}},
	}

	result := mergeConfigs(base, profile)

	// Roster is exactly the profile's list
	if len(result.Students) != 1 {
		t.Fatalf("Expected 1 student, got %d", len(result.Students))
	}
	if result.Students[0].ID != "st-2" || result.Students[0].Instrument != "Viola" {
		t.Errorf("Student incorrect: got %+v", result.Students[0])
	}

	// Capture: overridden source and rate, inherited backend and preferences
	if result.Capture.Source != "alsa_input.usb-Focusrite" {
		t.Errorf("Expected profile source, got %s", result.Capture.Source)
	}
	if result.Capture.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", result.Capture.SampleRate)
	}
	if result.Capture.Backend != "ffmpeg" {
		t.Errorf("Expected backend 'ffmpeg', got %s", result.Capture.Backend)
	}
	if len(result.Capture.MimePreferences) != 2 || result.Capture.MimePreferences[0] != "audio/mp4" {
		t.Errorf("Expected inherited mime preferences, got %v", result.Capture.MimePreferences)
	}
	if result.Capture.StopTimeout != 5*time.Second {
		t.Errorf("Expected inherited stop timeout, got %v", result.Capture.StopTimeout)
	}

	// Summarizer: overridden model, inherited provider
	if result.Summarizer.Model != "gemini-2.5-flash" {
		t.Errorf("Expected model override, got %s", result.Summarizer.Model)
	}
	if result.Summarizer.Provider != "gemini" {
		t.Errorf("Expected inherited provider, got %s", result.Summarizer.Provider)
	}

	if result.Output.Directory != "~/Audio/Studio" {
		t.Errorf("Expected directory '~/Audio/Studio', got %s", result.Output.Directory)
	}

	// Test inheritance tracking
	if result.Inheritance == nil {
		t.Fatal("Inheritance tracking not initialized")
	}
	if result.Inheritance.Capture.SampleRate != "profile-specific" {
		t.Errorf("Expected sample rate to be profile-specific, got %s", result.Inheritance.Capture.SampleRate)
	}
	if result.Inheritance.Capture.Backend != "inherited" {
		t.Errorf("Expected backend to be inherited, got %s", result.Inheritance.Capture.Backend)
	}
	if result.Inheritance.Summarizer.Provider != "inherited" {
		t.Errorf("Expected provider to be inherited, got %s", result.Inheritance.Summarizer.Provider)
	}
	if result.Inheritance.Summarizer.Model != "profile-specific" {
		t.Errorf("Expected model to be profile-specific, got %s", result.Inheritance.Summarizer.Model)
	}
	if result.Inheritance.Students["st-2"] != "overridden" {
		t.Errorf("Expected st-2 to be overridden, got %s", result.Inheritance.Students["st-2"])
	}
}

func TestMergeConfigs_ProfileOnly(t *testing.T) {
	profile := &Config{
		Capture:  CaptureConfig{Backend: "ffmpeg", SampleRate: 44100},
		Students: []Student{{ID: "st-1", FullName: "Sarah Chen", Instrument: "Piano"}},
	}

	result := mergeConfigs(nil, profile)

	if result.Capture.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", result.Capture.SampleRate)
	}
	if len(result.Students) != 1 {
		t.Errorf("Expected 1 student, got %d", len(result.Students))
	}
	if result.Inheritance.Students["st-1"] != "definition" {
		t.Errorf("Expected st-1 from definition, got %s", result.Inheritance.Students["st-1"])
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := &Config{
		Capture:  CaptureConfig{SampleRate: 48000},
		Students: []Student{{ID: "st-1"}},
	}

	result := mergeConfigs(base, &Config{})

	if result.Capture.SampleRate != 48000 {
		t.Errorf("Expected inherited sample rate 48000, got %d", result.Capture.SampleRate)
	}
	// Selection model: an empty profile roster stays empty
	if len(result.Students) != 0 {
		t.Errorf("Expected no students, got %d", len(result.Students))
	}
}

func TestMergeConfigs_NilProfile(t *testing.T) {
	base := &Config{Summarizer: SummarizerConfig{Provider: "none"}}

	result := mergeConfigs(base, nil)

	if result.Summarizer.Provider != "none" {
		t.Errorf("Expected base provider, got %s", result.Summarizer.Provider)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Audio/Lessons", filepath.Join(homeDir, "Audio/Lessons")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%s) = %s, expected %s", test.input, result, test.expected)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{Capture: CaptureConfig{SampleRate: 44100}}
	applyDefaults(cfg)

	if cfg.Capture.SampleRate != 44100 {
		t.Errorf("Expected explicit sample rate to survive, got %d", cfg.Capture.SampleRate)
	}
	if cfg.Capture.FallbackMime != "audio/webm" {
		t.Errorf("Expected fallback 'audio/webm', got %s", cfg.Capture.FallbackMime)
	}
	if cfg.Capture.TickInterval != time.Second {
		t.Errorf("Expected one second tick, got %v", cfg.Capture.TickInterval)
	}
	if len(cfg.Capture.MimePreferences) != 5 || cfg.Capture.MimePreferences[0] != "audio/mp4" {
		t.Errorf("Unexpected default preferences: %v", cfg.Capture.MimePreferences)
	}
	if cfg.Summarizer.Model != "gemini-3-flash-preview" {
		t.Errorf("Expected default model, got %s", cfg.Summarizer.Model)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Server.Port)
	}

	// Defaults must not share the preference slice
	cfg.Capture.MimePreferences[0] = "audio/flac"
	if defaultConfig.Capture.MimePreferences[0] != "audio/mp4" {
		t.Error("applyDefaults leaked the default preference slice")
	}
}

func TestFindStudent(t *testing.T) {
	cfg := &Config{Students: []Student{
		{ID: "st-1", FullName: "Sarah Chen"},
		{ID: "st-3", FullName: "Maya Johnson"},
	}}

	student, ok := cfg.FindStudent("st-3")
	if !ok || student.FullName != "Maya Johnson" {
		t.Errorf("Expected Maya Johnson, got %+v (found=%v)", student, ok)
	}
	if _, ok := cfg.FindStudent("st-9"); ok {
		t.Error("Expected st-9 to be missing")
	}
}

func TestLoadWithProfile_GlobalsRecordingsDirectory(t *testing.T) {
	configContent := `
active_config: test
globals:
    studio_name: Rivera Music Studio
    teacher_name: Alex Rivera
    recordings_directory: /global/lessons
definitions:
    students:
        - id: st-1
          full_name: Sarah Chen
          instrument: Piano
          parent_email: mrs.chen@example.com
configs:
    test:
        students:
            - ref: st-1
        output:
            directory: /profile/lessons
`

	cfg, err := LoadWithProfile(createTempConfig(t, configContent), "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Output.Directory != "/global/lessons" {
		t.Errorf("Expected directory '/global/lessons' from globals, got '%s'", cfg.Output.Directory)
	}
	if cfg.Studio.StudioName != "Rivera Music Studio" {
		t.Errorf("Expected studio name from globals, got '%s'", cfg.Studio.StudioName)
	}
}

func TestLoadWithProfile_FallsBackToDefault(t *testing.T) {
	configContent := `
active_config: studio
definitions:
    students:
        - id: st-1
          full_name: Sarah Chen
          instrument: Piano
          parent_email: mrs.chen@example.com
        - id: st-2
          full_name: Leo Das
          instrument: Violin
configs:
    default:
        capture:
            source: alsa_input.default
            sample_rate: 44100
            stop_timeout: 3s
        summarizer:
            provider: none
        students:
            - ref: st-1
            - ref: st-2
    studio:
        capture:
            source: alsa_input.usb-mic
        students:
            - ref: st-2
              instrument: Viola
              parent_email: das.family@example.com
`

	cfg, err := LoadWithProfile(createTempConfig(t, configContent), "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Capture.Source != "alsa_input.usb-mic" {
		t.Errorf("Expected profile source, got %s", cfg.Capture.Source)
	}
	if cfg.Capture.SampleRate != 44100 {
		t.Errorf("Expected sample rate inherited from default, got %d", cfg.Capture.SampleRate)
	}
	if cfg.Capture.StopTimeout != 3*time.Second {
		t.Errorf("Expected stop timeout 3s, got %v", cfg.Capture.StopTimeout)
	}
	if cfg.Capture.TickInterval != time.Second {
		t.Errorf("Expected built-in tick interval, got %v", cfg.Capture.TickInterval)
	}
	if cfg.Summarizer.Provider != "none" {
		t.Errorf("Expected provider inherited from default, got %s", cfg.Summarizer.Provider)
	}

	if len(cfg.Students) != 1 {
		t.Fatalf("Expected 1 student, got %d", len(cfg.Students))
	}
	leo := cfg.Students[0]
	if leo.Instrument != "Viola" || leo.ParentEmail != "das.family@example.com" {
		t.Errorf("Expected overridden student, got %+v", leo)
	}
	if cfg.Inheritance.Students["st-2"] != "overridden" {
		t.Errorf("Expected st-2 inheritance 'overridden', got %s", cfg.Inheritance.Students["st-2"])
	}
}

func TestLoadWithProfile_APIKeyFromEnvironment(t *testing.T) {
	configContent := `
definitions:
    students: []
configs:
    default:
        summarizer:
            provider: gemini
`
	t.Setenv("LESSONCAPTURE_API_KEY", "")
	t.Setenv("API_KEY", "from-env")

	cfg, err := LoadWithProfile(createTempConfig(t, configContent), "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Summarizer.APIKey != "from-env" {
		t.Errorf("Expected API key from API_KEY, got %q", cfg.Summarizer.APIKey)
	}

	t.Setenv("LESSONCAPTURE_API_KEY", "preferred")
	cfg, err = LoadWithProfile(createTempConfig(t, configContent), "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Summarizer.APIKey != "preferred" {
		t.Errorf("Expected LESSONCAPTURE_API_KEY to win, got %q", cfg.Summarizer.APIKey)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configContent := `
definitions:
    students: []
configs:
    default:
        summarizer:
            provider: none
`
	_, err := LoadWithProfile(createTempConfig(t, configContent), "missing")
	if err == nil {
		t.Fatal("Expected error for unknown profile")
	}
	if !contains(err.Error(), "configuration profile 'missing' not found") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoadWithProfile_NoFile(t *testing.T) {
	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error when no config file is given")
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configContent := `
active_config: default
definitions:
    students: []
configs:
    default:
        summarizer:
            provider: none
    evening:
        capture:
            source: alsa_input.usb-mic
`
	configFile := createTempConfig(t, configContent)

	if err := UpdateActiveConfig(configFile, "evening"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}

	root, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Failed to re-read configuration: %v", err)
	}
	if root.ActiveConfig != "evening" {
		t.Errorf("Expected active_config 'evening', got '%s'", root.ActiveConfig)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 || containsSubstring(s, substr))
}

func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
