// Package settings provides configuration loading for wipd.
// Settings live in .wipd/settings.json with per-machine overrides in
// .wipd/settings.local.json (not committed).
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/wipd/wipd/cmd/wipd/cli/paths"
)

const (
	// SettingsFile is the path to the wipd settings file
	SettingsFile = ".wipd/settings.json"
	// SettingsLocalFile is the path to the local settings override file (not committed)
	SettingsLocalFile = ".wipd/settings.local.json"
)

// Defaults applied when a field is absent from both settings files.
const (
	DefaultSettleMs = 1000
	DefaultProvider = "openai"
)

// GeneratorSettings configures the text-generation service used for
// commit messages.
type GeneratorSettings struct {
	// Provider selects the generation backend: "openai", "ollama", or "none".
	Provider string `json:"provider,omitempty"`

	// Model is the provider-specific model name.
	Model string `json:"model,omitempty"`

	// TimeoutMs bounds a single generation call. Zero means the built-in
	// default.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// WipdSettings represents the .wipd/settings.json configuration
type WipdSettings struct {
	// Enabled indicates whether wipd is active. When false, the watch
	// command exits immediately. Defaults to true.
	Enabled bool `json:"enabled"`

	// SettleMs is the quiescence window in milliseconds: the working tree
	// must be quiet this long before a snapshot is taken.
	SettleMs int `json:"settle_ms,omitempty"`

	// Ignore lists extra ignore patterns (gitignore syntax) applied on top
	// of the repository's .gitignore files.
	Ignore []string `json:"ignore,omitempty"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	// Can be overridden by WIPD_LOG_LEVEL environment variable.
	// Defaults to "info".
	LogLevel string `json:"log_level,omitempty"`

	// Generator configures the commit message generation service.
	Generator GeneratorSettings `json:"generator,omitempty"`
}

// SettleWindow returns the settle window as a duration.
func (s *WipdSettings) SettleWindow() time.Duration {
	return time.Duration(s.SettleMs) * time.Millisecond
}

// Load loads the wipd settings from .wipd/settings.json,
// then applies any overrides from .wipd/settings.local.json if it exists.
// Returns default settings if neither file exists.
// Works correctly from any subdirectory within the repository.
func Load() (*WipdSettings, error) {
	settingsFileAbs, err := paths.AbsPath(SettingsFile)
	if err != nil {
		settingsFileAbs = SettingsFile // Fallback to relative
	}
	localSettingsFileAbs, err := paths.AbsPath(SettingsLocalFile)
	if err != nil {
		localSettingsFileAbs = SettingsLocalFile // Fallback to relative
	}

	// Load base settings
	settings, err := loadFromFile(settingsFileAbs)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	// Apply local overrides if they exist
	localData, err := os.ReadFile(localSettingsFileAbs) //nolint:gosec // path is from AbsPath or constant
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local settings file: %w", err)
		}
		// Local file doesn't exist, continue without overrides
	} else {
		if err := mergeJSON(settings, localData); err != nil {
			return nil, fmt.Errorf("merging local settings: %w", err)
		}
	}

	applyDefaults(settings)

	return settings, nil
}

// loadFromFile loads settings from a specific file path.
// Returns default settings if the file doesn't exist.
func loadFromFile(filePath string) (*WipdSettings, error) {
	settings := &WipdSettings{
		Enabled: true, // Default to enabled
	}

	data, err := os.ReadFile(filePath) //nolint:gosec // path is from caller
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(settings)
			return settings, nil
		}
		return nil, fmt.Errorf("%w", err)
	}

	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	applyDefaults(settings)

	return settings, nil
}

// mergeJSON merges JSON data into existing settings.
// Only fields present in the JSON override existing settings.
func mergeJSON(settings *WipdSettings, data []byte) error {
	// Parse into a map to check which fields are present
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}

	// Override enabled if present
	if enabledRaw, ok := raw["enabled"]; ok {
		var e bool
		if err := json.Unmarshal(enabledRaw, &e); err != nil {
			return fmt.Errorf("parsing enabled field: %w", err)
		}
		settings.Enabled = e
	}

	// Override settle_ms if present and positive
	if settleRaw, ok := raw["settle_ms"]; ok {
		var s int
		if err := json.Unmarshal(settleRaw, &s); err != nil {
			return fmt.Errorf("parsing settle_ms field: %w", err)
		}
		if s > 0 {
			settings.SettleMs = s
		}
	}

	// Append ignore patterns if present
	if ignoreRaw, ok := raw["ignore"]; ok {
		var patterns []string
		if err := json.Unmarshal(ignoreRaw, &patterns); err != nil {
			return fmt.Errorf("parsing ignore field: %w", err)
		}
		settings.Ignore = append(settings.Ignore, patterns...)
	}

	// Override log_level if present and non-empty
	if logLevelRaw, ok := raw["log_level"]; ok {
		var ll string
		if err := json.Unmarshal(logLevelRaw, &ll); err != nil {
			return fmt.Errorf("parsing log_level field: %w", err)
		}
		if ll != "" {
			settings.LogLevel = ll
		}
	}

	// Merge generator fields if present
	if genRaw, ok := raw["generator"]; ok {
		var gen GeneratorSettings
		if err := json.Unmarshal(genRaw, &gen); err != nil {
			return fmt.Errorf("parsing generator field: %w", err)
		}
		if gen.Provider != "" {
			settings.Generator.Provider = gen.Provider
		}
		if gen.Model != "" {
			settings.Generator.Model = gen.Model
		}
		if gen.TimeoutMs > 0 {
			settings.Generator.TimeoutMs = gen.TimeoutMs
		}
	}

	return nil
}

func applyDefaults(settings *WipdSettings) {
	if settings.SettleMs <= 0 {
		settings.SettleMs = DefaultSettleMs
	}
	if settings.Generator.Provider == "" {
		settings.Generator.Provider = DefaultProvider
	}
}
