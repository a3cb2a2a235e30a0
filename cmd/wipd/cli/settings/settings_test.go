package settings

import (
	"testing"
	"time"

	"github.com/wipd/wipd/cmd/wipd/cli/paths"
	"github.com/wipd/wipd/cmd/wipd/cli/testutil"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	t.Chdir(dir)
	paths.ClearRepoRootCache()
	t.Cleanup(paths.ClearRepoRootCache)

	settings, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !settings.Enabled {
		t.Error("Enabled should default to true")
	}
	if settings.SettleMs != DefaultSettleMs {
		t.Errorf("SettleMs = %d, want %d", settings.SettleMs, DefaultSettleMs)
	}
	if settings.Generator.Provider != DefaultProvider {
		t.Errorf("Generator.Provider = %q, want %q", settings.Generator.Provider, DefaultProvider)
	}
	if settings.SettleWindow() != time.Second {
		t.Errorf("SettleWindow = %v, want 1s", settings.SettleWindow())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	testutil.WriteFile(t, dir, SettingsFile, `{
		"enabled": false,
		"settle_ms": 2500,
		"ignore": ["*.tmp"],
		"log_level": "debug",
		"generator": {"provider": "ollama", "model": "llama3.2"}
	}`)
	t.Chdir(dir)
	paths.ClearRepoRootCache()
	t.Cleanup(paths.ClearRepoRootCache)

	settings, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if settings.Enabled {
		t.Error("Enabled should be false")
	}
	if settings.SettleMs != 2500 {
		t.Errorf("SettleMs = %d, want 2500", settings.SettleMs)
	}
	if len(settings.Ignore) != 1 || settings.Ignore[0] != "*.tmp" {
		t.Errorf("Ignore = %v, want [*.tmp]", settings.Ignore)
	}
	if settings.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", settings.LogLevel)
	}
	if settings.Generator.Provider != "ollama" {
		t.Errorf("Generator.Provider = %q, want ollama", settings.Generator.Provider)
	}
	if settings.Generator.Model != "llama3.2" {
		t.Errorf("Generator.Model = %q, want llama3.2", settings.Generator.Model)
	}
}

func TestLoadLocalOverrides(t *testing.T) {
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	testutil.WriteFile(t, dir, SettingsFile, `{
		"settle_ms": 2000,
		"ignore": ["*.tmp"],
		"generator": {"provider": "openai", "model": "gpt-4o-mini"}
	}`)
	testutil.WriteFile(t, dir, SettingsLocalFile, `{
		"settle_ms": 500,
		"ignore": ["node_modules/"],
		"generator": {"provider": "ollama"}
	}`)
	t.Chdir(dir)
	paths.ClearRepoRootCache()
	t.Cleanup(paths.ClearRepoRootCache)

	settings, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if settings.SettleMs != 500 {
		t.Errorf("SettleMs = %d, want 500 from local override", settings.SettleMs)
	}
	// Ignore patterns accumulate rather than replace.
	if len(settings.Ignore) != 2 || settings.Ignore[0] != "*.tmp" || settings.Ignore[1] != "node_modules/" {
		t.Errorf("Ignore = %v, want [*.tmp node_modules/]", settings.Ignore)
	}
	if settings.Generator.Provider != "ollama" {
		t.Errorf("Generator.Provider = %q, want ollama from local override", settings.Generator.Provider)
	}
	// Fields absent from the local file keep their base values.
	if settings.Generator.Model != "gpt-4o-mini" {
		t.Errorf("Generator.Model = %q, want gpt-4o-mini from base settings", settings.Generator.Model)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	testutil.WriteFile(t, dir, SettingsFile, "{not json")
	t.Chdir(dir)
	paths.ClearRepoRootCache()
	t.Cleanup(paths.ClearRepoRootCache)

	if _, err := Load(); err == nil {
		t.Error("Load should fail on malformed settings")
	}
}

func TestMergeJSONIgnoresUnknownFields(t *testing.T) {
	settings := &WipdSettings{Enabled: true, SettleMs: 1000}

	if err := mergeJSON(settings, []byte(`{"unknown": 42, "settle_ms": 750}`)); err != nil {
		t.Fatalf("mergeJSON failed: %v", err)
	}
	if settings.SettleMs != 750 {
		t.Errorf("SettleMs = %d, want 750", settings.SettleMs)
	}
}

func TestMergeJSONRejectsWrongTypes(t *testing.T) {
	settings := &WipdSettings{Enabled: true}

	if err := mergeJSON(settings, []byte(`{"settle_ms": "fast"}`)); err == nil {
		t.Error("mergeJSON should fail when settle_ms is not a number")
	}
}
