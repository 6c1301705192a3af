package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
)

const benchYAML = `
version: 1.2.0
platform:
  id: bench-1
  model: sim
containers: [hw]
timeouts:
  heartbeat: 500ms
  heartbeat_timeout: 2s
components:
  camera:
    class: simulated-camera
    role: ccd
    container: hw
    init:
      exposure: 0.1
      width: 64
  stage:
    class: simulated-stage
    role: stage
    container: hw
    affects: [camera]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(benchYAML))
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "bench-1", cfg.Platform.ID)
	assert.Equal(t, DefaultRootContainer, cfg.RootContainer())
	assert.Equal(t, []string{"hw"}, cfg.ChildContainers())
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.Heartbeat)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.HeartbeatTimeout)
	// Untouched sections keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Request)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Components, 2)
	cam := cfg.Components["camera"]
	assert.Equal(t, "simulated-camera", cam.Class)
	assert.Equal(t, 0.1, cam.Init["exposure"])
	assert.Equal(t, 64, cam.Init["width"])
	assert.Equal(t, "hw", cfg.ContainerOf("camera"))
	assert.Equal(t, []string{"camera"}, cfg.Components["stage"].Affects)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		message string
	}{
		{
			name:    "missing platform id",
			yaml:    "components: {}\n",
			message: "Platform.ID",
		},
		{
			name:    "unknown field",
			yaml:    "platform: {id: x}\nspeed: 3\n",
			message: "speed",
		},
		{
			name:    "bad log level",
			yaml:    "platform: {id: x}\nlog: {level: loud}\n",
			message: "Log.Level",
		},
		{
			name:    "heartbeat timeout below period",
			yaml:    "platform: {id: x}\ntimeouts: {heartbeat: 2s, heartbeat_timeout: 1s}\n",
			message: "HeartbeatTimeout",
		},
		{
			name:    "component without role",
			yaml:    "platform: {id: x}\ncomponents:\n  cam: {class: simulated-camera}\n",
			message: "Role",
		},
		{
			name:    "undeclared container",
			yaml:    "platform: {id: x}\ncomponents:\n  cam: {class: c, role: r, container: hw}\n",
			message: "container \"hw\" is not declared",
		},
		{
			name:    "dotted component name",
			yaml:    "platform: {id: x}\ncomponents:\n  cam.1: {class: c, role: r}\n",
			message: "cam.1",
		},
		{
			name:    "undeclared child",
			yaml:    "platform: {id: x}\ncomponents:\n  scope: {class: c, role: r, children: {lens: lens}}\n",
			message: "child lens",
		},
		{
			name:    "undeclared affected component",
			yaml:    "platform: {id: x}\ncomponents:\n  stage: {class: c, role: r, affects: [camera]}\n",
			message: "affects undeclared component camera",
		},
		{
			name: "creator does not list the component",
			yaml: "platform: {id: x}\ncomponents:\n" +
				"  scope: {class: c, role: r}\n" +
				"  lens: {role: lens, creator: scope}\n",
			message: "does not list it as a child",
		},
		{
			name:    "bad version",
			yaml:    "version: one\nplatform: {id: x}\n",
			message: "Version",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestDelegatedComponent(t *testing.T) {
	cfg, err := Parse([]byte(`
platform: {id: x}
components:
  scope:
    class: simulated-stage
    role: scope
    children: {lens: lens}
  lens:
    role: lens
    creator: scope
`))
	require.NoError(t, err)
	assert.Equal(t, "scope", cfg.Components["lens"].Creator)
}

func TestLoaderLayers(t *testing.T) {
	base := writeFile(t, "base.yaml", benchYAML)
	site := writeFile(t, "site.yaml", `
log:
  level: debug
components:
  camera:
    class: simulated-camera
    role: ccd
    container: hw
    init: {exposure: 0.5}
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(site)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "bench-1", cfg.Platform.ID)
	// A component described again replaces the earlier description
	assert.Equal(t, map[string]any{"exposure": 0.5}, cfg.Components["camera"].Init)
	assert.Contains(t, cfg.Components, "stage")
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("SEMSCOPE_LOG_LEVEL", "WARN")
	t.Setenv("SEMSCOPE_NATS_URL", "nats://a:4222,nats://b:4222")
	t.Setenv("SEMSCOPE_PLATFORM_ID", "override")

	cfg, err := NewLoader().LoadFile(writeFile(t, "bench.yaml", benchYAML))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "override", cfg.Platform.ID)
}

func TestLoaderValidationToggle(t *testing.T) {
	path := writeFile(t, "partial.yaml", "log: {level: debug}\n")

	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)

	loader := NewLoader()
	loader.EnableValidation(false)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoaderRejectsPaths(t *testing.T) {
	_, err := NewLoader().LoadFile(writeFile(t, "bench.json", `{"platform": {"id": "x"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only YAML")

	_, err = NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = NewLoader().LoadFile("../outside.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")

	assert.NoError(t, checkPath("site/microscope.yml"))
}

func TestRejectsDeepNesting(t *testing.T) {
	doc := "platform: {id: x}\ncomponents:\n  cam:\n    class: c\n    role: r\n    init:\n      deep: " +
		strings.Repeat("[", maxYAMLDepth+1) + strings.Repeat("]", maxYAMLDepth+1) + "\n"
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting too deep")
}

func TestSaveAndReload(t *testing.T) {
	cfg, err := Parse([]byte(benchYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reloaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestSafeConfig(t *testing.T) {
	cfg, err := Parse([]byte(benchYAML))
	require.NoError(t, err)
	sc := NewSafeConfig(cfg)

	copied := sc.Get()
	copied.Platform.ID = "changed"
	delete(copied.Components, "camera")
	assert.Equal(t, "bench-1", sc.Get().Platform.ID)
	assert.Contains(t, sc.Get().Components, "camera")

	bad := sc.Get()
	bad.Platform.ID = ""
	require.Error(t, sc.Update(bad))
	assert.Equal(t, "bench-1", sc.Get().Platform.ID)

	next := sc.Get()
	next.Platform.ID = "changed"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "changed", sc.Get().Platform.ID)

	require.Error(t, sc.Update(nil))
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.2.0", "1.10.0", -1},
		{"v2.0.0", "1.9.9", 1},
		{"1.0.0-rc1", "1.0.0", 0},
	}
	for _, tt := range tests {
		got, err := CompareVersions(tt.a, tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.a, tt.b)
	}

	_, err := CompareVersions("", "1.0.0")
	require.Error(t, err)
	_, err = CompareVersions("1.0", "1.0.0")
	require.Error(t, err)
}
