package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/pkg/retry"
)

const microscopeYAML = `
version: 1.0.0
platform: {id: bench}
containers: [hw]
components:
  acquisition:
    class: simulated-stage
    role: acq
    children: {detector: camera}
  camera:
    class: simulated-camera
    role: ccd
    container: hw
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeMicroscope(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "microscope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "semscoped version "+Version)
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "-c", writeMicroscope(t, microscopeYAML))
	require.NoError(t, err)

	assert.Contains(t, out, "Configuration is valid: platform bench, 2 components")
	camera := bytes.Index([]byte(out), []byte("camera  "))
	acquisition := bytes.Index([]byte(out), []byte("acquisition"))
	require.Positive(t, camera)
	assert.Less(t, camera, acquisition, "children are listed before their parents")
	assert.Contains(t, out, "detector=camera")
}

func TestValidateCommandRejects(t *testing.T) {
	_, err := execute(t, "validate", "-c", writeMicroscope(t, `
platform: {id: bench}
components:
  laser: {class: laser-diode, role: light}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "laser (laser-diode)")

	_, err = execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no microscope file")
}

func TestGlobalFlagValidation(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	_, err = execute(t, "--log-format", "xml", "version")
	require.Error(t, err)
}

func TestContainerCommandNeedsName(t *testing.T) {
	_, err := execute(t, "container")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(&buf, "info", "json").Debug("hidden")
	setupLogger(&buf, "info", "json").Info("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	setupLogger(&buf, "debug", "text").Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestReadiness(t *testing.T) {
	assert.Equal(t, retry.Readiness(), readiness(0))
	assert.Equal(t, 40, readiness(30*time.Second).MaxAttempts)
}
