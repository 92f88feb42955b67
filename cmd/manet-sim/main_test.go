package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validateScenario = `
stopTime: 15
clusters:
  - name: ground
    size: 2
    block: 10.9.1.0/24
    mobility:
      kind: static
      positions:
        - {x: 0, y: 0}
        - {x: 10, y: 0}
flows:
  - kind: stream
    source: {cluster: ground, index: 0}
    destination: {cluster: ground, index: 1}
    rate: 250kbps
    start: 1
    stop: 14
`

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}

func TestShortStopTimeExitsWithDiagnostic(t *testing.T) {
	dir := t.TempDir()
	code, stdout, stderr := runCLI(t, "--stopTime=5", "--output-dir", dir, "--log-level", "error")

	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	diag := lastLine(stderr)
	assert.True(t, strings.HasPrefix(diag, "manet-sim: "), diag)
	assert.Contains(t, diag, "below the minimum")
	assert.Equal(t, 1, strings.Count(stderr, "manet-sim: "), "want one diagnostic line, got %q", stderr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "aborted run must not write trace outputs")
}

func TestStopTimeFromEnvironment(t *testing.T) {
	t.Setenv("MANET_STOPTIME", "7")
	code, _, stderr := runCLI(t, "--output-dir", t.TempDir(), "--log-level", "error")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "below the minimum")
}

func TestStreamRunWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	code, stdout, stderr := runCLI(t, "--stopTime=10", "--output-dir", dir, "--log-level", "error")

	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.True(t, strings.HasPrefix(lastLine(stdout), "Simulation complete: 3 clusters, 9 nodes, 2 flows"), stdout)
	for _, name := range []string{"clusterA.pcap", "clusterB.pcap", "clusterC.pcap", "manet-simulation.tr", "manet-animation.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}
}

func TestTraceTogglesAndSummary(t *testing.T) {
	dir := t.TempDir()
	code, stdout, stderr := runCLI(t,
		"--stopTime=10", "--output-dir", dir, "--log-level", "error",
		"--traffic", "request-response", "--pcap=false", "--animation=false", "--summary",
	)

	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "DESTINATION")
	assert.Contains(t, stdout, "echo-client")

	_, err := os.Stat(filepath.Join(dir, "clusterA.pcap"))
	assert.True(t, os.IsNotExist(err), "capture written with --pcap=false")
	_, err = os.Stat(filepath.Join(dir, "manet-animation.json"))
	assert.True(t, os.IsNotExist(err), "animation written with --animation=false")
	_, err = os.Stat(filepath.Join(dir, "manet-simulation.tr"))
	assert.NoError(t, err)
}

func TestCourseChangeFlagPrintsPositions(t *testing.T) {
	code, stdout, stderr := runCLI(t,
		"--stopTime=10", "--output-dir", t.TempDir(), "--log-level", "error",
		"--useCourseChangeCallback", "--pcap=false", "--animation=false",
	)

	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "CourseChange /clusters/clusterB/nodes/0 ")
	assert.Contains(t, stdout, "CourseChange /clusters/clusterC/nodes/0 ")
	assert.NotContains(t, stdout, "/clusters/clusterA/")
}

func TestUnknownTrafficIsRejected(t *testing.T) {
	code, _, stderr := runCLI(t, "--traffic", "multicast", "--output-dir", t.TempDir())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown flow kind")
}

func TestValidateScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validateScenario), 0o644))

	code, stdout, stderr := runCLI(t, "validate", path)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Equal(t, "Scenario is valid: 1 clusters, 2 nodes, 1 flows, stop time 15s", lastLine(stdout))

	code, _, stderr = runCLI(t, "validate", path, "--stopTime=8")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "validation failed")
	assert.Equal(t, 1, strings.Count(stderr, "\n"), "want one diagnostic line, got %q", stderr)
}

func TestConfigFileSuppliesFlags(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "manet.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("stopTime: 6\n"), 0o644))

	code, _, stderr := runCLI(t, "--config", cfg, "--output-dir", dir, "--log-level", "error")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "below the minimum")
}

func TestStdoutTracingWritesLifecycleSpans(t *testing.T) {
	code, _, stderr := runCLI(t,
		"--stopTime=10", "--output-dir", t.TempDir(), "--log-level", "error",
		"--pcap=false", "--animation=false", "--tracing-exporter=stdout",
	)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	for _, span := range []string{"scenario.validate", "scenario.build", "scenario.run"} {
		assert.Contains(t, stderr, span)
	}
}

func TestUnknownTracingExporterIsRejected(t *testing.T) {
	code, _, stderr := runCLI(t, "--tracing-exporter=zipkin", "--output-dir", t.TempDir())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unsupported tracing exporter")
}

func TestMetricsEndpointStopsWithRun(t *testing.T) {
	code, stdout, stderr := runCLI(t,
		"--stopTime=10", "--output-dir", t.TempDir(), "--log-level", "info",
		"--pcap=false", "--animation=false", "--metrics-addr", "127.0.0.1:0",
	)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stderr, "metrics endpoint listening")
	assert.True(t, strings.HasPrefix(lastLine(stdout), "Simulation complete:"), stdout)
}

func TestSeedFlagReplaysMotion(t *testing.T) {
	courseChanges := func(seed string) string {
		code, stdout, stderr := runCLI(t,
			"--stopTime=10", "--output-dir", t.TempDir(), "--log-level", "error",
			"--useCourseChangeCallback", "--pcap=false", "--animation=false", "--seed", seed,
		)
		require.Equal(t, 0, code, "stderr: %s", stderr)
		// The completion line carries the run id and wall time.
		return strings.TrimSuffix(strings.TrimRight(stdout, "\n"), lastLine(stdout))
	}

	first := courseChanges("42")
	require.Contains(t, first, "CourseChange ")
	assert.Equal(t, first, courseChanges("42"))
	assert.NotEqual(t, first, courseChanges("43"))
}
