package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/drblury/rflow/internal/runtime/config"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/jsoncodec"
	"github.com/drblury/rflow/internal/runtime/registry"
)

const graphTemplate = `
settings:
  rflow.application_name: clitest
  rflow.pid_directory_path: %[1]s
  rflow.ipc_directory_path: %[1]s
shards:
  - name: numbers
    kind: thread
    count: 1
    components:
      - name: generator
        specification: RFlow::Components::GenerateIntegerSequence
        options:
          start: 1
          finish: 3
  - name: writers
    kind: thread
    count: %[2]d
    components:
      - name: output
        specification: RFlow::Components::FileOutput
        options:
          output_file_path: %[1]s/out.txt
connections:
  - output: generator#out
    input: output#in
`

func writeGraph(t *testing.T, writers int) (dir, path string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rfc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path = filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(graphTemplate, dir, writers)), 0o644))
	return dir, path
}

func execute(ctx context.Context, args ...string) (string, string, error) {
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestValidatePrintsStrategies(t *testing.T) {
	_, path := writeGraph(t, 1)

	out, _, err := execute(context.Background(), "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CONNECTION")
	assert.Contains(t, out, "generator#out => output#in")
	assert.Contains(t, out, "one-to-one")
	assert.Contains(t, out, "numbers/1 -> writers/1")
}

func TestValidateJSONShowsBrokerAddresses(t *testing.T) {
	_, path := writeGraph(t, 2)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = bytes.Replace(raw, []byte("count: 1"), []byte("count: 2"), 1)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	out, _, err := execute(context.Background(), "validate", "--json", path)
	require.NoError(t, err)

	var plans []ConnectionPlan
	require.NoError(t, jsoncodec.Unmarshal([]byte(out), &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "many-to-many", plans[0].Strategy)
	assert.True(t, strings.HasSuffix(plans[0].BrokerIn, ".in"))
	assert.True(t, strings.HasSuffix(plans[0].BrokerOut, ".out"))
}

func TestValidateReportsBadGraphs(t *testing.T) {
	dir, path := writeGraph(t, 1)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = bytes.Replace(raw, []byte("output#in"), []byte("output#nope"), 1)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, stderr, err := execute(context.Background(), "validate", path)
	require.Error(t, err)
	assert.Contains(t, stderr, "invalid graph")

	_, _, err = execute(context.Background(), "validate", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidateUsesRegistryFromContext(t *testing.T) {
	_, path := writeGraph(t, 1)

	empty := registry.New()
	_, stderr, err := execute(registry.WithContext(context.Background(), empty), "validate", path)
	require.ErrorIs(t, err, errspkg.ErrUnknownComponentType)
	assert.Contains(t, stderr, "RFlow::Components::GenerateIntegerSequence")
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	_, path := writeGraph(t, 1)
	_, _, err := execute(context.Background(), "--log-format", "xml", "validate", path)
	require.ErrorContains(t, err, "invalid log format")
}

func TestChildRolesAreHidden(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"worker", "broker"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.True(t, cmd.Hidden, name)
	}
	for _, name := range []string{"start", "validate"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.False(t, cmd.Hidden, name)
	}
}

func TestStartRunsUntilCancelled(t *testing.T) {
	dir, path := writeGraph(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, _, err := execute(ctx, "start", path)
		errs <- err
	}()

	pidFile := filepath.Join(dir, "clitest.pid")
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	// FileOutput flushes on cleanup, so the lines appear after shutdown.
	time.Sleep(time.Second)
	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("start did not return after cancel")
	}

	out, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", string(out))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenLogsFormats(t *testing.T) {
	dir := t.TempDir()
	settings := &config.Config{LogFilePath: filepath.Join(dir, "rflow.log"), LogLevel: "debug"}

	logs, err := openLogs(settings, "json")
	require.NoError(t, err)
	require.NotNil(t, logs.Controller)
	logs.Logger.Info("hello", nil)
	require.NoError(t, logs.Close())
	raw, err := os.ReadFile(settings.LogFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"hello"`)

	logs, err = openLogs(settings, "zap")
	require.NoError(t, err)
	assert.Nil(t, logs.Controller)
	logs.Logger.Info("from zap", nil)
	require.NoError(t, logs.Close())

	logs, err = controllerLogs(settings, "zap")
	require.NoError(t, err)
	assert.NotNil(t, logs.Controller)
	require.NoError(t, logs.Close())

	_, err = openLogs(&config.Config{LogLevel: "loud"}, "zap")
	require.Error(t, err)
}

func TestZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, zapLevel(slog.LevelDebug))
	assert.Equal(t, zapcore.InfoLevel, zapLevel(slog.LevelInfo))
	assert.Equal(t, zapcore.WarnLevel, zapLevel(slog.LevelWarn))
	assert.Equal(t, zapcore.ErrorLevel, zapLevel(slog.LevelError))
}
