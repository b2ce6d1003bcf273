package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/config"
	"github.com/rcourtman/pulse-sentinel/pkg/audit"
)

// setupDataDir points the configuration at a fresh data dir with a local
// provider so no API keys from the environment leak into the test.
func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SENTINEL_DATA_DIR", dir)
	t.Setenv("SENTINEL_PROVIDER", "ollama")
	t.Setenv("SENTINEL_MODEL", "")
	t.Setenv("SENTINEL_BASE_URL", "")
	t.Setenv("SENTINEL_ADMIN_IDS", "")
	t.Setenv("SENTINEL_METRICS_ADDR", "")
	t.Setenv("SENTINEL_LOG_FILE", "")
	return dir
}

func execute(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(in))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Sentinel 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Sentinel 1.2.3")
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestRunRequiresSlackTokens(t *testing.T) {
	setupDataDir(t)
	t.Setenv("SENTINEL_SLACK_BOT_TOKEN", "")
	t.Setenv("SENTINEL_SLACK_APP_TOKEN", "")

	_, err := execute(t, "", "run")
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "token")
}

func TestServersCommands(t *testing.T) {
	setupDataDir(t)

	out, err := execute(t, "", "servers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No servers registered.")

	out, err = execute(t, "", "servers", "add", "prod", "10.0.0.5", "root", "--port", "2222", "--key", "/keys/prod")
	require.NoError(t, err)
	assert.Contains(t, out, "Added prod (root@10.0.0.5:2222)")

	_, err = execute(t, "", "servers", "add", "prod", "10.0.0.6", "root")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "", "servers", "add", "bad alias", "10.0.0.6", "root")
	assert.Error(t, err)

	_, err = execute(t, "", "servers", "add", "db-1", "10.0.0.7", "admin")
	require.NoError(t, err)

	out, err = execute(t, "", "servers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ALIAS")
	assert.Contains(t, out, "10.0.0.5:2222")
	assert.Contains(t, out, "db-1")

	out, err = execute(t, "", "servers", "list", "db-*")
	require.NoError(t, err)
	assert.Contains(t, out, "db-1")
	assert.NotContains(t, out, "prod")

	out, err = execute(t, "", "servers", "remove", "prod")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed prod")

	_, err = execute(t, "", "servers", "remove", "prod")
	assert.Error(t, err)
}

func TestServersAddPasswordPrompt(t *testing.T) {
	setupDataDir(t)

	old := readPassword
	readPassword = func(int) ([]byte, error) { return []byte("hunter2"), nil }
	defer func() { readPassword = old }()

	out, err := execute(t, "", "servers", "add", "nas", "nas.lan", "admin", "--password")
	require.NoError(t, err)
	assert.Contains(t, out, "SSH password:")
	assert.NotContains(t, out, "hunter2")

	out, err = execute(t, "", "servers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "password")
	assert.NotContains(t, out, "hunter2")
}

func TestServersImport(t *testing.T) {
	dir := setupDataDir(t)

	_, err := execute(t, "", "servers", "add", "web", "10.0.0.2", "root")
	require.NoError(t, err)

	inventory := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(inventory, []byte(`servers:
  - alias: web
    host: 10.0.0.2
    user: root
  - alias: cache
    host: 10.0.0.3
    user: ops
    port: 2200
`), 0o600))

	out, err := execute(t, "", "servers", "import", inventory)
	require.NoError(t, err)
	assert.Contains(t, out, "Added: cache")
	assert.Contains(t, out, "Skipped (already registered): web")

	out, err = execute(t, "", "servers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.3:2200")
}

// seedSession writes a short session and its audit trail to the data dir.
func seedSession(t *testing.T) time.Time {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	a, err := openStores(cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	key := session.Key{ChatID: "C1", Server: "prod"}
	start := time.Now().Add(-time.Minute)
	turns := []session.Turn{
		{Role: session.RoleSystem, Text: "You are a Linux assistant.", At: start},
		{Role: session.RoleOperator, Text: "Investigate server prod. Goal: disk full", At: start.Add(time.Second)},
		{Role: session.RoleAssistant, Text: "Checking usage.\nRUN: df -h", At: start.Add(2 * time.Second)},
		{Role: session.RoleTool, Text: "Command Output (exit 0):\n/dev/sda1 40G 39G 1G 98% /", At: start.Add(5 * time.Second)},
		{Role: session.RoleAssistant, Text: "The root filesystem is nearly full.", At: start.Add(8 * time.Second)},
	}
	for _, turn := range turns {
		require.NoError(t, a.history.Append(ctx, "sess-1", key, turn))
	}
	require.NoError(t, a.history.Append(ctx, "sess-2", session.Key{ChatID: "C2"}, session.Turn{Role: session.RoleOperator, Text: "hello", At: start}))

	executed := audit.NewEvent(audit.EventCommandExecuted)
	executed.ChatID = "C1"
	executed.Server = "prod"
	executed.User = "U1"
	executed.Command = "df -h"
	executed.Success = true
	executed.Details = "exit=0"
	require.NoError(t, a.audit.Log(executed))

	other := audit.NewEvent(audit.EventServerAdded)
	other.ChatID = "C1"
	other.Server = "prod"
	require.NoError(t, a.audit.Log(other))
	return start
}

func TestHistoryCmd(t *testing.T) {
	setupDataDir(t)
	seedSession(t)

	out, err := execute(t, "", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "sess-2")

	out, err = execute(t, "", "history", "--chat", "C1")
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.NotContains(t, out, "sess-2")

	out, err = execute(t, "", "history", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "operator: Investigate server prod")
	assert.Contains(t, out, "RUN: df -h")
	assert.NotContains(t, out, "You are a Linux assistant.")

	out, err = execute(t, "", "history", "sess-1", "--system")
	require.NoError(t, err)
	assert.Contains(t, out, "You are a Linux assistant.")

	_, err = execute(t, "", "history", "missing")
	assert.Error(t, err)
}

func TestReportCmd(t *testing.T) {
	dir := setupDataDir(t)
	seedSession(t)

	pdfPath := filepath.Join(dir, "out.pdf")
	out, err := execute(t, "", "report", "sess-1", "--out", pdfPath)
	require.NoError(t, err)
	assert.Contains(t, out, "4 turns, 1 commands")
	data, err := os.ReadFile(pdfPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))

	csvPath := filepath.Join(dir, "out.csv")
	_, err = execute(t, "", "report", "sess-1", "-o", csvPath)
	require.NoError(t, err)
	data, err = os.ReadFile(csvPath)
	require.NoError(t, err)
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	var commands []string
	for _, row := range rows {
		if len(row) == 6 && row[1] == audit.EventCommandExecuted {
			commands = append(commands, row[3])
		}
	}
	assert.Equal(t, []string{"df -h"}, commands)
	assert.NotContains(t, string(data), audit.EventServerAdded)

	_, err = execute(t, "", "report", "sess-1", "--out", filepath.Join(dir, "out.docx"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = execute(t, "", "report", "missing", "--out", pdfPath)
	assert.Error(t, err)
}

func TestConsoleCmd(t *testing.T) {
	setupDataDir(t)

	out, err := execute(t, "/help\n/add web 10.0.0.9 root\n/servers\n/quit\n", "console")
	require.NoError(t, err)
	assert.Contains(t, out, "console. Type /help")
	assert.Contains(t, out, "Commands:")
	assert.Contains(t, out, "10.0.0.9")
}
