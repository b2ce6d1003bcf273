package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rcourtman/pulse-sentinel/internal/storage"
)

func newTestLogger(t *testing.T, retention int) *SQLiteLogger {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := NewSQLiteLogger(SQLiteLoggerConfig{DB: db, RetentionDays: retention})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSQLiteLoggerLogAndQuery(t *testing.T) {
	l := newTestLogger(t, -1)

	exec := NewEvent(EventCommandExecuted)
	exec.ChatID = "C1"
	exec.Server = "prod"
	exec.Command = "df -h"
	exec.CommandID = "01HX"
	exec.Details = "exit 0"
	require.NoError(t, l.Log(exec))

	denied := NewEvent(EventCommandDecision)
	denied.ChatID = "C2"
	denied.Server = "db"
	denied.Success = false
	denied.Timestamp = exec.Timestamp.Add(time.Second)
	require.NoError(t, l.Log(denied))

	all, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, denied.ID, all[0].ID, "newest first")
	assert.False(t, all[0].Success)

	byServer, err := l.Query(QueryFilter{Server: "prod"})
	require.NoError(t, err)
	require.Len(t, byServer, 1)
	assert.Equal(t, "df -h", byServer[0].Command)
	assert.Equal(t, "01HX", byServer[0].CommandID)
	assert.True(t, byServer[0].Success)

	byType, err := l.Query(QueryFilter{EventType: EventCommandDecision, ChatID: "C2", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, byType, 1)
}

func TestSQLiteLoggerRetention(t *testing.T) {
	l := newTestLogger(t, -1)
	l.retentionDays = 30

	old := NewEvent(EventDirectExec)
	old.Timestamp = time.Now().AddDate(0, 0, -40)
	require.NoError(t, l.Log(old))
	require.NoError(t, l.Log(NewEvent(EventDirectExec)))

	l.cleanupOldEvents()

	events, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSQLiteLoggerCloseStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	db, err := storage.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()

	l, err := NewSQLiteLogger(SQLiteLoggerConfig{DB: db})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestNewSQLiteLoggerRequiresDB(t *testing.T) {
	_, err := NewSQLiteLogger(SQLiteLoggerConfig{})
	assert.Error(t, err)
}

func TestConsoleLogger(t *testing.T) {
	c := NewConsoleLogger()
	assert.NoError(t, c.Log(NewEvent(EventServerAdded)))
	events, err := c.Query(QueryFilter{})
	assert.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, c.Close())
}
