package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/executor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGate(t *testing.T) (*Gate, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	g := NewGate(Config{
		Timeout:         5 * time.Minute,
		BlockedPatterns: []string{"rm -rf /", "mkfs*"},
		Now:             clock.Now,
	})
	return g, clock
}

var prod = session.Key{ChatID: "C1", Server: "prod"}

func TestProposeSurfacesFirstAndQueuesRest(t *testing.T) {
	g, clock := newTestGate(t)

	p, err := g.Propose(prod, "resp-1", 2, []string{"df -h", "free -m", "uptime"})
	require.NoError(t, err)
	require.NotNil(t, p.Surfaced)
	assert.Equal(t, "df -h", p.Surfaced.Command)
	assert.Equal(t, StatePending, p.Surfaced.State)
	assert.Equal(t, clock.Now().Add(5*time.Minute), p.Surfaced.ExpiresAt)
	require.Len(t, p.Queued, 2)
	assert.Equal(t, "free -m", p.Queued[0].Command)
	assert.Equal(t, 2, g.QueueLen(prod))

	pending, ok := g.Pending(prod)
	require.True(t, ok)
	assert.Equal(t, p.Surfaced.ID, pending.ID)
}

func TestSinglePendingPerSession(t *testing.T) {
	g, _ := newTestGate(t)

	first, err := g.Propose(prod, "resp-1", 1, []string{"df -h", "free -m"})
	require.NoError(t, err)

	second, err := g.Propose(prod, "resp-2", 3, []string{"uptime"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinelerrors.ErrGateConflict))
	assert.Nil(t, second.Surfaced)
	require.Len(t, second.Declined, 1)
	assert.Equal(t, StateRejected, second.Declined[0].State)
	assert.Equal(t, ReasonConflict, second.Declined[0].Reason)

	stats := g.Stats()
	assert.Equal(t, 1, stats[StatePending])

	pending, _ := g.Pending(prod)
	assert.Equal(t, first.Surfaced.ID, pending.ID)

	// Other sessions are independent.
	other, err := g.Propose(session.Key{ChatID: "C1", Server: "db"}, "resp-3", 1, []string{"uptime"})
	require.NoError(t, err)
	require.NotNil(t, other.Surfaced)
	assert.Equal(t, 2, g.Stats()[StatePending])
}

func TestSameResponseQueuesBehindPending(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Propose(prod, "resp-1", 1, []string{"df -h"})
	require.NoError(t, err)

	p, err := g.Propose(prod, "resp-1", 1, []string{"free -m"})
	require.NoError(t, err)
	assert.Nil(t, p.Surfaced)
	require.Len(t, p.Queued, 1)
}

func TestApproveExecuteThenNext(t *testing.T) {
	g, _ := newTestGate(t)
	var seen []State
	g.SetObserver(func(pc ProposedCommand) { seen = append(seen, pc.State) })

	p, err := g.Propose(prod, "resp-1", 1, []string{"df -h", "free -m"})
	require.NoError(t, err)
	id := p.Surfaced.ID

	approved, err := g.Approve(id, "U1")
	require.NoError(t, err)
	assert.Equal(t, StateApproved, approved.State)
	assert.Equal(t, "U1", approved.DecidedBy)

	// Approved still holds the slot.
	_, ok := g.Next(prod)
	assert.False(t, ok)

	executed, err := g.MarkExecuted(id, executor.Result{ExitCode: 0, Stdout: "ok"})
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, executed.State)
	require.NotNil(t, executed.Result)
	assert.Equal(t, "ok", executed.Result.Stdout)

	next, ok := g.Next(prod)
	require.True(t, ok)
	assert.Equal(t, "free -m", next.Command)
	assert.Equal(t, StatePending, next.State)

	_, err = g.Reject(next.ID, "U1")
	require.NoError(t, err)
	_, ok = g.Next(prod)
	assert.False(t, ok)
	_, ok = g.Pending(prod)
	assert.False(t, ok)

	assert.Equal(t, []State{StateQueued, StateQueued, StatePending, StateApproved, StateExecuted, StatePending, StateRejected}, seen)
}

func TestDecisionsRequirePending(t *testing.T) {
	g, _ := newTestGate(t)
	p, err := g.Propose(prod, "resp-1", 1, []string{"df -h", "free -m"})
	require.NoError(t, err)

	_, err = g.Approve("missing", "U1")
	assert.True(t, errors.Is(err, sentinelerrors.ErrNotFound))

	_, err = g.Approve(p.Queued[0].ID, "U1")
	assert.True(t, errors.Is(err, sentinelerrors.ErrInvalidInput))

	_, err = g.MarkExecuted(p.Surfaced.ID, executor.Result{})
	assert.True(t, errors.Is(err, sentinelerrors.ErrInvalidInput))

	_, err = g.Reject(p.Surfaced.ID, "U1")
	require.NoError(t, err)
	_, err = g.Approve(p.Surfaced.ID, "U1")
	assert.True(t, errors.Is(err, sentinelerrors.ErrInvalidInput))
}

func TestBlockedCommandsAreDeclined(t *testing.T) {
	g, _ := newTestGate(t)
	p, err := g.Propose(prod, "resp-1", 1, []string{"mkfs.ext4 /dev/sdb", "df -h"})
	require.NoError(t, err)
	require.Len(t, p.Declined, 1)
	assert.Equal(t, ReasonBlocked, p.Declined[0].Reason)
	require.NotNil(t, p.Surfaced)
	assert.Equal(t, "df -h", p.Surfaced.Command)
}

func TestExpiryEndsQueue(t *testing.T) {
	g, clock := newTestGate(t)
	var expired []ProposedCommand
	g.OnExpire(func(pc ProposedCommand) { expired = append(expired, pc) })

	p, err := g.Propose(prod, "resp-1", 1, []string{"df -h", "free -m"})
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	assert.Empty(t, g.ExpireDue())

	clock.Advance(2 * time.Minute)
	got := g.ExpireDue()
	require.Len(t, got, 1)
	assert.Equal(t, p.Surfaced.ID, got[0].ID)
	assert.Equal(t, StateExpired, got[0].State)
	require.Len(t, expired, 1)

	queued, _ := g.Get(p.Queued[0].ID)
	assert.Equal(t, StateExpired, queued.State)
	_, ok := g.Pending(prod)
	assert.False(t, ok)
	_, ok = g.Next(prod)
	assert.False(t, ok)
}

func TestApproveAfterDeadlineExpires(t *testing.T) {
	g, clock := newTestGate(t)
	p, err := g.Propose(prod, "resp-1", 1, []string{"df -h"})
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	pc, err := g.Approve(p.Surfaced.ID, "U1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinelerrors.ErrTimeout))
	assert.Equal(t, StateExpired, pc.State)
}

func TestCancelRejectsEverything(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Propose(prod, "resp-1", 1, []string{"df -h", "free -m"})
	require.NoError(t, err)

	cancelled := g.Cancel(prod)
	require.Len(t, cancelled, 2)
	for _, pc := range cancelled {
		assert.Equal(t, StateRejected, pc.State)
		assert.Equal(t, ReasonReset, pc.Reason)
	}

	p, err := g.Propose(prod, "resp-2", 3, []string{"uptime"})
	require.NoError(t, err)
	assert.NotNil(t, p.Surfaced)
}

func TestPruneDropsOldTerminalCommands(t *testing.T) {
	g, clock := newTestGate(t)
	p, err := g.Propose(prod, "resp-1", 1, []string{"df -h"})
	require.NoError(t, err)
	_, err = g.Reject(p.Surfaced.ID, "U1")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, g.Prune(time.Hour))
	_, ok := g.Get(p.Surfaced.ID)
	assert.False(t, ok)
}

func TestStrictModePanicsOnSecondPending(t *testing.T) {
	g := NewGate(Config{Strict: true})
	g.slots[prod] = &slot{current: "existing", queue: []string{"queued"}}
	g.commands["queued"] = &ProposedCommand{ID: "queued", Key: prod, State: StateQueued}

	assert.Panics(t, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.surfaceLocked(prod, g.slots[prod], time.Now())
	})
}

func TestNonStrictRejectsNewerOnViolation(t *testing.T) {
	g := NewGate(Config{})
	g.slots[prod] = &slot{current: "existing", queue: []string{"queued"}}
	g.commands["queued"] = &ProposedCommand{ID: "queued", Key: prod, State: StateQueued}

	g.mu.Lock()
	pc := g.surfaceLocked(prod, g.slots[prod], time.Now())
	g.mu.Unlock()

	assert.Nil(t, pc)
	assert.Equal(t, StateRejected, g.commands["queued"].State)
}

func TestCleanupLoopStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := NewGate(Config{Timeout: time.Millisecond, CleanupInterval: time.Millisecond})
	expired := make(chan ProposedCommand, 1)
	g.OnExpire(func(pc ProposedCommand) { expired <- pc })

	ctx, cancel := context.WithCancel(context.Background())
	g.StartCleanup(ctx)

	_, err := g.Propose(prod, "resp-1", 1, []string{"df -h"})
	require.NoError(t, err)

	select {
	case pc := <-expired:
		assert.Equal(t, "df -h", pc.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command did not expire")
	}
	cancel()
	time.Sleep(10 * time.Millisecond)
}

func TestAssessRiskLevel(t *testing.T) {
	tests := []struct {
		command string
		want    RiskLevel
	}{
		{"df -h", RiskLow},
		{"journalctl -u nginx --since today", RiskLow},
		{"ps aux | grep nginx", RiskLow},
		{"systemctl restart nginx", RiskMedium},
		{"apt-get install htop", RiskMedium},
		{"rm /tmp/cache.lock", RiskMedium},
		{"rm -rf /var/cache/app ", RiskHigh},
		{"dd if=/dev/zero of=/dev/sda", RiskHigh},
		{"reboot", RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessRiskLevel(tt.command))
		})
	}
}

func TestSupersedeDropsQueuedCommands(t *testing.T) {
	g, _ := newTestGate(t)
	p, err := g.Propose(prod, "resp-1", 1, []string{"df -h", "du -sh /var"})
	require.NoError(t, err)
	_, err = g.Reject(p.Surfaced.ID, "U1")
	require.NoError(t, err)

	dropped := g.Supersede(prod)
	require.Len(t, dropped, 1)
	assert.Equal(t, "du -sh /var", dropped[0].Command)
	assert.Equal(t, ReasonReplaced, dropped[0].Reason)
	assert.Equal(t, 0, g.QueueLen(prod))
	_, ok := g.Next(prod)
	assert.False(t, ok)
}

func TestLateDecisionLeavesExpiryToCaller(t *testing.T) {
	g, clock := newTestGate(t)
	calls := 0
	g.OnExpire(func(ProposedCommand) { calls++ })

	p, err := g.Propose(prod, "resp-1", 1, []string{"df -h"})
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	pc, err := g.Reject(p.Surfaced.ID, "U1")
	require.Error(t, err)
	assert.Equal(t, StateExpired, pc.State)
	assert.Zero(t, calls)
}
