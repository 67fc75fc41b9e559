package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/pkg/logging"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeNotifier) Notify(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return f.err
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func waitForMessages(t *testing.T, n *fakeNotifier, count int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.all()) >= count
	}, time.Second, 5*time.Millisecond)
	return n.all()
}

func TestPositionClosedFansOutToAllNotifiers(t *testing.T) {
	first := &fakeNotifier{}
	second := &fakeNotifier{}
	m := NewManager(logging.NewNop(), first, second)

	m.PositionClosed(&core.Position{
		Pair:        "BTCZAR",
		Side:        core.SideBuy,
		Quantity:    decimal.RequireFromString("0.001"),
		EntryPrice:  decimal.NewFromInt(1000000),
		RealizedPnL: decimal.NewFromInt(15),
	})

	msgs := waitForMessages(t, first, 1)
	assert.Contains(t, msgs[0], "BTCZAR")
	assert.Contains(t, msgs[0], "pnl 15")
	waitForMessages(t, second, 1)
}

func TestPositionFailedIncludesReason(t *testing.T) {
	n := &fakeNotifier{}
	m := NewManager(logging.NewNop(), n)

	m.PositionFailed(&core.Position{
		ID:         "pos-1",
		Pair:       "BTCZAR",
		FailReason: "entry order not found at exchange",
	})

	msgs := waitForMessages(t, n, 1)
	assert.Contains(t, msgs[0], "FAILED")
	assert.Contains(t, msgs[0], "entry order not found at exchange")
}

func TestFailingNotifierDoesNotBlockOthers(t *testing.T) {
	failing := &fakeNotifier{err: assert.AnError}
	working := &fakeNotifier{}
	m := NewManager(logging.NewNop(), failing, working)

	m.BotStarted(2, 1)

	msgs := waitForMessages(t, working, 1)
	assert.Contains(t, msgs[0], "2 open position(s)")
	assert.Contains(t, msgs[0], "1 repaired")
}

func TestManagerWithoutNotifiersIsNoOp(t *testing.T) {
	m := NewManager(logging.NewNop())
	m.BotStarted(0, 0)
	m.BotStopping()
}
