package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/replybot/internal/domain"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestLedgerLastSentAbsentUntilRecorded(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	_, ok := l.LastSent("alice")
	require.False(t, ok)

	l.RecordSend("alice", epoch)
	last, ok := l.LastSent("alice")
	require.True(t, ok)
	require.Equal(t, epoch, last)
}

func TestLedgerPruneAndCountDropsOldEntries(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	l.RecordSend("alice", epoch)
	l.RecordSend("alice", epoch.Add(30*time.Second))
	l.RecordSend("alice", epoch.Add(50*time.Second))

	count, pruned := l.PruneAndCount("alice", epoch.Add(40*time.Second))
	require.Equal(t, 3, count)
	require.Len(t, pruned, 3)

	count, pruned = l.PruneAndCount("alice", epoch.Add(61*time.Second))
	require.Equal(t, 2, count)
	assert.Equal(t, []time.Time{epoch.Add(30 * time.Second), epoch.Add(50 * time.Second)}, pruned)

	// An entry exactly one window old is outside the window.
	count, _ = l.PruneAndCount("alice", epoch.Add(90*time.Second))
	require.Equal(t, 1, count)

	// Pruning persists: lastSentAt is unaffected.
	last, ok := l.LastSent("alice")
	require.True(t, ok)
	require.Equal(t, epoch.Add(50*time.Second), last)
}

func TestLedgerPrunedListIsACopy(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	l.RecordSend("alice", epoch)

	_, pruned := l.PruneAndCount("alice", epoch)
	pruned[0] = epoch.Add(time.Hour)

	_, again := l.PruneAndCount("alice", epoch)
	require.Equal(t, epoch, again[0])
}

func TestLedgerRecipientsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	l.RecordSend("alice", epoch)

	count, _ := l.PruneAndCount("bob", epoch)
	require.Zero(t, count)
	_, ok := l.LastSent("bob")
	require.False(t, ok)
}

func TestLedgerConcurrentRecordSendLosesNothing(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	const workers, perWorker = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				l.RecordSend("alice", epoch.Add(time.Duration(w*perWorker+i)*time.Millisecond))
				l.PruneAndCount("alice", epoch)
			}
		}(w)
	}
	wg.Wait()

	count, _ := l.PruneAndCount("alice", epoch)
	require.Equal(t, workers*perWorker, count)
}

func TestLedgerEvictIdleRecipients(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	l.RecordSend("idle", epoch)
	l.RecordSend("active", epoch.Add(10*time.Minute))

	evicted := l.Evict(epoch.Add(5 * time.Minute))
	require.Equal(t, 1, evicted)
	require.Equal(t, 1, l.Len())

	_, ok := l.LastSent("idle")
	require.False(t, ok)
	_, ok = l.LastSent("active")
	require.True(t, ok)

	// Evicted recipients start over cleanly.
	l.RecordSend("idle", epoch.Add(11*time.Minute))
	count, _ := l.PruneAndCount("idle", epoch.Add(11*time.Minute))
	require.Equal(t, 1, count)
}

func TestLedgerEvictKeepsConcurrentWrites(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	const sends = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < sends; i++ {
			l.RecordSend(domain.Recipient("alice"), epoch.Add(time.Hour))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < sends; i++ {
			l.Evict(epoch)
		}
	}()
	wg.Wait()

	count, _ := l.PruneAndCount("alice", epoch.Add(time.Hour))
	require.Equal(t, sends, count)
}

func TestStartSweeperDisabledWithoutTTL(t *testing.T) {
	t.Parallel()

	done := StartSweeper(context.Background(), New(0), time.Millisecond, 0, nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected disabled sweeper to return immediately")
	}
}

func TestStartSweeperEvictsAndStops(t *testing.T) {
	t.Parallel()

	l := New(time.Minute)
	l.RecordSend("alice", time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := StartSweeper(ctx, l, 10*time.Millisecond, time.Minute, nil)

	require.Eventually(t, func() bool { return l.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
