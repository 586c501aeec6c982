// ABOUTME: Tests for the status cache refresh ordering and caching behavior
// ABOUTME: Verifies out-of-order refresh completions never clobber newer results

package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshell/opsconsole/internal/session"
)

const netDevFixture = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
eth0: 100 1 0 0 0 0 0 0 200 2 0 0 0 0 0 0
eth1: 300 3 0 0 0 0 0 0 400 4 0 0 0 0 0 0
`

// fakeRunner serves canned probe output and can stall the first top probe
// until released, to simulate a slow refresh finishing late.
type fakeRunner struct {
	mu           sync.Mutex
	topCalls     int
	stallFirst   bool
	firstStarted chan struct{}
	release      chan struct{}
	failAll      bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		firstStarted: make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (f *fakeRunner) Exec(_ context.Context, sessionID, command string) (session.ExecResult, error) {
	f.mu.Lock()
	if f.failAll {
		f.mu.Unlock()
		return session.ExecResult{}, assert.AnError
	}
	stall := false
	if command == cmdTop {
		f.topCalls++
		stall = f.stallFirst && f.topCalls == 1
	}
	f.mu.Unlock()

	if stall {
		close(f.firstStarted)
		<-f.release
	}

	out := session.ExecResult{SessionID: sessionID}
	switch command {
	case cmdTop:
		out.Stdout = "%Cpu(s):  3.0 us,  1.0 sy,  0.0 ni, 96.0 id\nMiB Mem :  8000.0 total,  1200.0 free,  3500.0 used\n"
	case cmdNetDev:
		out.Stdout = netDevFixture
	case cmdProcesses:
		out.Stdout = "PID %CPU %MEM COMMAND\n1 1.0 0.5 init\n"
	case cmdDisks:
		out.Stdout = "Filesystem Size Used Avail Use% Mounted on\n/dev/sda1 100G 25G 70G 27% /\n"
	}
	return out, nil
}

func TestCache_RefreshPopulatesCache(t *testing.T) {
	runner := newFakeRunner()
	c := NewCache(runner, nil)

	_, ok := c.GetCached("s-1")
	assert.False(t, ok)

	snap, err := c.Refresh(t.Context(), "s-1", "eth1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap.CPUPercent)
	assert.Equal(t, "eth1", snap.SelectedInterface)
	require.NotNil(t, snap.SelectedInterfaceTraffic)
	assert.Equal(t, uint64(400), snap.SelectedInterfaceTraffic.TxBytes)

	cached, ok := c.GetCached("s-1")
	require.True(t, ok)
	assert.Equal(t, snap, cached)
}

func TestCache_OutOfOrderCompletionDiscarded(t *testing.T) {
	runner := newFakeRunner()
	runner.stallFirst = true
	c := NewCache(runner, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), "s-1", "eth0")
		done <- err
	}()

	// Wait until the first refresh holds its token and is mid-fetch.
	select {
	case <-runner.firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first refresh never started")
	}

	_, err := c.Refresh(t.Context(), "s-1", "eth1")
	require.NoError(t, err)

	close(runner.release)
	require.NoError(t, <-done)

	cached, ok := c.GetCached("s-1")
	require.True(t, ok)
	assert.Equal(t, "eth1", cached.SelectedInterface, "stale eth0 completion must not overwrite eth1")
}

func TestCache_RefreshFailureLeavesCacheUntouched(t *testing.T) {
	runner := newFakeRunner()
	c := NewCache(runner, nil)

	_, err := c.Refresh(t.Context(), "s-1", "")
	require.NoError(t, err)

	runner.mu.Lock()
	runner.failAll = true
	runner.mu.Unlock()

	_, err = c.Refresh(t.Context(), "s-1", "")
	assert.Error(t, err)

	cached, ok := c.GetCached("s-1")
	require.True(t, ok)
	assert.Equal(t, "eth0", cached.SelectedInterface)
}

func TestCache_Forget(t *testing.T) {
	runner := newFakeRunner()
	c := NewCache(runner, nil)

	_, err := c.Refresh(t.Context(), "s-1", "")
	require.NoError(t, err)

	c.Forget("s-1")
	_, ok := c.GetCached("s-1")
	assert.False(t, ok)
}
