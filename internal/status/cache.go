// ABOUTME: Per-session resource status cache with live refresh
// ABOUTME: Monotonic request tokens discard out-of-order refresh completions

package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eshell/opsconsole/internal/session"
)

// Probe commands issued on the remote host.
const (
	cmdTop       = "LANG=C top -bn1 | head -n 10"
	cmdNetDev    = "cat /proc/net/dev"
	cmdProcesses = "ps -eo pid,pcpu,pmem,comm --sort=-pcpu | head -n 5"
	cmdDisks     = "df -hP"
)

// Snapshot is one point-in-time view of a session's host resources.
type Snapshot struct {
	SessionID                string             `json:"sessionId"`
	CPUPercent               float64            `json:"cpuPercent"`
	Memory                   Memory             `json:"memory"`
	NetworkInterfaces        []NetworkInterface `json:"networkInterfaces"`
	SelectedInterface        string             `json:"selectedInterface,omitempty"`
	SelectedInterfaceTraffic *NetworkInterface  `json:"selectedInterfaceTraffic,omitempty"`
	TopProcesses             []Process          `json:"topProcesses"`
	Disks                    []Disk             `json:"disks"`
	FetchedAt                time.Time          `json:"fetchedAt"`
}

// CommandRunner executes a command on a session. Satisfied by the session
// registry, which adds transparent reconnection.
type CommandRunner interface {
	Exec(ctx context.Context, sessionID, command string) (session.ExecResult, error)
}

type entry struct {
	snapshot     *Snapshot
	issuedToken  uint64
	appliedToken uint64
}

// Cache holds the last known snapshot per session and performs live fetches.
type Cache struct {
	runner CommandRunner
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache creates an empty status cache.
func NewCache(runner CommandRunner, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		runner:  runner,
		logger:  logger.With("component", "status-cache"),
		entries: make(map[string]*entry),
	}
}

// GetCached returns the last snapshot for sessionID, which may be stale.
func (c *Cache) GetCached(sessionID string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok || e.snapshot == nil {
		return nil, false
	}
	return e.snapshot, true
}

// Forget drops the cached state for a closed session.
func (c *Cache) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// Refresh performs a live fetch and updates the cache, unless a refresh
// started later already completed. The fetched snapshot is returned either
// way; stale completions just never overwrite newer cache state.
func (c *Cache) Refresh(ctx context.Context, sessionID, interfaceHint string) (*Snapshot, error) {
	c.mu.Lock()
	e, ok := c.entries[sessionID]
	if !ok {
		e = &entry{}
		c.entries[sessionID] = e
	}
	e.issuedToken++
	token := e.issuedToken
	c.mu.Unlock()

	snap, err := c.fetch(ctx, sessionID, interfaceHint)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if token > e.appliedToken {
		e.appliedToken = token
		e.snapshot = snap
	} else {
		c.logger.Debug("discarding out-of-order status refresh",
			"session_id", sessionID, "token", token, "applied_token", e.appliedToken)
	}
	c.mu.Unlock()

	return snap, nil
}

func (c *Cache) fetch(ctx context.Context, sessionID, interfaceHint string) (*Snapshot, error) {
	topOut, err := c.runner.Exec(ctx, sessionID, cmdTop)
	if err != nil {
		return nil, fmt.Errorf("probing cpu/memory: %w", err)
	}
	cpu, _ := parseCPUPercent(topOut.Stdout)
	memory, _ := parseMemory(topOut.Stdout)

	netOut, err := c.runner.Exec(ctx, sessionID, cmdNetDev)
	if err != nil {
		return nil, fmt.Errorf("probing network: %w", err)
	}
	interfaces := parseNetworkInterfaces(netOut.Stdout)
	selected := pickSelectedInterface(interfaces, interfaceHint)
	var selectedTraffic *NetworkInterface
	for i := range interfaces {
		if interfaces[i].Interface == selected {
			selectedTraffic = &interfaces[i]
			break
		}
	}

	procOut, err := c.runner.Exec(ctx, sessionID, cmdProcesses)
	if err != nil {
		return nil, fmt.Errorf("probing processes: %w", err)
	}

	diskOut, err := c.runner.Exec(ctx, sessionID, cmdDisks)
	if err != nil {
		return nil, fmt.Errorf("probing disks: %w", err)
	}

	return &Snapshot{
		SessionID:                sessionID,
		CPUPercent:               cpu,
		Memory:                   memory,
		NetworkInterfaces:        interfaces,
		SelectedInterface:        selected,
		SelectedInterfaceTraffic: selectedTraffic,
		TopProcesses:             parseTopProcesses(procOut.Stdout),
		Disks:                    parseDisks(diskOut.Stdout),
		FetchedAt:                time.Now(),
	}, nil
}

// pickSelectedInterface prefers the hinted interface when present, falling
// back to the first one reported.
func pickSelectedInterface(all []NetworkInterface, preferred string) string {
	if preferred != "" {
		for _, item := range all {
			if item.Interface == preferred {
				return preferred
			}
		}
	}
	if len(all) > 0 {
		return all[0].Interface
	}
	return ""
}
