package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandResult is the terminal outcome of an issued control command.
type CommandResult string

// Command outcomes.
const (
	// CommandSuccess means the device acknowledged within the deadline.
	CommandSuccess CommandResult = "success"

	// CommandFailure means the deadline elapsed, the command was
	// superseded, or the publish itself failed.
	CommandFailure CommandResult = "failure"
)

// Handle is the single-use future returned by IssueCommand. It
// resolves exactly once; a late acknowledgment arriving after the
// timeout has already resolved the handle is a no-op.
type Handle struct {
	// ID identifies the command for logging and tracing.
	ID string

	once   sync.Once
	result chan CommandResult
}

func newHandle() *Handle {
	return &Handle{
		ID:     uuid.NewString(),
		result: make(chan CommandResult, 1),
	}
}

// failedHandle returns an already-resolved failure handle, used when
// the publish fails before a pending entry is ever registered.
func failedHandle() *Handle {
	h := newHandle()
	h.resolve(CommandFailure)
	return h
}

// resolve delivers the result. The buffered channel and sync.Once
// together make resolution race-free: whichever of acknowledgment,
// timeout, or supersede runs first wins, and the rest are no-ops.
func (h *Handle) resolve(r CommandResult) {
	h.once.Do(func() {
		h.result <- r
	})
}

// Result returns the channel the outcome is delivered on.
func (h *Handle) Result() <-chan CommandResult {
	return h.result
}

// Wait blocks until the command resolves or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (CommandResult, error) {
	select {
	case r := <-h.result:
		return r, nil
	case <-ctx.Done():
		return CommandFailure, ctx.Err()
	}
}

// correlator tracks at most one outstanding command per device and
// resolves it on acknowledgment, timeout, or supersede.
type correlator struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// pendingCommand is one outstanding command: the caller's handle, the
// deadline timer, and the record patch to persist on acknowledgment.
type pendingCommand struct {
	handle *Handle
	timer  *time.Timer
	patch  map[string]any
}

func newCorrelator(timeout time.Duration) *correlator {
	return &correlator{
		timeout: timeout,
		pending: make(map[string]*pendingCommand),
	}
}

// track registers a command for deviceID and returns its handle. Any
// previously pending command for the same device is superseded, not
// queued: its handle resolves failure immediately.
func (c *correlator) track(deviceID string, patch map[string]any) *Handle {
	h := newHandle()

	c.mu.Lock()
	if prev, ok := c.pending[deviceID]; ok {
		prev.timer.Stop()
		prev.handle.resolve(CommandFailure)
	}
	p := &pendingCommand{handle: h, patch: patch}
	p.timer = time.AfterFunc(c.timeout, func() {
		c.expire(deviceID, p)
	})
	c.pending[deviceID] = p
	c.mu.Unlock()

	return h
}

// acknowledge resolves the pending command for deviceID with success
// and returns its patch. It reports false when nothing was pending,
// which is the normal case for unsolicited status messages.
func (c *correlator) acknowledge(deviceID string) (map[string]any, bool) {
	c.mu.Lock()
	p, ok := c.pending[deviceID]
	if ok {
		delete(c.pending, deviceID)
		p.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}
	p.handle.resolve(CommandSuccess)
	return p.patch, true
}

// expire resolves a timed-out command with failure. The identity
// check guards against the timer racing a supersede or acknowledgment
// that has already removed or replaced the entry.
func (c *correlator) expire(deviceID string, p *pendingCommand) {
	c.mu.Lock()
	if c.pending[deviceID] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, deviceID)
	c.mu.Unlock()

	p.handle.resolve(CommandFailure)
}

// pendingCount returns the number of outstanding commands.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
