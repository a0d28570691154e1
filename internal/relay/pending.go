package relay

import (
	"fmt"
	"sync"
	"time"
)

// PendingTable correlates outbound command ids with their eventual result.
// Every registered id is resolved exactly once: by a matching result, by its
// timeout, or by DrainAll. It never panics and never returns errors.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingCommand
	timeout time.Duration
}

type pendingCommand struct {
	id     string
	action string
	sentAt time.Time
	done   chan CommandResult
	timer  *time.Timer
}

// NewPendingTable returns a table whose entries expire after timeout.
func NewPendingTable(timeout time.Duration) *PendingTable {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &PendingTable{
		entries: make(map[string]*pendingCommand),
		timeout: timeout,
	}
}

// TimeoutMessage is the error text of an expired command.
func TimeoutMessage(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("Command timed out (%ds)", int(d/time.Second))
	}
	return fmt.Sprintf("Command timed out (%s)", d)
}

// Register stores id and arms its timeout. The returned channel receives
// exactly one result.
func (t *PendingTable) Register(id, action string) <-chan CommandResult {
	pc := &pendingCommand{
		id:     id,
		action: action,
		sentAt: time.Now(),
		done:   make(chan CommandResult, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ids are fresh per call; a collision still must not strand the older caller.
	if old, ok := t.entries[id]; ok {
		old.timer.Stop()
		old.done <- Failure("Command superseded")
	}

	t.entries[id] = pc
	pc.timer = time.AfterFunc(t.timeout, func() { t.expire(pc) })
	return pc.done
}

// Resolve delivers res to id's waiter. It reports whether id was pending;
// late or unknown results are dropped.
func (t *PendingTable) Resolve(id string, res CommandResult) bool {
	t.mu.Lock()
	pc, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		pc.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	pc.done <- res
	return true
}

// Cancel forgets id without delivering anything.
func (t *PendingTable) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	pc.timer.Stop()
	return true
}

// DrainAll fails every pending command with reason and returns how many
// there were.
func (t *PendingTable) DrainAll(reason string) int {
	t.mu.Lock()
	drained := t.entries
	t.entries = make(map[string]*pendingCommand)
	t.mu.Unlock()

	for _, pc := range drained {
		pc.timer.Stop()
		pc.done <- Failure(reason)
	}
	return len(drained)
}

// Len returns the number of outstanding commands.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Timeout returns the per-command timeout.
func (t *PendingTable) Timeout() time.Duration {
	return t.timeout
}

func (t *PendingTable) expire(pc *pendingCommand) {
	t.mu.Lock()
	current, ok := t.entries[pc.id]
	if !ok || current != pc {
		t.mu.Unlock()
		return
	}
	delete(t.entries, pc.id)
	t.mu.Unlock()

	pc.done <- Failure(TimeoutMessage(t.timeout))
}
