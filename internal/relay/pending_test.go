package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan CommandResult) CommandResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return CommandResult{}
	}
}

func assertNoResult(t *testing.T, ch <-chan CommandResult) {
	t.Helper()
	select {
	case res := <-ch:
		t.Fatalf("unexpected second result: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeoutMessage(t *testing.T) {
	assert.Equal(t, "Command timed out (15s)", TimeoutMessage(15*time.Second))
	assert.Equal(t, "Command timed out (250ms)", TimeoutMessage(250*time.Millisecond))
}

func TestPendingResolveOnce(t *testing.T) {
	table := NewPendingTable(time.Minute)
	ch := table.Register("a", "get_tabs")
	require.Equal(t, 1, table.Len())

	assert.True(t, table.Resolve("a", CommandResult{Success: true, Output: "tabs"}))
	assert.False(t, table.Resolve("a", CommandResult{Success: true, Output: "again"}))

	res := receive(t, ch)
	assert.True(t, res.Success)
	assert.Equal(t, "tabs", res.Output)
	assertNoResult(t, ch)
	assert.Equal(t, 0, table.Len())
}

func TestPendingTimeoutThenLateResult(t *testing.T) {
	table := NewPendingTable(30 * time.Millisecond)
	ch := table.Register("slow", "navigate")

	res := receive(t, ch)
	assert.False(t, res.Success)
	assert.Equal(t, "Command timed out (30ms)", res.Error)
	assert.Equal(t, 0, table.Len())

	assert.False(t, table.Resolve("slow", CommandResult{Success: true}))
	assertNoResult(t, ch)
}

func TestPendingDrainAll(t *testing.T) {
	table := NewPendingTable(time.Minute)
	a := table.Register("a", "click")
	b := table.Register("b", "type")

	assert.Equal(t, 2, table.DrainAll(ReasonDisconnected))
	assert.Equal(t, 0, table.Len())

	for _, ch := range []<-chan CommandResult{a, b} {
		res := receive(t, ch)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonDisconnected, res.Error)
	}

	assert.Equal(t, 0, table.DrainAll(ReasonClosing))
	assert.False(t, table.Resolve("a", CommandResult{Success: true}))
}

func TestPendingOutOfOrder(t *testing.T) {
	table := NewPendingTable(time.Minute)
	first := table.Register("1", "get_content")
	second := table.Register("2", "get_tabs")

	table.Resolve("2", CommandResult{Success: true, Output: "two"})
	table.Resolve("1", CommandResult{Success: true, Output: "one"})

	assert.Equal(t, "one", receive(t, first).Output)
	assert.Equal(t, "two", receive(t, second).Output)
}

func TestPendingCancel(t *testing.T) {
	table := NewPendingTable(20 * time.Millisecond)
	ch := table.Register("x", "navigate")

	assert.True(t, table.Cancel("x"))
	assert.False(t, table.Cancel("x"))
	assertNoResult(t, ch)

	time.Sleep(40 * time.Millisecond)
	assertNoResult(t, ch)
}

func TestFrameCommandResult(t *testing.T) {
	f, ok := decodeFrame([]byte(`{"id":"1","success":false}`))
	require.True(t, ok)
	assert.Equal(t, Failure(ReasonCommandFailed), f.commandResult())

	f, ok = decodeFrame([]byte(`{"id":"1","success":false,"error":"Element not found: #go"}`))
	require.True(t, ok)
	assert.Equal(t, "Element not found: #go", f.commandResult().Error)

	f, ok = decodeFrame([]byte(`{"id":"1","success":false,"error":null}`))
	require.True(t, ok)
	assert.Equal(t, ReasonCommandFailed, f.commandResult().Error)

	f, ok = decodeFrame([]byte(`{"id":"1","success":false,"error":""}`))
	require.True(t, ok)
	assert.Equal(t, Failure(""), f.commandResult())

	f, ok = decodeFrame([]byte(`{"id":"1","success":true}`))
	require.True(t, ok)
	assert.Equal(t, CommandResult{Success: true}, f.commandResult())

	_, ok = decodeFrame([]byte(`not json`))
	assert.False(t, ok)
	_, ok = decodeFrame([]byte(`[1,2]`))
	assert.False(t, ok)
}
