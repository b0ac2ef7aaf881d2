package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/graphroom/relay/internal/protocol"
	"github.com/graphroom/relay/internal/schedule"
)

// CommandBuffer coalesces a room's inbound commands and releases them in
// timestamp order. A batch reaching maxBatch flushes immediately; otherwise
// the first buffered command schedules a flush one interval later. The
// flush callback runs without the buffer lock held, so it may call back
// into the owning room.
type CommandBuffer struct {
	interval time.Duration
	maxBatch int
	onFlush  func([]protocol.Command)
	sink     schedule.ErrorSink

	mu       sync.Mutex
	commands []protocol.Command
	pending  *schedule.Task
	disposed bool
}

// NewCommandBuffer builds a buffer delivering to onFlush.
func NewCommandBuffer(interval time.Duration, maxBatch int, onFlush func([]protocol.Command), sink schedule.ErrorSink) *CommandBuffer {
	return &CommandBuffer{
		interval: interval,
		maxBatch: maxBatch,
		onFlush:  onFlush,
		sink:     sink,
	}
}

// Add appends one command, flushing immediately at the size threshold.
func (b *CommandBuffer) Add(cmd protocol.Command) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.commands = append(b.commands, cmd)
	if len(b.commands) >= b.maxBatch {
		batch := b.take()
		b.mu.Unlock()
		b.deliver(batch)
		return
	}
	if b.pending == nil {
		b.pending = schedule.Timeout("command_buffer_flush", b.interval, b.Flush, b.sink)
	}
	b.mu.Unlock()
}

// AddBatch appends a batch in order, observing the same flush thresholds.
func (b *CommandBuffer) AddBatch(cmds []protocol.Command) {
	for _, cmd := range cmds {
		b.Add(cmd)
	}
}

// Flush releases everything buffered so far. An empty buffer flushes to
// nothing.
func (b *CommandBuffer) Flush() {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	b.deliver(batch)
}

// Len reports how many commands are currently buffered.
func (b *CommandBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.commands)
}

// Dispose clears the buffer without flushing and cancels any pending
// flush. Later adds are dropped.
func (b *CommandBuffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
	b.commands = nil
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
}

// take snapshots and clears the buffer. Callers hold b.mu.
func (b *CommandBuffer) take() []protocol.Command {
	batch := b.commands
	b.commands = nil
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
	return batch
}

// deliver sorts the batch by ascending timestamp (ties keep input order)
// and hands it to the flush callback.
func (b *CommandBuffer) deliver(batch []protocol.Command) {
	if len(batch) == 0 {
		return
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp < batch[j].Timestamp
	})
	b.onFlush(batch)
}
