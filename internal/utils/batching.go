package utils

import (
	"log/slog"
	"sync"
)

const DEFAULT_BUFFER_CAPACITY = 100

// BatchBuffer accumulates items until they are drained with GetAndClear.
// When capacity is reached the oldest item is dropped to make room.
type BatchBuffer[T any] struct {
	buffer     []T
	capacity   int
	dropped    int
	bufferLock sync.Mutex
}

func NewBatchBuffer[T any](capacity int) *BatchBuffer[T] {
	if capacity <= 0 {
		capacity = DEFAULT_BUFFER_CAPACITY
	}
	return &BatchBuffer[T]{
		buffer:   make([]T, 0, min(capacity, 16)),
		capacity: capacity,
	}
}

// Add appends item and reports whether an older item was evicted.
func (b *BatchBuffer[T]) Add(item T) bool {
	b.bufferLock.Lock()
	defer b.bufferLock.Unlock()

	evicted := false
	if len(b.buffer) >= b.capacity {
		var zero T
		b.buffer[0] = zero
		b.buffer = b.buffer[1:]
		b.dropped++
		evicted = true
	}
	b.buffer = append(b.buffer, item)
	return evicted
}

func (b *BatchBuffer[T]) GetAndClear() []T {
	b.bufferLock.Lock()
	defer b.bufferLock.Unlock()

	if len(b.buffer) == 0 {
		return nil
	}

	batch := b.buffer
	b.buffer = make([]T, 0, min(b.capacity, 16))
	return batch
}

func (b *BatchBuffer[T]) Size() int {
	b.bufferLock.Lock()
	defer b.bufferLock.Unlock()
	return len(b.buffer)
}

func (b *BatchBuffer[T]) HasData() bool {
	b.bufferLock.Lock()
	defer b.bufferLock.Unlock()
	return len(b.buffer) > 0
}

func (b *BatchBuffer[T]) Peek() []T {
	b.bufferLock.Lock()
	defer b.bufferLock.Unlock()

	return append([]T(nil), b.buffer...)
}

// Dropped is the number of items evicted since creation.
func (b *BatchBuffer[T]) Dropped() int {
	b.bufferLock.Lock()
	defer b.bufferLock.Unlock()
	return b.dropped
}

func (b *BatchBuffer[T]) LogBatchProcessing(batchType string) {
	b.bufferLock.Lock()
	defer b.bufferLock.Unlock()

	slog.Debug("[BatchBuffer] Flushing buffered items",
		slog.String("type", batchType),
		slog.Int("batch_size", len(b.buffer)),
		slog.Int("dropped", b.dropped))
}
