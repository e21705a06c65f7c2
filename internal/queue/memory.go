package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process fake implementing all three queue interfaces,
// used by the Claim Manager, Work Pump, and Preemption Listener test suites
// so claiming, pumping, and preemption can be exercised without a live
// Redis server.
type Memory struct {
	mu         sync.Mutex
	pending    []memoryItem
	processing map[string]memoryItem
}

type memoryItem struct {
	receipt string
	claim   ClaimRequest
	work    WorkMessage
	interr  InterruptMessage
}

// NewMemoryQueue returns an empty queue usable as any of UnclaimedQueue,
// WorkQueue, or InterruptQueue depending on which Push* method the test
// uses to seed it.
func NewMemoryQueue() *Memory {
	return &Memory{processing: make(map[string]memoryItem)}
}

// PushClaim enqueues a claim request, returning the receipt it will be
// delivered with.
func (m *Memory) PushClaim(req ClaimRequest) string {
	return m.push(memoryItem{claim: req})
}

// PushWork enqueues a work message, returning the receipt it will be
// delivered with.
func (m *Memory) PushWork(msg WorkMessage) string {
	return m.push(memoryItem{work: msg})
}

// PushInterrupt enqueues an interrupt message.
func (m *Memory) PushInterrupt(msg InterruptMessage) string {
	return m.push(memoryItem{interr: msg})
}

func (m *Memory) push(item memoryItem) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt := uniqueReceipt()
	item.receipt = receipt
	m.pending = append(m.pending, item)
	return receipt
}

func uniqueReceipt() string {
	counterMu.Lock()
	defer counterMu.Unlock()
	counter++
	return "receipt-" + itoa(counter)
}

var (
	counterMu sync.Mutex
	counter   int
)

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Len reports the number of messages waiting to be polled — useful for
// asserting FIFO ordering in tests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ProcessingLen reports the number of polled-but-not-deleted messages, so
// tests can assert whether a terminal outcome deleted its message.
func (m *Memory) ProcessingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processing)
}

func (m *Memory) pop(ctx context.Context, timeout time.Duration) (memoryItem, bool) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.pending) > 0 {
			item := m.pending[0]
			m.pending = m.pending[1:]
			m.processing[item.receipt] = item
			m.mu.Unlock()
			return item, true
		}
		m.mu.Unlock()

		if ctx.Err() != nil || time.Now().After(deadline) {
			return memoryItem{}, false
		}
		select {
		case <-ctx.Done():
			return memoryItem{}, false
		case <-time.After(time.Millisecond):
		}
	}
}

// PollClaim, PollWork, and PollInterrupt back the Poll methods of the
// UnclaimedQueue, WorkQueue, and InterruptQueue views; each returns only
// the fields of the polled item that its queue role uses.

func (m *Memory) PollClaim(ctx context.Context, timeout time.Duration) (ClaimRequest, string, bool, error) {
	item, ok := m.pop(ctx, timeout)
	if !ok {
		return ClaimRequest{}, "", false, nil
	}
	return item.claim, item.receipt, true, nil
}

func (m *Memory) PollWork(ctx context.Context, timeout time.Duration) (WorkMessage, string, bool, error) {
	item, ok := m.pop(ctx, timeout)
	if !ok {
		return WorkMessage{}, "", false, nil
	}
	return item.work, item.receipt, true, nil
}

func (m *Memory) PollInterrupt(ctx context.Context, timeout time.Duration) (InterruptMessage, string, bool, error) {
	item, ok := m.pop(ctx, timeout)
	if !ok {
		return InterruptMessage{}, "", false, nil
	}
	return item.interr, item.receipt, true, nil
}

func (m *Memory) Delete(ctx context.Context, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, receipt)
	return nil
}

func (m *Memory) Return(ctx context.Context, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.processing[receipt]
	if !ok {
		return nil
	}
	delete(m.processing, receipt)
	m.pending = append(m.pending, item)
	return nil
}

func (m *Memory) ExtendVisibility(ctx context.Context, receipt string, ttl time.Duration) error {
	return nil
}

// AsUnclaimed, AsWork, and AsInterrupt adapt the shared Memory fake to the
// narrow interface each component expects.
func (m *Memory) AsUnclaimed() UnclaimedQueue { return memoryUnclaimed{m} }
func (m *Memory) AsWork() WorkQueue           { return memoryWork{m} }
func (m *Memory) AsInterrupt() InterruptQueue { return memoryInterrupt{m} }

type memoryUnclaimed struct{ *Memory }

func (a memoryUnclaimed) Poll(ctx context.Context, timeout time.Duration) (ClaimRequest, string, bool, error) {
	return a.PollClaim(ctx, timeout)
}

type memoryWork struct{ *Memory }

func (a memoryWork) Poll(ctx context.Context, timeout time.Duration) (WorkMessage, string, bool, error) {
	return a.PollWork(ctx, timeout)
}

type memoryInterrupt struct{ *Memory }

func (a memoryInterrupt) Poll(ctx context.Context, timeout time.Duration) (InterruptMessage, string, bool, error) {
	return a.PollInterrupt(ctx, timeout)
}
