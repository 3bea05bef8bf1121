package slots

import (
	"sync"

	"github.com/vinayprograms/dispatchkit/logging"
)

// DefaultCapacity is used when a non-positive capacity is given.
const DefaultCapacity = 5

// Grant is the outcome of TryAcquire.
type Grant int

const (
	// Granted means the task holds a slot and may start.
	Granted Grant = iota

	// Queued means the task is on the wait list.
	Queued
)

// String returns the string representation of the grant.
func (g Grant) String() string {
	if g == Granted {
		return "granted"
	}
	return "queued"
}

// CancelResult is the outcome of Cancel.
type CancelResult int

const (
	// CancelUnknown means the task neither held a slot nor waited.
	CancelUnknown CancelResult = iota

	// CancelQueued means the task was removed from the wait list.
	CancelQueued

	// CancelReleased means the task's slot was released.
	CancelReleased
)

// String returns the string representation of the result.
func (r CancelResult) String() string {
	switch r {
	case CancelQueued:
		return "queued"
	case CancelReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of slot usage.
type Stats struct {
	Capacity int
	Occupied int
	Waiting  int
}

// Option configures a Manager.
type Option func(*Manager)

// WithStarter sets the function that starts a promoted task.
func WithStarter(fn func(taskID string)) Option {
	return func(m *Manager) {
		m.starter = fn
	}
}

// WithPositionObserver sets the function told about wait list positions.
// It is called on enqueue and whenever a waiter's position changes.
func WithPositionObserver(fn func(taskID string, position int)) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// WithCancelHook sets the function that tears down a canceled running task.
func WithCancelHook(fn func(taskID string)) Option {
	return func(m *Manager) {
		m.cancelHook = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// Manager is the execution slot pool.
type Manager struct {
	// cbMu orders callbacks by the mutation that produced them.
	cbMu sync.Mutex

	mu       sync.Mutex
	capacity int
	occupied map[string]struct{}
	waiting  []string

	starter    func(string)
	observer   func(string, int)
	cancelHook func(string)
	logger     *logging.Logger
}

// position is a wait list position change to report.
type position struct {
	taskID string
	pos    int
}

// New creates a Manager with the given capacity.
func New(capacity int, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Manager{
		capacity: capacity,
		occupied: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.New().WithComponent("slots")
	}
	return m
}

// TryAcquire grants taskID a slot if one is free, otherwise appends it to
// the wait list and returns its 1-based position. Acquiring for a task
// that already holds a slot or already waits returns its current state.
func (m *Manager) TryAcquire(taskID string) (Grant, int) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	if _, ok := m.occupied[taskID]; ok {
		m.mu.Unlock()
		return Granted, 0
	}
	if pos := m.positionLocked(taskID); pos > 0 {
		m.mu.Unlock()
		return Queued, pos
	}
	if len(m.occupied) < m.capacity {
		m.occupied[taskID] = struct{}{}
		m.mu.Unlock()
		return Granted, 0
	}
	m.waiting = append(m.waiting, taskID)
	pos := len(m.waiting)
	m.mu.Unlock()

	m.logger.TaskQueued(taskID, pos)
	m.notify([]position{{taskID, pos}})
	return Queued, pos
}

// Release frees taskID's slot and promotes the head of the wait list.
// Returns the promoted task, if any, and whether taskID held a slot.
// Releasing a task that holds no slot is a no-op.
func (m *Manager) Release(taskID string) (promoted string, ok bool) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	if _, held := m.occupied[taskID]; !held {
		m.mu.Unlock()
		return "", false
	}
	promoted, moved := m.releaseLocked(taskID)
	m.mu.Unlock()

	m.promote(promoted, moved)
	return promoted, true
}

// Cancel removes taskID from the wait list, or releases its slot and runs
// the cancel hook if it holds one.
func (m *Manager) Cancel(taskID string) CancelResult {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	if idx := m.indexLocked(taskID); idx >= 0 {
		m.waiting = append(m.waiting[:idx], m.waiting[idx+1:]...)
		moved := m.positionsFromLocked(idx)
		m.mu.Unlock()

		m.notify(moved)
		return CancelQueued
	}
	if _, held := m.occupied[taskID]; !held {
		m.mu.Unlock()
		return CancelUnknown
	}
	promoted, moved := m.releaseLocked(taskID)
	m.mu.Unlock()

	if m.cancelHook != nil {
		m.cancelHook(taskID)
	}
	m.promote(promoted, moved)
	return CancelReleased
}

// Drain empties the wait list without promoting anyone and returns the
// removed tasks in FIFO order.
func (m *Manager) Drain() []string {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	drained := m.waiting
	m.waiting = nil
	return drained
}

// Stats returns a snapshot of slot usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Capacity: m.capacity,
		Occupied: len(m.occupied),
		Waiting:  len(m.waiting),
	}
}

// Capacity returns the number of slots.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Occupied returns the number of held slots.
func (m *Manager) Occupied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.occupied)
}

// Waiting returns the wait list length.
func (m *Manager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// Queue returns a copy of the wait list in FIFO order.
func (m *Manager) Queue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := make([]string, len(m.waiting))
	copy(q, m.waiting)
	return q
}

// Position returns taskID's 1-based wait list position, or 0.
func (m *Manager) Position(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked(taskID)
}

// Holds reports whether taskID holds a slot.
func (m *Manager) Holds(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.occupied[taskID]
	return ok
}

// releaseLocked frees taskID and moves the wait list head into the freed
// slot. Returns the promoted task and the waiters whose position changed.
func (m *Manager) releaseLocked(taskID string) (string, []position) {
	delete(m.occupied, taskID)
	if len(m.waiting) == 0 || len(m.occupied) >= m.capacity {
		return "", nil
	}
	head := m.waiting[0]
	m.waiting = m.waiting[1:]
	m.occupied[head] = struct{}{}
	return head, m.positionsFromLocked(0)
}

func (m *Manager) positionsFromLocked(idx int) []position {
	if idx >= len(m.waiting) {
		return nil
	}
	moved := make([]position, 0, len(m.waiting)-idx)
	for i := idx; i < len(m.waiting); i++ {
		moved = append(moved, position{m.waiting[i], i + 1})
	}
	return moved
}

func (m *Manager) indexLocked(taskID string) int {
	for i, id := range m.waiting {
		if id == taskID {
			return i
		}
	}
	return -1
}

func (m *Manager) positionLocked(taskID string) int {
	return m.indexLocked(taskID) + 1
}

func (m *Manager) promote(taskID string, moved []position) {
	if taskID != "" {
		m.logger.TaskPromoted(taskID)
		if m.starter != nil {
			m.starter(taskID)
		}
	}
	m.notify(moved)
}

func (m *Manager) notify(moved []position) {
	if m.observer == nil {
		return
	}
	for _, p := range moved {
		m.observer(p.taskID, p.pos)
	}
}
