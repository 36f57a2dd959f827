package engine

import "sync"

type workKind int

const (
	// workEvent carries an admitted event id through the pipeline.
	workEvent workKind = iota
	// workRedrive re-runs the scheduler for a run after a task requeue.
	workRedrive
)

type workItem struct {
	kind workKind
	id   string
}

// fifo is the in-process work queue. The draining flag is the re-entrancy
// guard: at most one drain loop runs per process.
type fifo struct {
	mu       sync.Mutex
	items    []workItem
	draining bool
	notify   chan struct{}
}

func newFifo() *fifo {
	return &fifo{notify: make(chan struct{}, 1)}
}

func (q *fifo) push(item workItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *fifo) pop() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return workItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifo) beginDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return false
	}
	q.draining = true
	return true
}

func (q *fifo) endDrain() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}
