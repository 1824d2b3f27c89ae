// Package tasks runs prioritised background work on a bounded worker pool.
package tasks

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// TaskFunc is the unit of background work.
type TaskFunc func(ctx context.Context) (interface{}, error)

const defaultWorkers = 4

type queueItem struct {
	taskID string
	rank   int
	seq    uint64
	fn     TaskFunc
}

// taskQueue orders by priority rank, then submit order within a rank.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].rank != q[j].rank {
		return q[i].rank > q[j].rank
	}
	return q[i].seq < q[j].seq
}
func (q taskQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x interface{}) { *q = append(*q, x.(*queueItem)) }
func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Processor accepts tasks and executes them on a fixed pool of workers.
type Processor struct {
	workers int
	logger  logging.Logger

	mu      sync.Mutex
	tasks   map[string]*types.AsyncTask
	queue   taskQueue
	cancels map[string]context.CancelFunc
	seq     uint64
	started bool

	notify chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewProcessor creates a processor with a bounded worker count
func NewProcessor(workers int, logger logging.Logger) *Processor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		workers: workers,
		logger:  logger.WithComponent("task_processor"),
		tasks:   make(map[string]*types.AsyncTask),
		cancels: make(map[string]context.CancelFunc),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Start launches the worker pool
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop cancels running tasks and waits for the workers to drain
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}

// Submit enqueues a task and returns its id
func (p *Processor) Submit(taskType string, priority types.Priority, metadata map[string]interface{}, fn TaskFunc) (string, error) {
	if taskType == "" {
		return "", fmt.Errorf("task type cannot be empty")
	}
	if fn == nil {
		return "", fmt.Errorf("task function cannot be nil")
	}
	if !priority.Valid() {
		priority = types.PriorityMedium
	}

	task := &types.AsyncTask{
		TaskID:    uuid.New().String(),
		TaskType:  taskType,
		Status:    types.AsyncTaskPending,
		Priority:  priority,
		Metadata:  metadata,
		CreatedAt: p.now().UTC(),
	}

	p.mu.Lock()
	p.seq++
	p.tasks[task.TaskID] = task
	heap.Push(&p.queue, &queueItem{
		taskID: task.TaskID,
		rank:   priority.Rank(),
		seq:    p.seq,
		fn:     fn,
	})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return task.TaskID, nil
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		item := p.dequeue()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}
		p.run(ctx, item)

		// Wake another worker in case more items are queued.
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

// dequeue pops the highest-priority pending item, skipping cancelled tasks
func (p *Processor) dequeue() *queueItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() > 0 {
		item := heap.Pop(&p.queue).(*queueItem)
		task, ok := p.tasks[item.taskID]
		if !ok || task.Status != types.AsyncTaskPending {
			continue
		}
		return item
	}
	return nil
}

func (p *Processor) run(ctx context.Context, item *queueItem) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	task, ok := p.tasks[item.taskID]
	if !ok || task.Status != types.AsyncTaskPending {
		p.mu.Unlock()
		return
	}
	started := p.now().UTC()
	task.Status = types.AsyncTaskRunning
	task.StartedAt = &started
	p.cancels[item.taskID] = cancel
	p.mu.Unlock()

	result, err := item.fn(taskCtx)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancels, item.taskID)
	completed := p.now().UTC()
	task.CompletedAt = &completed

	switch {
	case taskCtx.Err() != nil && task.Status == types.AsyncTaskCancelled:
		// CancelTask already set the final state.
	case err != nil:
		task.Status = types.AsyncTaskFailed
		task.Error = err.Error()
		p.logger.Warn("task failed", "task_id", task.TaskID, "task_type", task.TaskType, "error", err.Error())
	default:
		task.Status = types.AsyncTaskCompleted
		task.Result = result
	}
}

// GetTask returns a snapshot of the task
func (p *Processor) GetTask(taskID string) (*types.AsyncTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	snapshot := *task
	return &snapshot, nil
}

// GetTaskResult returns the result; only valid once completed
func (p *Processor) GetTaskResult(taskID string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if task.Status != types.AsyncTaskCompleted {
		return nil, fmt.Errorf("task %s is %s, result unavailable", taskID, task.Status)
	}
	return task.Result, nil
}

// CancelTask cancels a pending or running task
func (p *Processor) CancelTask(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	switch task.Status {
	case types.AsyncTaskPending:
		task.Status = types.AsyncTaskCancelled
		completed := p.now().UTC()
		task.CompletedAt = &completed
		return nil
	case types.AsyncTaskRunning:
		task.Status = types.AsyncTaskCancelled
		if cancel, ok := p.cancels[taskID]; ok {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}
}

// ListTasks filters by status and task type; empty filters match all
func (p *Processor) ListTasks(status types.AsyncTaskStatus, taskType string) []*types.AsyncTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.AsyncTask, 0, len(p.tasks))
	for _, task := range p.tasks {
		if status != "" && task.Status != status {
			continue
		}
		if taskType != "" && task.TaskType != taskType {
			continue
		}
		snapshot := *task
		out = append(out, &snapshot)
	}
	return out
}

// RetryTask re-enqueues a failed task with a fresh function, bumping the
// retry counter
func (p *Processor) RetryTask(taskID string, fn TaskFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if task.Status != types.AsyncTaskFailed {
		return fmt.Errorf("task %s is %s, only failed tasks retry", taskID, task.Status)
	}

	task.Status = types.AsyncTaskPending
	task.RetryCount++
	task.Error = ""
	task.StartedAt = nil
	task.CompletedAt = nil

	p.seq++
	heap.Push(&p.queue, &queueItem{
		taskID: taskID,
		rank:   task.Priority.Rank(),
		seq:    p.seq,
		fn:     fn,
	})
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}
