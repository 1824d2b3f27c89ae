package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

func waitForStatus(t *testing.T, p *Processor, taskID string, want types.AsyncTaskStatus) *types.AsyncTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := p.GetTask(taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := p.GetTask(taskID)
	t.Fatalf("task %s never reached %s, last status %s", taskID, want, task.Status)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	p := NewProcessor(2, logging.NewNoop())
	p.Start(context.Background())
	defer p.Stop()

	id, err := p.Submit("embed_document", types.PriorityMedium, map[string]interface{}{"file_id": "f1"}, func(context.Context) (interface{}, error) {
		return map[string]string{"status": "done"}, nil
	})
	require.NoError(t, err)

	task := waitForStatus(t, p, id, types.AsyncTaskCompleted)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)

	result, err := p.GetTaskResult(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "done"}, result)
}

func TestFailedTaskKeepsError(t *testing.T) {
	p := NewProcessor(1, logging.NewNoop())
	p.Start(context.Background())
	defer p.Stop()

	id, _ := p.Submit("ingest", types.PriorityLow, nil, func(context.Context) (interface{}, error) {
		return nil, fmt.Errorf("chunker exploded")
	})

	task := waitForStatus(t, p, id, types.AsyncTaskFailed)
	assert.Equal(t, "chunker exploded", task.Error)

	_, err := p.GetTaskResult(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestPriorityOrderWithinSingleWorker(t *testing.T) {
	p := NewProcessor(1, logging.NewNoop())

	var mu sync.Mutex
	var executed []string
	record := func(name string) TaskFunc {
		return func(context.Context) (interface{}, error) {
			mu.Lock()
			executed = append(executed, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// Queue before starting so ordering is fully determined by priority.
	lowID, _ := p.Submit("job", types.PriorityLow, nil, record("low"))
	highA, _ := p.Submit("job", types.PriorityHigh, nil, record("high-a"))
	critID, _ := p.Submit("job", types.PriorityCritical, nil, record("crit"))
	highB, _ := p.Submit("job", types.PriorityHigh, nil, record("high-b"))

	p.Start(context.Background())
	defer p.Stop()

	for _, id := range []string{lowID, highA, critID, highB} {
		waitForStatus(t, p, id, types.AsyncTaskCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	// Same-priority tasks keep submit order.
	assert.Equal(t, []string{"crit", "high-a", "high-b", "low"}, executed)
}

func TestCancelPendingTask(t *testing.T) {
	p := NewProcessor(1, logging.NewNoop())

	id, _ := p.Submit("job", types.PriorityMedium, nil, func(context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, p.CancelTask(id))

	task, err := p.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.AsyncTaskCancelled, task.Status)

	// Starting afterwards must not execute the cancelled task.
	p.Start(context.Background())
	defer p.Stop()
	time.Sleep(20 * time.Millisecond)
	task, _ = p.GetTask(id)
	assert.Equal(t, types.AsyncTaskCancelled, task.Status)
}

func TestCancelRunningTask(t *testing.T) {
	p := NewProcessor(1, logging.NewNoop())
	p.Start(context.Background())
	defer p.Stop()

	started := make(chan struct{})
	id, _ := p.Submit("job", types.PriorityMedium, nil, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	<-started
	require.NoError(t, p.CancelTask(id))
	task := waitForStatus(t, p, id, types.AsyncTaskCancelled)
	assert.True(t, task.Status.Terminal())

	require.Error(t, p.CancelTask(id))
}

func TestListTasksFilters(t *testing.T) {
	p := NewProcessor(2, logging.NewNoop())
	p.Start(context.Background())
	defer p.Stop()

	okID, _ := p.Submit("embed", types.PriorityMedium, nil, func(context.Context) (interface{}, error) { return nil, nil })
	failID, _ := p.Submit("review", types.PriorityMedium, nil, func(context.Context) (interface{}, error) { return nil, fmt.Errorf("nope") })

	waitForStatus(t, p, okID, types.AsyncTaskCompleted)
	waitForStatus(t, p, failID, types.AsyncTaskFailed)

	completed := p.ListTasks(types.AsyncTaskCompleted, "")
	require.Len(t, completed, 1)
	assert.Equal(t, okID, completed[0].TaskID)

	reviews := p.ListTasks("", "review")
	require.Len(t, reviews, 1)
	assert.Equal(t, failID, reviews[0].TaskID)

	assert.Len(t, p.ListTasks("", ""), 2)
}

func TestRetryFailedTask(t *testing.T) {
	p := NewProcessor(1, logging.NewNoop())
	p.Start(context.Background())
	defer p.Stop()

	id, _ := p.Submit("ingest", types.PriorityMedium, nil, func(context.Context) (interface{}, error) {
		return nil, fmt.Errorf("transient")
	})
	waitForStatus(t, p, id, types.AsyncTaskFailed)

	require.NoError(t, p.RetryTask(id, func(context.Context) (interface{}, error) {
		return "second time lucky", nil
	}))
	task := waitForStatus(t, p, id, types.AsyncTaskCompleted)
	assert.Equal(t, 1, task.RetryCount)

	result, err := p.GetTaskResult(id)
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", result)

	require.Error(t, p.RetryTask(id, nil))
}

func TestSubmitValidation(t *testing.T) {
	p := NewProcessor(1, logging.NewNoop())

	_, err := p.Submit("", types.PriorityMedium, nil, func(context.Context) (interface{}, error) { return nil, nil })
	assert.Error(t, err)

	_, err = p.Submit("job", types.PriorityMedium, nil, nil)
	assert.Error(t, err)
}
