package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freqops/freqops/pkg/dispatch"
	"github.com/freqops/freqops/pkg/eventbus"
	"github.com/freqops/freqops/pkg/gate"
	"github.com/freqops/freqops/pkg/task"
)

// scriptBridge feeds pre-scripted delivery batches per stream to the
// worker and records acks.
type scriptBridge struct {
	mu      sync.Mutex
	batches map[string][][]eventbus.Delivery
	stale   []eventbus.Delivery
	acked   []string
}

func (b *scriptBridge) push(stream string, ds ...eventbus.Delivery) {
	b.mu.Lock()
	if b.batches == nil {
		b.batches = make(map[string][][]eventbus.Delivery)
	}
	b.batches[stream] = append(b.batches[stream], ds)
	b.mu.Unlock()
}

func (b *scriptBridge) EnsureGroup(context.Context, string, string, string) error { return nil }

func (b *scriptBridge) ClaimStale(context.Context, string, string, string, time.Duration, int64) ([]eventbus.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.stale
	b.stale = nil
	return out, nil
}

func (b *scriptBridge) Consume(ctx context.Context, stream, _, _ string, _ int64, _ time.Duration) ([]eventbus.Delivery, error) {
	b.mu.Lock()
	if pending := b.batches[stream]; len(pending) > 0 {
		batch := pending[0]
		b.batches[stream] = pending[1:]
		b.mu.Unlock()
		return batch, nil
	}
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (b *scriptBridge) Ack(_ context.Context, _, _, id string) error {
	b.mu.Lock()
	b.acked = append(b.acked, id)
	b.mu.Unlock()
	return nil
}

func (b *scriptBridge) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// recordingResults captures published results and signals each arrival.
type recordingResults struct {
	mu       sync.Mutex
	results  []eventbus.TaskResult
	types    []string
	statuses []eventbus.TaskResult
	arrived  chan eventbus.TaskResult
}

func newRecordingResults() *recordingResults {
	return &recordingResults{arrived: make(chan eventbus.TaskResult, 16)}
}

func (r *recordingResults) PublishResult(_ context.Context, msgType string, res eventbus.TaskResult) (string, error) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.types = append(r.types, msgType)
	r.mu.Unlock()
	r.arrived <- res
	return "1-0", nil
}

func (r *recordingResults) PublishStatus(_ context.Context, taskID, status string) (string, error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, eventbus.TaskResult{TaskID: taskID, Status: status})
	r.mu.Unlock()
	return "1-0", nil
}

func (r *recordingResults) waitResult(t *testing.T) eventbus.TaskResult {
	t.Helper()
	select {
	case res := <-r.arrived:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result published")
		return eventbus.TaskResult{}
	}
}

// okBackend completes instantly with a fixed result.
type okBackend struct{}

func (okBackend) Run(context.Context, task.Task) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

// holdBackend blocks until released or cancelled.
type holdBackend struct {
	started chan string
	release chan struct{}
}

func newHoldBackend() *holdBackend {
	return &holdBackend{started: make(chan string, 8), release: make(chan struct{})}
}

func (b *holdBackend) Run(ctx context.Context, t task.Task) (json.RawMessage, error) {
	b.started <- t.ID
	select {
	case <-b.release:
		return json.RawMessage(`{}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runDelivery(id, taskID, kind string) eventbus.Delivery {
	data, _ := json.Marshal(eventbus.TaskCommand{
		TaskID:  taskID,
		Kind:    kind,
		Payload: json.RawMessage(`{"strategy":"SampleStrategy"}`),
	})
	return eventbus.Delivery{ID: id, Message: eventbus.Message{
		Type:   eventbus.TypeRunTask,
		Source: "management",
		Data:   data,
	}}
}

func stopDelivery(id, taskID string) eventbus.Delivery {
	data, _ := json.Marshal(eventbus.TaskCommand{TaskID: taskID})
	return eventbus.Delivery{ID: id, Message: eventbus.Message{
		Type:   eventbus.TypeStopTask,
		Source: "management",
		Data:   data,
	}}
}

func startWorker(t *testing.T, bridge *scriptBridge, results *recordingResults, backend dispatch.Backend) (cancel func()) {
	t.Helper()
	w := New(Options{
		Bridge:   bridge,
		Results:  results,
		Store:    task.NewMemoryStore(),
		Gate:     gate.New(3),
		Backend:  backend,
		Consumer: "worker-test",
	})
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not shut down")
		}
	}
}

func TestWorker_RunTask_PublishesCompletedResult(t *testing.T) {
	bridge := &scriptBridge{}
	bridge.push(eventbus.StreamCommands, runDelivery("1-0", "mgmt-1", "backtest"))
	results := newRecordingResults()

	stop := startWorker(t, bridge, results, okBackend{})
	defer stop()

	res := results.waitResult(t)
	assert.Equal(t, "mgmt-1", res.TaskID)
	assert.Equal(t, "completed", res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))

	require.Eventually(t, func() bool {
		for _, id := range bridge.ackedIDs() {
			if id == "1-0" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	results.mu.Lock()
	defer results.mu.Unlock()
	assert.Equal(t, []string{eventbus.TypeTaskCompleted}, results.types)
}

func TestWorker_RunTask_DuplicateDeliveryRunsOnce(t *testing.T) {
	bridge := &scriptBridge{}
	bridge.push(eventbus.StreamCommands, runDelivery("1-0", "mgmt-1", "backtest"), runDelivery("2-0", "mgmt-1", "backtest"))
	results := newRecordingResults()

	stop := startWorker(t, bridge, results, okBackend{})
	defer stop()

	results.waitResult(t)

	// Both deliveries acked, exactly one result.
	require.Eventually(t, func() bool {
		return len(bridge.ackedIDs()) == 2
	}, time.Second, 5*time.Millisecond)

	select {
	case res := <-results.arrived:
		t.Fatalf("duplicate delivery produced second result: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorker_RejectedCommand_PublishesFailedResult(t *testing.T) {
	bridge := &scriptBridge{}
	bridge.push(eventbus.StreamCommands, runDelivery("1-0", "mgmt-1", "juggling"))
	results := newRecordingResults()

	stop := startWorker(t, bridge, results, okBackend{})
	defer stop()

	res := results.waitResult(t)
	assert.Equal(t, "mgmt-1", res.TaskID)
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, task.FailureExecution, res.ErrorCode)
	assert.Contains(t, res.ErrorMsg, "kind")
}

func TestWorker_StopTask_PublishesStoppedResult(t *testing.T) {
	bridge := &scriptBridge{}
	bridge.push(eventbus.StreamCommands, runDelivery("1-0", "mgmt-1", "backtest"))
	results := newRecordingResults()
	backend := newHoldBackend()

	stop := startWorker(t, bridge, results, backend)
	defer stop()

	select {
	case <-backend.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never started")
	}

	bridge.push(eventbus.StreamControl, stopDelivery("2-0", "mgmt-1"))

	res := results.waitResult(t)
	assert.Equal(t, "mgmt-1", res.TaskID)
	assert.Equal(t, "stopped", res.Status)
}

func TestWorker_StopTask_UnknownIDIsAcked(t *testing.T) {
	bridge := &scriptBridge{}
	bridge.push(eventbus.StreamControl, stopDelivery("1-0", "nobody"))
	results := newRecordingResults()

	stop := startWorker(t, bridge, results, okBackend{})
	defer stop()

	require.Eventually(t, func() bool {
		return len(bridge.ackedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_StopBroadcastReachesOwningWorker(t *testing.T) {
	// Two workers, each reading the control stream through its own group,
	// so the stop lands on both. Only the owner acts on it; the other
	// acks its copy without losing anything.
	bridgeA := &scriptBridge{}
	bridgeB := &scriptBridge{}
	bridgeA.push(eventbus.StreamCommands, runDelivery("1-0", "mgmt-1", "backtest"))
	resultsA := newRecordingResults()
	resultsB := newRecordingResults()
	backendA := newHoldBackend()

	stopA := startWorker(t, bridgeA, resultsA, backendA)
	defer stopA()
	stopB := startWorker(t, bridgeB, resultsB, okBackend{})
	defer stopB()

	select {
	case <-backendA.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never started")
	}

	bridgeA.push(eventbus.StreamControl, stopDelivery("5-0", "mgmt-1"))
	bridgeB.push(eventbus.StreamControl, stopDelivery("5-0", "mgmt-1"))

	res := resultsA.waitResult(t)
	assert.Equal(t, "mgmt-1", res.TaskID)
	assert.Equal(t, "stopped", res.Status)

	require.Eventually(t, func() bool {
		for _, id := range bridgeB.ackedIDs() {
			if id == "5-0" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	select {
	case got := <-resultsB.arrived:
		t.Fatalf("non-owning worker published a result: %+v", got)
	default:
	}
}

func TestWorker_EmergencyStopAll_StopsRunningTasks(t *testing.T) {
	bridge := &scriptBridge{}
	bridge.push(eventbus.StreamCommands, runDelivery("1-0", "mgmt-1", "backtest"))
	results := newRecordingResults()
	backend := newHoldBackend()

	stop := startWorker(t, bridge, results, backend)
	defer stop()

	select {
	case <-backend.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never started")
	}

	bridge.push(eventbus.StreamControl, eventbus.Delivery{ID: "2-0", Message: eventbus.Message{
		Type:   eventbus.TypeStopAll,
		Source: "management",
		Data:   json.RawMessage(`{}`),
	}})

	res := results.waitResult(t)
	assert.Equal(t, "mgmt-1", res.TaskID)
	assert.Equal(t, "stopped", res.Status)
}

func TestWorker_MalformedCommandIsAcked(t *testing.T) {
	bridge := &scriptBridge{}
	bridge.push(eventbus.StreamCommands, eventbus.Delivery{ID: "1-0", Message: eventbus.Message{
		Type:   eventbus.TypeRunTask,
		Source: "management",
		Data:   json.RawMessage(`not json`),
	}})
	results := newRecordingResults()

	stop := startWorker(t, bridge, results, okBackend{})
	defer stop()

	require.Eventually(t, func() bool {
		return len(bridge.ackedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_ClaimsStaleOnStartup(t *testing.T) {
	bridge := &scriptBridge{stale: []eventbus.Delivery{runDelivery("0-1", "mgmt-old", "backtest")}}
	results := newRecordingResults()

	stop := startWorker(t, bridge, results, okBackend{})
	defer stop()

	res := results.waitResult(t)
	assert.Equal(t, "mgmt-old", res.TaskID)
	assert.Equal(t, "completed", res.Status)
}
