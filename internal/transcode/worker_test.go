package transcode

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vodworks/internal/media"
	"vodworks/internal/queue"
	"vodworks/internal/readiness"
)

type fakeEngine struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *fakeEngine) Transcode(ctx context.Context, sourcePath string, quality media.Quality, outputDir string) (Artifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failures > 0 {
		e.failures--
		return Artifact{}, &EncodeError{SourcePath: sourcePath, Quality: quality, Err: errors.New("encode blew up")}
	}
	return Artifact{
		OutputDir: outputDir,
		IndexPath: filepath.Join(outputDir, "index.m3u8"),
	}, nil
}

// journal records the order of store writes and queue settlements so tests
// can assert the write-before-ack discipline.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	j.events = append(j.events, event)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type journaledStore struct {
	readiness.Store
	journal *journal
	failOn  media.JobStatus
}

func (s *journaledStore) SetStatus(ctx context.Context, videoID string, quality media.Quality, record readiness.Record) error {
	if s.failOn != "" && record.Status == s.failOn {
		return errors.New("store unavailable")
	}
	s.journal.add(fmt.Sprintf("set:%s", record.Status))
	return s.Store.SetStatus(ctx, videoID, quality, record)
}

type countingObserver struct {
	mu        sync.Mutex
	started   int
	completed int
	retried   int
	failed    int
}

func (o *countingObserver) TranscodeStarted(quality string) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) TranscodeCompleted(quality string) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *countingObserver) TranscodeRetried(quality string) {
	o.mu.Lock()
	o.retried++
	o.mu.Unlock()
}

func (o *countingObserver) TranscodeFailed(quality string) {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

type fakeDelivery struct {
	task     queue.Task
	journal  *journal
	acked    bool
	requeued bool
}

func (d *fakeDelivery) Task() queue.Task {
	return d.task
}

func (d *fakeDelivery) Ack(ctx context.Context) error {
	d.acked = true
	if d.journal != nil {
		d.journal.add("ack")
	}
	return nil
}

func (d *fakeDelivery) Requeue(ctx context.Context) error {
	d.requeued = true
	if d.journal != nil {
		d.journal.add("requeue")
	}
	return nil
}

func newTestPool(store readiness.Store, engine Engine, bus readiness.Bus, retryLimit int, outputRoot string) *Pool {
	return NewPool(PoolConfig{
		Queue:      queue.NewMemoryQueue(16),
		Store:      store,
		Engine:     engine,
		Bus:        bus,
		OutputRoot: outputRoot,
		Workers:    1,
		RetryLimit: retryLimit,
	})
}

func TestProcessWritesReadinessBeforeAck(t *testing.T) {
	jrnl := &journal{}
	store := &journaledStore{Store: readiness.NewMemoryStore(), journal: jrnl}
	pool := newTestPool(store, &fakeEngine{}, nil, 2, t.TempDir())

	task := queue.NewTask("vid-1", media.Quality720p, "/tmp/src")
	delivery := &fakeDelivery{task: task, journal: jrnl}
	pool.process(context.Background(), delivery)

	if !delivery.acked {
		t.Fatal("expected successful task to be acked")
	}
	events := jrnl.snapshot()
	want := []string{"set:processing", "set:ready", "ack"}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, events)
		}
	}

	records, err := store.GetAll(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	record := records[media.Quality720p]
	if record.Status != media.JobReady {
		t.Fatalf("expected ready record, got %+v", record)
	}
	if record.OutputPath != filepath.Join(pool.outputRoot, "vid-1", "720p", "index.m3u8") {
		t.Fatalf("unexpected output path %q", record.OutputPath)
	}
}

func TestProcessLeavesTaskPendingWhenStoreWriteFails(t *testing.T) {
	store := &journaledStore{Store: readiness.NewMemoryStore(), journal: &journal{}, failOn: media.JobProcessing}
	pool := newTestPool(store, &fakeEngine{}, nil, 2, t.TempDir())

	delivery := &fakeDelivery{task: queue.NewTask("vid-1", media.Quality360p, "/tmp/src")}
	pool.process(context.Background(), delivery)

	// Without a confirmed store write the task must stay redeliverable.
	if delivery.acked || delivery.requeued {
		t.Fatalf("expected unsettled delivery, acked=%v requeued=%v", delivery.acked, delivery.requeued)
	}
}

// Every started observation must be paired with a completed, retried or
// failed one, even when the ready write fails after a successful encode.
// Otherwise the active-encodes gauge drifts upward forever.
func TestProcessSettlesObserverWhenReadyWriteFails(t *testing.T) {
	store := &journaledStore{Store: readiness.NewMemoryStore(), journal: &journal{}, failOn: media.JobReady}
	observer := &countingObserver{}
	pool := NewPool(PoolConfig{
		Queue:      queue.NewMemoryQueue(16),
		Store:      store,
		Engine:     &fakeEngine{},
		Observer:   observer,
		OutputRoot: t.TempDir(),
		Workers:    1,
		RetryLimit: 2,
	})

	delivery := &fakeDelivery{task: queue.NewTask("vid-1", media.Quality720p, "/tmp/src")}
	pool.process(context.Background(), delivery)

	if delivery.acked || delivery.requeued {
		t.Fatalf("expected unsettled delivery, acked=%v requeued=%v", delivery.acked, delivery.requeued)
	}
	observer.mu.Lock()
	defer observer.mu.Unlock()
	if observer.started != 1 {
		t.Fatalf("expected one started observation, got %d", observer.started)
	}
	if got := observer.completed + observer.retried + observer.failed; got != observer.started {
		t.Fatalf("expected started to balance, started=%d completed=%d retried=%d failed=%d",
			observer.started, observer.completed, observer.retried, observer.failed)
	}
	if observer.completed != 0 {
		t.Fatalf("job did not settle, completed must stay 0, got %d", observer.completed)
	}
}

func TestProcessRetriesUntilCeiling(t *testing.T) {
	store := readiness.NewMemoryStore()
	engine := &fakeEngine{failures: 10}
	bus := readiness.NewBus(8)
	events := bus.Subscribe()
	t.Cleanup(events.Close)

	pool := newTestPool(store, engine, bus, 2, t.TempDir())
	task := queue.NewTask("vid-retry", media.Quality480p, "/tmp/src")
	ctx := context.Background()

	// First two failures requeue with a growing attempt count.
	for attempt := 1; attempt <= 2; attempt++ {
		delivery := &fakeDelivery{task: task}
		pool.process(ctx, delivery)
		if !delivery.requeued || delivery.acked {
			t.Fatalf("attempt %d: expected requeue, acked=%v requeued=%v", attempt, delivery.acked, delivery.requeued)
		}
		records, err := store.GetAll(ctx, "vid-retry")
		if err != nil {
			t.Fatalf("get records: %v", err)
		}
		record := records[media.Quality480p]
		if record.Status != media.JobQueued || record.AttemptCount != attempt {
			t.Fatalf("attempt %d: unexpected record %+v", attempt, record)
		}
	}

	// The third failure exhausts the ceiling: terminal failure, acked.
	final := &fakeDelivery{task: task}
	pool.process(ctx, final)
	if !final.acked || final.requeued {
		t.Fatalf("expected exhausted task to be acked, acked=%v requeued=%v", final.acked, final.requeued)
	}
	records, err := store.GetAll(ctx, "vid-retry")
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	record := records[media.Quality480p]
	if record.Status != media.JobFailed {
		t.Fatalf("expected failed record, got %+v", record)
	}
	if record.AttemptCount != 3 {
		t.Fatalf("expected attempt count 3, got %d", record.AttemptCount)
	}

	select {
	case event := <-events.Events():
		if event.Status != media.JobFailed || event.VideoID != "vid-retry" {
			t.Fatalf("unexpected bus event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a failure event on the bus")
	}
}

func TestProcessShortCircuitsTerminalRedelivery(t *testing.T) {
	store := readiness.NewMemoryStore()
	ctx := context.Background()
	if err := store.SetStatus(ctx, "vid-done", media.Quality1080p, readiness.Record{
		Status:     media.JobReady,
		OutputPath: "/out/vid-done/1080p/index.m3u8",
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	engine := &fakeEngine{}
	pool := newTestPool(store, engine, nil, 2, t.TempDir())
	delivery := &fakeDelivery{task: queue.NewTask("vid-done", media.Quality1080p, "/tmp/src")}
	pool.process(ctx, delivery)

	if !delivery.acked {
		t.Fatal("expected redelivered terminal task to be acked")
	}
	if engine.calls != 0 {
		t.Fatalf("expected no encode for terminal task, engine ran %d times", engine.calls)
	}
}

type capturingPublisher struct {
	mu       sync.Mutex
	prefixes []string
}

func (p *capturingPublisher) PublishDirectory(ctx context.Context, localDir, keyPrefix string) error {
	p.mu.Lock()
	p.prefixes = append(p.prefixes, keyPrefix)
	p.mu.Unlock()
	return nil
}

func TestRunConsumesFullLadder(t *testing.T) {
	store := readiness.NewMemoryStore()
	taskQueue := queue.NewMemoryQueue(16)
	publisher := &capturingPublisher{}
	pool := NewPool(PoolConfig{
		Queue:      taskQueue,
		Store:      store,
		Engine:     &fakeEngine{},
		Publisher:  publisher,
		OutputRoot: t.TempDir(),
		Workers:    2,
		RetryLimit: 2,
	})

	tasks := make([]queue.Task, 0, 4)
	for _, quality := range media.SupportedQualities() {
		tasks = append(tasks, queue.NewTask("vid-run", quality, "/tmp/src"))
	}
	if err := taskQueue.PublishAll(context.Background(), tasks); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pool.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		records, err := store.GetAll(context.Background(), "vid-run")
		if err != nil {
			t.Fatalf("get records: %v", err)
		}
		if readiness.AllSettled(records) && readiness.AnyReady(records) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ladder never settled, records: %+v", records)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.prefixes) != 4 {
		t.Fatalf("expected 4 published renditions, got %v", publisher.prefixes)
	}
}
