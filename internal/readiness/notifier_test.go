package readiness

import (
	"context"
	"testing"
	"time"

	"vodworks/internal/media"
)

func newTestNotifier(store Store, bus Bus, maxWait time.Duration) *Notifier {
	return NewNotifier(NotifierConfig{
		Store:        store,
		Bus:          bus,
		PollInterval: 10 * time.Millisecond,
		MaxWait:      maxWait,
	})
}

func TestNotifierResolvesImmediatelyWhenAlreadyReady(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.SetStatus(ctx, "vid-1", media.Quality480p, Record{
		Status:     media.JobReady,
		OutputPath: "/out/vid-1/480p/index.m3u8",
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	notifier := newTestNotifier(store, NewBus(8), time.Second)
	select {
	case notification, ok := <-notifier.Await(ctx, "vid-1"):
		if !ok {
			t.Fatal("expected a notification before close")
		}
		if !notification.Ready || notification.Quality != media.Quality480p {
			t.Fatalf("unexpected notification %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatal("notifier did not resolve")
	}
}

func TestNotifierResolvesOnPushEvent(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus(8)
	notifier := newTestNotifier(store, bus, 5*time.Second)
	ctx := context.Background()

	ch := notifier.Await(ctx, "vid-2")

	// Mimic a worker: confirmed store write first, then the push.
	if err := store.SetStatus(ctx, "vid-2", media.Quality720p, Record{
		Status:     media.JobReady,
		OutputPath: "/out/vid-2/720p/index.m3u8",
	}); err != nil {
		t.Fatalf("store write: %v", err)
	}
	bus.Publish(StatusEvent{
		VideoID: "vid-2",
		Quality: media.Quality720p,
		Status:  media.JobReady,
	})

	select {
	case notification, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without notification")
		}
		if !notification.Ready || notification.Quality != media.Quality720p {
			t.Fatalf("unexpected notification %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatal("push event did not resolve the wait")
	}

	// Single-shot: the channel closes after its one notification.
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after delivery")
	}
}

func TestNotifierIgnoresOtherVideos(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus(8)
	notifier := newTestNotifier(store, bus, 150*time.Millisecond)
	ctx := context.Background()

	ch := notifier.Await(ctx, "vid-wanted")
	if err := store.SetStatus(ctx, "vid-other", media.Quality360p, Record{Status: media.JobReady}); err != nil {
		t.Fatalf("store write: %v", err)
	}
	bus.Publish(StatusEvent{VideoID: "vid-other", Quality: media.Quality360p, Status: media.JobReady})

	select {
	case notification, ok := <-ch:
		if ok {
			t.Fatalf("expected timeout close, got %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

// A video that never uploaded any rendition waits out the bound and the
// channel closes without a value.
func TestNotifierTimesOutOnUnknownVideo(t *testing.T) {
	notifier := newTestNotifier(NewMemoryStore(), NewBus(8), 50*time.Millisecond)

	start := time.Now()
	_, ok := <-notifier.Await(context.Background(), "never-uploaded")
	if ok {
		t.Fatal("expected close without notification")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned before the wait bound: %v", elapsed)
	}
}

func TestNotifierAllSettledPolicy(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus(8)
	notifier := newTestNotifier(store, bus, 5*time.Second)
	ctx := context.Background()

	for _, quality := range media.SupportedQualities() {
		if err := store.SetStatus(ctx, "vid-3", quality, Record{Status: media.JobQueued}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	ch := notifier.AwaitPolicy(ctx, "vid-3", WaitAllSettled, 0)

	// One ready quality is not enough for the all-of policy.
	if err := store.SetStatus(ctx, "vid-3", media.Quality360p, Record{Status: media.JobReady, OutputPath: "/out/360"}); err != nil {
		t.Fatalf("store write: %v", err)
	}
	bus.Publish(StatusEvent{VideoID: "vid-3", Quality: media.Quality360p, Status: media.JobReady})
	select {
	case notification := <-ch:
		t.Fatalf("resolved before the ladder settled: %+v", notification)
	case <-time.After(100 * time.Millisecond):
	}

	for _, quality := range []media.Quality{media.Quality480p, media.Quality720p} {
		if err := store.SetStatus(ctx, "vid-3", quality, Record{Status: media.JobReady, OutputPath: "/out/x"}); err != nil {
			t.Fatalf("store write: %v", err)
		}
	}
	if err := store.SetStatus(ctx, "vid-3", media.Quality1080p, Record{Status: media.JobFailed}); err != nil {
		t.Fatalf("store write: %v", err)
	}
	bus.Publish(StatusEvent{VideoID: "vid-3", Quality: media.Quality1080p, Status: media.JobFailed})

	select {
	case notification, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without notification")
		}
		if !notification.Ready {
			t.Fatalf("expected ready outcome, got %+v", notification)
		}
		if notification.Quality != media.Quality360p {
			t.Fatalf("expected first ready quality 360p, got %s", notification.Quality)
		}
	case <-time.After(time.Second):
		t.Fatal("all-settled wait did not resolve")
	}
}

func TestNotifierCancelledContextClosesChannel(t *testing.T) {
	notifier := newTestNotifier(NewMemoryStore(), NewBus(8), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	ch := notifier.Await(ctx, "vid-4")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected close without notification")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed after cancellation")
	}
}
