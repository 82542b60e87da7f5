package readiness

import (
	"context"
	"log/slog"
	"time"

	"vodworks/internal/media"
)

// WaitPolicy selects when a subscription resolves.
type WaitPolicy string

const (
	// WaitAnyReady resolves as soon as one quality finishes, before the
	// rest of the ladder settles. Progressive availability is deliberate:
	// a video is watchable the moment any rendition is playable.
	WaitAnyReady WaitPolicy = "any"
	// WaitAllSettled resolves once every quality reached a terminal
	// state, reporting whether any rendition is playable.
	WaitAllSettled WaitPolicy = "all"
)

// Notification is the single terminal event of a subscription.
type Notification struct {
	Ready   bool          `json:"ready"`
	Quality media.Quality `json:"quality,omitempty"`
}

// NotifierConfig wires the notifier to its store and push channel.
type NotifierConfig struct {
	Store        Store
	Bus          Bus
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       *slog.Logger
}

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxWait      = 10 * time.Minute
)

// Notifier resolves subscriptions the first time a video satisfies the wait
// policy. Push events from workers drive the fast path; a slower poll of the
// store covers dropped events. Every subscription is single-shot: the channel
// delivers at most one notification and then closes, or closes without a
// value when the wait times out or the caller's context ends.
type Notifier struct {
	store        Store
	bus          Bus
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
}

// NewNotifier validates the configuration and applies defaults.
func NewNotifier(cfg NotifierConfig) *Notifier {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:        cfg.Store,
		bus:          cfg.Bus,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		logger:       logger,
	}
}

// MaxWait exposes the configured upper bound so callers can cap their own
// deadlines against it.
func (n *Notifier) MaxWait() time.Duration {
	return n.maxWait
}

// Await subscribes with the any-of policy and the configured maximum wait.
func (n *Notifier) Await(ctx context.Context, videoID string) <-chan Notification {
	return n.AwaitPolicy(ctx, videoID, WaitAnyReady, n.maxWait)
}

// AwaitPolicy subscribes for one video with an explicit policy and wait
// bound. The bound is clamped to the notifier's configured maximum.
func (n *Notifier) AwaitPolicy(ctx context.Context, videoID string, policy WaitPolicy, maxWait time.Duration) <-chan Notification {
	if maxWait <= 0 || maxWait > n.maxWait {
		maxWait = n.maxWait
	}
	ch := make(chan Notification, 1)
	go n.wait(ctx, videoID, policy, maxWait, ch)
	return ch
}

func (n *Notifier) wait(ctx context.Context, videoID string, policy WaitPolicy, maxWait time.Duration, ch chan<- Notification) {
	defer close(ch)

	var events <-chan StatusEvent
	if n.bus != nil {
		sub := n.bus.Subscribe()
		defer sub.Close()
		events = sub.Events()
	}

	// Check the store before waiting: the terminal write may predate the
	// subscription, and the bus only carries events from now on.
	if notification, done := n.check(ctx, videoID, policy); done {
		ch <- notification
		return
	}

	timeout := time.NewTimer(maxWait)
	defer timeout.Stop()
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.VideoID != videoID {
				continue
			}
			if policy == WaitAnyReady && event.Status == media.JobReady {
				ch <- Notification{Ready: true, Quality: event.Quality}
				return
			}
			// All-of needs the full mapping, so any terminal event
			// triggers a store read.
			if event.Status.Terminal() {
				if notification, done := n.check(ctx, videoID, policy); done {
					ch <- notification
					return
				}
			}
		case <-ticker.C:
			if notification, done := n.check(ctx, videoID, policy); done {
				ch <- notification
				return
			}
		}
	}
}

func (n *Notifier) check(ctx context.Context, videoID string, policy WaitPolicy) (Notification, bool) {
	records, err := n.store.GetAll(ctx, videoID)
	if err != nil {
		n.logger.Warn("readiness poll failed", "video_id", videoID, "error", err)
		return Notification{}, false
	}
	switch policy {
	case WaitAllSettled:
		if AllSettled(records) {
			return Notification{Ready: AnyReady(records), Quality: firstReady(records)}, true
		}
	default:
		if AnyReady(records) {
			return Notification{Ready: true, Quality: firstReady(records)}, true
		}
	}
	return Notification{}, false
}

func firstReady(records map[media.Quality]Record) media.Quality {
	for _, quality := range media.SupportedQualities() {
		if record, ok := records[quality]; ok && record.Status == media.JobReady {
			return quality
		}
	}
	return ""
}
