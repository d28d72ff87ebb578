package events

import (
	"log/slog"
	"time"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/store"
)

// Feed publishes events in-process and appends the ones tied to a
// project to that project's activity.jsonl. The activity file is
// append-only history; the publisher side is best-effort fan-out.
type Feed struct {
	store  *store.Store
	paths  config.Paths
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithPublisher routes events through the given publisher instead of a
// fresh MemoryPublisher.
func WithPublisher(p Publisher) FeedOption {
	return func(f *Feed) { f.pub = p }
}

// WithLogger sets the feed logger.
func WithLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) { f.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

// NewFeed creates an event feed writing project activity under paths.
func NewFeed(s *store.Store, paths config.Paths, opts ...FeedOption) *Feed {
	f := &Feed{
		store:  s,
		paths:  paths,
		pub:    NewMemoryPublisher(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Emit timestamps the event, publishes it, and persists it to the
// project activity feed when the event names a project. Activity write
// failures are logged, not returned; an event must never fail the
// operation that produced it.
func (f *Feed) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = f.now().UTC()
	}
	f.pub.Publish(ev)
	if ev.Project == "" {
		return
	}
	path := f.paths.ProjectActivity(ev.Project)
	if err := f.store.AppendJSONL(path, ev); err != nil {
		f.logger.Warn("activity append failed",
			"project", ev.Project, "type", ev.Type, "error", err)
	}
}

// Subscribe exposes the underlying publisher subscription.
func (f *Feed) Subscribe(runID string) <-chan Event { return f.pub.Subscribe(runID) }

// Unsubscribe exposes the underlying publisher unsubscription.
func (f *Feed) Unsubscribe(runID string, ch <-chan Event) { f.pub.Unsubscribe(runID, ch) }

// Close shuts down the publisher side of the feed.
func (f *Feed) Close() { f.pub.Close() }
