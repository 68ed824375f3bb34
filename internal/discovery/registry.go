package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/phoneagent/internal/events"
	"github.com/szaher/phoneagent/internal/telemetry"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithEmitter publishes a DevicesRefreshed event after each refresh.
func WithEmitter(e events.Emitter) Option {
	return func(r *Registry) { r.emitter = e }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry holds the latest device enumeration and every device seen since
// start. Refreshes replace the visible list wholesale; known devices are
// merged by ID so a device that disappears and returns keeps its identity.
type Registry struct {
	enumerator Enumerator
	logger     *slog.Logger
	emitter    events.Emitter
	metrics    *telemetry.Metrics
	group      singleflight.Group

	mu          sync.RWMutex
	visible     []Snapshot
	known       map[string]*Device
	lastRefresh time.Time
	lastErr     error
}

// NewRegistry creates a registry backed by enumerator.
func NewRegistry(enumerator Enumerator, opts ...Option) *Registry {
	r := &Registry{
		enumerator: enumerator,
		logger:     slog.Default(),
		emitter:    events.NoopEmitter{},
		known:      make(map[string]*Device),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh enumerates devices and replaces the visible list. Concurrent calls
// share one enumeration. On failure the visible list becomes empty, every
// known device is marked absent, and a *Error is returned for logging.
func (r *Registry) Refresh(ctx context.Context) ([]Snapshot, error) {
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return r.refresh(ctx)
	})
	snaps, _ := v.([]Snapshot)
	return snaps, err
}

func (r *Registry) refresh(ctx context.Context) ([]Snapshot, error) {
	start := time.Now()
	snaps, err := r.enumerator.Enumerate(ctx)
	if err != nil {
		err = &Error{Enumerator: r.enumerator.Name(), Err: err}
		snaps = nil
		r.logger.Warn("device enumeration failed, treating all devices as absent", "error", err)
		r.metrics.RecordRefresh("error", 0, time.Since(start))
	} else {
		r.metrics.RecordRefresh("ok", len(snaps), time.Since(start))
	}

	snaps = dedupe(snaps)
	r.apply(snaps, err, start)

	online := 0
	for _, s := range snaps {
		if s.Online {
			online++
		}
	}
	ev := events.New(events.DevicesRefreshed, "").
		WithData("devices", len(snaps)).
		WithData("online", online)
	if err != nil {
		ev.WithData("error", err.Error())
	}
	r.emitter.Emit(ev)

	return copySnapshots(snaps), err
}

func (r *Registry) apply(snaps []Snapshot, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.visible = snaps
	r.lastRefresh = now
	r.lastErr = err

	seen := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		seen[s.ID] = true
		d, ok := r.known[s.ID]
		if !ok {
			d = &Device{FirstSeen: now}
			r.known[s.ID] = d
			r.logger.Info("device discovered", "device", s.ID, "name", s.DisplayName)
		} else if !d.Present {
			r.logger.Info("device reappeared", "device", s.ID)
		}
		d.Snapshot = s
		d.Present = true
		d.LastSeen = now
	}
	for id, d := range r.known {
		if seen[id] {
			continue
		}
		if d.Present {
			r.logger.Info("device absent", "device", id)
		}
		d.Present = false
		d.Online = false
	}
}

// Visible returns the devices from the latest refresh.
func (r *Registry) Visible() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copySnapshots(r.visible)
}

// Known returns every device seen since start, ordered by ID.
func (r *Registry) Known() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.known))
	for _, d := range r.known {
		out = append(out, copyDevice(*d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns a known device by ID.
func (r *Registry) Lookup(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.known[id]
	if !ok {
		return Device{}, false
	}
	return copyDevice(*d), true
}

// Eligible reports whether the latest refresh lists id as online.
func (r *Registry) Eligible(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.known[id]
	return ok && d.Present && d.Online
}

// LastRefresh returns the time and error of the latest refresh.
func (r *Registry) LastRefresh() (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh, r.lastErr
}

func dedupe(snaps []Snapshot) []Snapshot {
	seen := make(map[string]bool, len(snaps))
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

func copySnapshots(in []Snapshot) []Snapshot {
	out := make([]Snapshot, len(in))
	for i, s := range in {
		out[i] = copySnapshot(s)
	}
	return out
}

func copySnapshot(s Snapshot) Snapshot {
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}

func copyDevice(d Device) Device {
	d.Snapshot = copySnapshot(d.Snapshot)
	return d
}
