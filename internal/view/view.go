package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetview/internal/models"
	"fleetview/internal/roster"
	"fleetview/internal/session"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize bounds the deltas held back while the snapshot loads.
const DefaultBufferSize = 10000

var ErrAlreadyMounted = errors.New("view already mounted")

var now = time.Now

// Loader performs the roster read.
type Loader interface {
	Load(ctx context.Context, cred session.Credential) ([]models.RawVehicle, error)
}

// Channel is a push channel subscription owned by one view.
type Channel interface {
	Connect(ctx context.Context) error
	Join(ids []models.VehicleID) error
	Messages() <-chan []byte
	Close() error
}

// Renderer consumes the merged roster, typically a dashboard map.
type Renderer interface {
	RenderSnapshot(records []models.VehicleRecord)
	RenderVehicle(record models.VehicleRecord)
	RenderError(err error)
}

// Observer is told about every record the view applies.
type Observer interface {
	Observe(record models.VehicleRecord)
}

// Options wires a View. Loader, Channel and Renderer are required.
type Options struct {
	Loader     Loader
	Channel    Channel
	Renderer   Renderer
	Observers  []Observer
	Credential session.Credential
	BufferSize int
}

// View is the live vehicle state of one mounted dashboard. It owns its roster
// and its push channel subscription; nothing is shared between views.
type View struct {
	ID string

	loader     Loader
	channel    Channel
	renderer   Renderer
	observers  []Observer
	cred       session.Credential
	bufferSize int

	roster *roster.Roster
	logger *log.Entry

	mu        sync.Mutex
	mounted   bool
	unmounted bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type bufferedDelta struct {
	delta      models.Delta
	receivedAt time.Time
}

type snapshotResult struct {
	vehicles []models.RawVehicle
	err      error
}

func New(opts Options) *View {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	id := uuid.New().String()

	return &View{
		ID:         id,
		loader:     opts.Loader,
		channel:    opts.Channel,
		renderer:   opts.Renderer,
		observers:  opts.Observers,
		cred:       opts.Credential,
		bufferSize: opts.BufferSize,
		roster:     roster.New(),
		logger:     log.WithField("view", id),
		done:       make(chan struct{}),
	}
}

// Mount connects the push channel, starts the snapshot fetch and the event
// loop. It does not wait for the snapshot.
func (v *View) Mount(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.mounted || v.unmounted {
		return ErrAlreadyMounted
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := v.channel.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to connect push channel: %w", err)
	}

	v.mounted = true
	v.cancel = cancel
	go v.run(ctx)

	v.logger.Info("📺 View mounted")
	return nil
}

// Unmount cancels a pending snapshot fetch, stops the event loop and releases
// the push channel. Once it returns the renderer is not called again.
func (v *View) Unmount() {
	v.mu.Lock()
	if v.unmounted {
		v.mu.Unlock()
		return
	}
	v.unmounted = true
	mounted := v.mounted
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()

	if mounted {
		<-v.done
	}
	if err := v.channel.Close(); err != nil {
		v.logger.Warnf("⚠️  Failed to close push channel: %v", err)
	}
	v.logger.Info("📴 View unmounted")
}

// Records returns a copy of the current roster.
func (v *View) Records() []models.VehicleRecord {
	return v.roster.List()
}

// Len returns the number of vehicles in the roster.
func (v *View) Len() int {
	return v.roster.Len()
}

func (v *View) run(ctx context.Context) {
	defer close(v.done)

	snapshots := make(chan snapshotResult, 1)
	go func() {
		vehicles, err := v.loader.Load(ctx, v.cred)
		snapshots <- snapshotResult{vehicles: vehicles, err: err}
	}()

	var pending []bufferedDelta
	snapshotDone := false
	messages := v.channel.Messages()

	for {
		select {
		case <-ctx.Done():
			return

		case res := <-snapshots:
			if ctx.Err() != nil {
				return
			}
			snapshots = nil
			v.applySnapshot(res)
			for _, p := range pending {
				v.applyDelta(p.delta, p.receivedAt)
			}
			pending = nil
			snapshotDone = true
			v.join(v.roster.IDs())

		case raw, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if ctx.Err() != nil {
				return
			}

			d, err := models.DecodeDelta(raw)
			if err != nil {
				if !errors.Is(err, models.ErrNotDelta) {
					v.logger.Debugf("🗑️  Dropped push message: %v", err)
				}
				continue
			}

			if !snapshotDone {
				if len(pending) >= v.bufferSize {
					v.logger.Warn("⚠️  Delta buffer full, dropping oldest")
					pending = pending[1:]
				}
				pending = append(pending, bufferedDelta{delta: d, receivedAt: now()})
				continue
			}
			v.applyDelta(d, now())
		}
	}
}

func (v *View) applySnapshot(res snapshotResult) {
	if res.err != nil {
		v.logger.Errorf("❌ Failed to load vehicles: %v", res.err)
		v.renderer.RenderError(res.err)
		v.renderer.RenderSnapshot(v.roster.List())
		return
	}

	records := v.roster.ApplySnapshot(res.vehicles)
	v.logger.WithField("vehicles", len(records)).Info("✅ Snapshot loaded")

	v.renderer.RenderSnapshot(records)
	for _, rec := range records {
		v.notify(rec)
	}
}

func (v *View) applyDelta(d models.Delta, receivedAt time.Time) {
	rec, outcome := v.roster.ApplyDelta(d, receivedAt)
	switch outcome {
	case roster.Stale:
		v.logger.WithField("vehicle", d.ID).Debug("⏪ Ignored out-of-order delta")
		return
	case roster.Inserted:
		v.logger.WithField("vehicle", d.ID).Debug("🆕 Vehicle first seen through a delta")
		v.join([]models.VehicleID{rec.ID})
	}

	v.renderer.RenderVehicle(rec)
	v.notify(rec)
}

func (v *View) join(ids []models.VehicleID) {
	if len(ids) == 0 {
		return
	}
	if err := v.channel.Join(ids); err != nil {
		v.logger.Warnf("⚠️  Failed to join vehicles: %v", err)
	}
}

func (v *View) notify(rec models.VehicleRecord) {
	for _, o := range v.observers {
		o.Observe(rec)
	}
}
