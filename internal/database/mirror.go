package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fleetview/internal/models"

	log "github.com/sirupsen/logrus"
)

const saveTimeout = 5 * time.Second

// Saver stores one vehicle record.
type Saver interface {
	Upsert(ctx context.Context, rec models.VehicleRecord) error
}

// Mirror copies every record a view applies into a Saver in the background.
// Observe never blocks the view: when the queue is full the record is dropped.
type Mirror struct {
	saver Saver
	ch    chan models.VehicleRecord
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewMirror(saver Saver, buffer, workers int) *Mirror {
	if buffer <= 0 {
		buffer = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	m := &Mirror{
		saver: saver,
		ch:    make(chan models.VehicleRecord, buffer),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for rec := range m.ch {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := m.saver.Upsert(ctx, rec); err != nil {
			log.WithField("vehicle", rec.ID).Errorf("❌ Failed to mirror vehicle state: %v", err)
		}
		cancel()
	}
}

// Observe queues rec for saving.
func (m *Mirror) Observe(rec models.VehicleRecord) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	select {
	case m.ch <- rec:
	default:
		m.dropped.Add(1)
		log.WithField("vehicle", rec.ID).Warn("⚠️  Mirror queue full, dropping vehicle state")
	}
}

// Dropped returns how many records were not queued.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Close stops accepting records and waits until the queue is saved.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.ch)
	m.mu.Unlock()

	m.wg.Wait()
}
