package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/runwayhq/runway/pkg/types"
)

// DefaultInterval is the sweep period used when none is configured
const DefaultInterval = 5 * time.Second

// Source exposes the optimistic edits of one page controller
type Source interface {
	Collection() string
	Pending() []types.OptimisticEdit
	Overdue(now time.Time) []types.OptimisticEdit
}

// Report is the outcome of one sweep
type Report struct {
	Pending int
	Overdue []OverdueEdit
}

// OverdueEdit is an edit the store has not confirmed within the timeout
type OverdueEdit struct {
	Collection string
	Edit       types.OptimisticEdit
	Age        time.Duration
}

// Reconciler periodically sweeps registered controllers for edits the
// store has not confirmed in time. Overdue edits are reported through
// metrics and logs and are never rolled back.
type Reconciler struct {
	mu       sync.RWMutex
	sources  map[int]Source
	nextID   int
	reported map[string]uint64

	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(interval time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		sources:  make(map[int]Source),
		reported: make(map[string]uint64),
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Register adds a source to the sweep. The returned function removes it.
func (r *Reconciler) Register(src Source) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.sources[id] = src
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.sources, id)
	}
}

// Start begins the sweep loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep performs one pass over every source and updates the edit gauges
func (r *Reconciler) Sweep() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var report Report
	live := make(map[string]uint64)

	for _, src := range r.sources {
		report.Pending += len(src.Pending())

		for _, edit := range src.Overdue(now) {
			od := OverdueEdit{
				Collection: src.Collection(),
				Edit:       edit,
				Age:        now.Sub(edit.SubmittedAt),
			}
			report.Overdue = append(report.Overdue, od)

			key := od.Collection + "/" + edit.RecordID
			live[key] = edit.Seq
			if r.reported[key] != edit.Seq {
				logger := log.WithRecordID(r.logger, edit.RecordID)
				logger.Warn().
					Str("collection", od.Collection).
					Str("kind", string(edit.Kind)).
					Dur("age", od.Age).
					Msg("Edit not yet confirmed by store")
			}
		}
	}
	r.reported = live

	metrics.EditsPending.Set(float64(report.Pending))
	metrics.EditsOverdue.Set(float64(len(report.Overdue)))
	return report
}
