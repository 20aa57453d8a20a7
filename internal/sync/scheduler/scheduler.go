// Package scheduler runs the recurring auto-sync scan: every interval,
// each center whose sync frequency has elapsed since its last import is
// synchronized with attempt type Automatic.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/centersync/internal/models"
)

// Syncer runs one synchronization attempt against a center.
type Syncer interface {
	SyncWithCenter(ctx context.Context, center *models.Center, syncType models.SyncType) error
}

// CenterSource lists the centers eligible for scheduled sync.
type CenterSource interface {
	Centers() []*models.Center
}

// Scheduler is the recurring auto-sync task. Per-center failures are
// logged and never abort the scan; one broken center must not block the
// others.
type Scheduler struct {
	centers  CenterSource
	syncer   Syncer
	log      *logrus.Entry
	interval time.Duration
	clock    func() int64

	mu   stdsync.Mutex
	stop chan struct{}
	wg   stdsync.WaitGroup
}

// New creates a scheduler scanning at the given interval.
func New(centers CenterSource, syncer Syncer, interval time.Duration, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		centers:  centers,
		syncer:   syncer,
		log:      logger.WithField("component", "auto-sync"),
		interval: interval,
		clock:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the time source, for tests.
func (s *Scheduler) SetClock(clock func() int64) {
	s.clock = clock
}

// Start launches the recurring scan. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.stop)
}

// Stop halts the scan and waits for in-flight attempts to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

func (s *Scheduler) run(stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Scan(context.Background())
		}
	}
}

// Scan runs one pass over all centers. Due centers are synchronized
// concurrently; mutual exclusion per center is the synchronizer's job.
func (s *Scheduler) Scan(ctx context.Context) {
	now := s.clock()
	var wg stdsync.WaitGroup
	for _, center := range s.centers.Centers() {
		if !s.due(center, now) {
			continue
		}
		wg.Add(1)
		go func(c *models.Center) {
			defer wg.Done()
			if err := s.syncer.SyncWithCenter(ctx, c, models.SyncAutomatic); err != nil {
				s.log.WithError(err).WithField("center", c.Name).Warn("scheduled sync failed")
			}
		}(center)
	}
	wg.Wait()
}

// due reports whether the center's sync frequency has elapsed.
func (s *Scheduler) due(c *models.Center, now int64) bool {
	if !c.SyncEnabled() || !c.Configured() {
		return false
	}
	return now-c.LastImport > c.SyncFrequency.Milliseconds()
}
