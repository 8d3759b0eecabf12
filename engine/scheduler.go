package engine

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler drives periodic auto-commit and auto-vacuum (major GC) against
// an Engine on cron schedules, independent of whatever mutator loop is
// allocating cells: a deployment usually wants commits to happen on a
// timer rather than purely on nursery exhaustion, and a way to nudge major
// GC during an otherwise idle period.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger *log.Logger

	mu              sync.Mutex
	commitRunning   bool
	vacuumRunning   bool
	commitEntryID   cron.EntryID
	vacuumEntryID   cron.EntryID
	haveCommitEntry bool
	haveVacuumEntry bool
}

// NewScheduler builds a Scheduler for e. Call AddAutoCommit/AddAutoVacuum
// before Start to register jobs; Start with none registered is a no-op
// cron loop.
func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{
		engine: e,
		cron:   cron.New(cron.WithSeconds()),
		logger: e.logger,
	}
}

// AddAutoCommit registers a cron job (standard robfig/cron seconds-first
// expression, e.g. "*/30 * * * * *" for every 30s) that commits the
// engine, skipping a tick if the previous commit is still running.
func (s *Scheduler) AddAutoCommit(cronExpr string) error {
	id, err := s.cron.AddFunc(cronExpr, func() {
		s.mu.Lock()
		if s.commitRunning {
			s.mu.Unlock()
			return
		}
		s.commitRunning = true
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.commitRunning = false
			s.mu.Unlock()
		}()

		if err := s.engine.Commit(); err != nil {
			s.logger.Printf("shades: scheduled commit failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.commitEntryID, s.haveCommitEntry = id, true
	return nil
}

// AddAutoVacuum registers a cron job that force-starts (or continues) a
// major GC round via TriggerMajorGC, skipping a tick if one is already
// running.
func (s *Scheduler) AddAutoVacuum(cronExpr string) error {
	id, err := s.cron.AddFunc(cronExpr, func() {
		s.mu.Lock()
		if s.vacuumRunning {
			s.mu.Unlock()
			return
		}
		s.vacuumRunning = true
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.vacuumRunning = false
			s.mu.Unlock()
		}()

		if err := s.engine.TriggerMajorGC(); err != nil {
			s.logger.Printf("shades: scheduled vacuum failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.vacuumEntryID, s.haveVacuumEntry = id, true
	return nil
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
