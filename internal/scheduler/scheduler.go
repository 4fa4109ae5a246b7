// Package scheduler flushes client events on cron schedules: each entry
// queues its event and triggers a send when it fires.
package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScheduleEntry defines the structure for a saved schedule.
type ScheduleEntry struct {
	Spec  string          `json:"spec"`
	Event json.RawMessage `json:"event"`
}

// FireFunc is called from the cron goroutine each time an entry fires.
type FireFunc func(entry ScheduleEntry)

// Scheduler manages all cron-related tasks.
type Scheduler struct {
	cron          *cron.Cron
	store         map[cron.EntryID]ScheduleEntry
	onFire        FireFunc
	mu            sync.RWMutex
	schedulesFile string
	logger        *zap.Logger
}

// NewScheduler creates a scheduler and loads the persisted entries. An empty
// schedulesFile disables persistence.
func NewScheduler(schedulesFile string, onFire FireFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:          cron.New(),
		store:         make(map[cron.EntryID]ScheduleEntry),
		onFire:        onFire,
		schedulesFile: schedulesFile,
		logger:        logger.Named("scheduler"),
	}
	s.load()
	return s
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started", zap.Int("entries", len(s.GetAll())))
}

// Stop halts the ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Add creates a new cron job that sends event on spec.
func (s *Scheduler) Add(spec string, event json.RawMessage) (cron.EntryID, error) {
	if !json.Valid(event) {
		return 0, errors.New("schedule event is not valid JSON")
	}
	entry := ScheduleEntry{Spec: spec, Event: event}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.execute(entry) })
	if err != nil {
		return 0, fmt.Errorf("add schedule %q: %w", spec, err)
	}
	s.store[id] = entry
	s.save()
	s.logger.Info("schedule added", zap.Int("id", int(id)), zap.String("spec", spec))
	return id, nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	if _, ok := s.store[entryID]; !ok {
		return
	}
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	s.save()
	s.logger.Info("schedule removed", zap.Int("id", id))
}

// GetAll returns a copy of the current schedules in a thread-safe way.
func (s *Scheduler) GetAll() map[cron.EntryID]ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	newMap := make(map[cron.EntryID]ScheduleEntry, len(s.store))
	for k, v := range s.store {
		newMap[k] = v
	}
	return newMap
}

func (s *Scheduler) execute(entry ScheduleEntry) {
	s.logger.Debug("schedule fired", zap.String("spec", entry.Spec))
	if s.onFire != nil {
		s.onFire(entry)
	}
}

// save must be called with mu held.
func (s *Scheduler) save() {
	if s.schedulesFile == "" {
		return
	}
	data, err := json.Marshal(s.store)
	if err != nil {
		s.logger.Error("marshal schedules", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.schedulesFile, data, 0644); err != nil {
		s.logger.Error("write schedules", zap.String("file", s.schedulesFile), zap.Error(err))
	}
}

func (s *Scheduler) load() {
	if s.schedulesFile == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.schedulesFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("read schedule file", zap.String("file", s.schedulesFile), zap.Error(err))
		}
		return
	}

	tempStore := make(map[cron.EntryID]ScheduleEntry)
	if err := json.Unmarshal(data, &tempStore); err != nil {
		s.logger.Error("decode schedule file", zap.String("file", s.schedulesFile), zap.Error(err))
		return
	}

	s.logger.Info("loading schedules", zap.Int("count", len(tempStore)), zap.String("file", s.schedulesFile))
	for _, entry := range tempStore {
		jobEntry := entry
		var compact bytes.Buffer
		if err := json.Compact(&compact, jobEntry.Event); err == nil {
			jobEntry.Event = compact.Bytes()
		}
		newID, err := s.cron.AddFunc(jobEntry.Spec, func() { s.execute(jobEntry) })
		if err != nil {
			s.logger.Warn("skipping stored schedule", zap.String("spec", jobEntry.Spec), zap.Error(err))
			continue
		}
		s.store[newID] = jobEntry
	}
}
