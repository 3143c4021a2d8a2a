// Package cron runs the nightly memory maintenance: daily rollover for every
// registered character, weekly rollover on the designated weekday, and group
// consolidation with fan-out. The manual trigger runs the identical job
// synchronously.
package cron

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/kiroku/internal/config"
)

// Maintainer is the consolidation engine surface the scheduler drives.
type Maintainer interface {
	RolloverDay(entity, day string) (bool, error)
	RolloverWeek(entity, refDate string) (bool, error)
	ConsolidateGroup(group string, members []string, day string) (int, error)
}

// Report summarizes one maintenance run.
type Report struct {
	Day      string   `json:"day"`
	Folded   int      `json:"folded"`
	Skipped  int      `json:"skipped"`
	Weekly   int      `json:"weekly"`
	Failures []string `json:"failures,omitempty"`
}

type Service struct {
	cfg        *config.Config
	maintainer Maintainer
	pause      time.Duration

	cron   *rcron.Cron
	cancel context.CancelFunc

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

func NewService(cfg *config.Config, m Maintainer) *Service {
	pause := 2 * time.Second
	if d, err := time.ParseDuration(strings.TrimSpace(cfg.Consolidation.EntityPause)); err == nil && d >= 0 {
		pause = d
	}
	return &Service{
		cfg:        cfg,
		maintainer: m,
		pause:      pause,
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	spec, err := cronSpec(s.cfg.Consolidation.MaintenanceAt)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = rcron.New(rcron.WithSeconds())
	if _, err := s.cron.AddFunc(spec, func() {
		s.RunMaintenance("")
	}); err != nil {
		cancel()
		return fmt.Errorf("register maintenance job: %w", err)
	}
	s.cron.Start()
	log.Printf("[cron] maintenance scheduled daily at %s (%d characters)", s.cfg.Consolidation.MaintenanceAt, len(s.cfg.Characters))

	go func() {
		<-runCtx.Done()
		s.stopCron()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) stopCron() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running maintenance")
	}
	log.Printf("[cron] stopped")
}

// RunMaintenance processes every registered entity for one target day.
// An empty dateOverride means "yesterday relative to now"; a set override
// supports backfill and testing. One entity's failure never aborts the rest.
func (s *Service) RunMaintenance(dateOverride string) Report {
	now := s.now()

	var day string
	var ref time.Time
	if dateOverride != "" {
		day = dateOverride
		if parsed, err := time.Parse("2006-01-02", dateOverride); err == nil {
			ref = parsed.AddDate(0, 0, 1)
		} else {
			log.Printf("[cron] invalid date override %q, using yesterday", dateOverride)
			day = now.AddDate(0, 0, -1).Format("2006-01-02")
			ref = now
		}
	} else {
		day = now.AddDate(0, 0, -1).Format("2006-01-02")
		ref = now
	}

	weekly := strings.EqualFold(ref.Weekday().String(), s.cfg.Consolidation.WeeklyWeekday)
	report := Report{Day: day}

	log.Printf("[cron] maintenance run for %s (weekly=%v)", day, weekly)

	ids := s.cfg.CharacterIDs()
	for i, id := range ids {
		character := s.cfg.Characters[id]
		s.withEntityLock(id, func() {
			if character.IsGroup() {
				count, err := s.maintainer.ConsolidateGroup(id, character.Members, day)
				if err != nil {
					report.Failures = append(report.Failures, fmt.Sprintf("%s: group consolidation: %v", id, err))
					log.Printf("[cron] %s: group consolidation failed: %v", id, err)
				} else if count > 0 {
					report.Folded++
					log.Printf("[cron] %s: distributed %d group events", id, count)
				} else {
					report.Skipped++
				}
				return
			}

			folded, err := s.maintainer.RolloverDay(id, day)
			switch {
			case err != nil:
				report.Failures = append(report.Failures, fmt.Sprintf("%s: daily rollover: %v", id, err))
				log.Printf("[cron] %s: daily rollover failed: %v", id, err)
			case folded:
				report.Folded++
			default:
				report.Skipped++
			}

			if weekly {
				folded, err := s.maintainer.RolloverWeek(id, ref.Format("2006-01-02"))
				if err != nil {
					report.Failures = append(report.Failures, fmt.Sprintf("%s: weekly rollover: %v", id, err))
					log.Printf("[cron] %s: weekly rollover failed: %v", id, err)
				} else if folded {
					report.Weekly++
				}
			}
		})

		// Pause between entities to respect summarizer rate limits.
		if s.pause > 0 && i < len(ids)-1 {
			time.Sleep(s.pause)
		}
	}

	log.Printf("[cron] maintenance done: folded=%d skipped=%d weekly=%d failures=%d",
		report.Folded, report.Skipped, report.Weekly, len(report.Failures))
	return report
}

// WithEntityLock serializes an operation against one entity's tiers with the
// same advisory lock maintenance holds, so manual triggers cannot race the
// scheduled run for that entity.
func (s *Service) WithEntityLock(entity string, fn func() error) error {
	var err error
	s.withEntityLock(entity, func() { err = fn() })
	return err
}

func (s *Service) withEntityLock(entity string, fn func()) {
	s.lockMu.Lock()
	lock, ok := s.locks[entity]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[entity] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn()
}

// cronSpec converts "HH:MM" to a robfig spec with a seconds field.
func cronSpec(at string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(at))
	if err != nil {
		return "", fmt.Errorf("parse maintenance time %q: %w", at, err)
	}
	return fmt.Sprintf("0 %d %d * * *", t.Minute(), t.Hour()), nil
}
