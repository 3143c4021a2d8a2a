package memory

import (
	"fmt"
	"log"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// RolloverDay folds one day's short-term events into the medium tier.
// It returns false when the day had nothing to fold (a normal no-op).
// On summarization failure the medium tier is left untouched, so the
// operation is safe to retry.
func (c *Consolidator) RolloverDay(entity, day string) (bool, error) {
	// Catch-up step: pick up any tail messages before folding. A failure
	// here must not block folding what is already extracted.
	if count, _, err := c.Extract(entity, day); err != nil {
		log.Printf("[memory] %s: catch-up extraction for %s failed: %v", entity, day, err)
	} else if count > 0 {
		log.Printf("[memory] %s: catch-up extraction added %d events for %s", entity, count, day)
	}

	tier := c.loadShort(entity)
	events := tier[day].Events
	if len(events) == 0 {
		return false, nil
	}

	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", ev.Time, ev.Text))
	}

	narrative, err := c.sum.Summarize(strings.TrimSpace(sb.String()), ModeDiarize)
	if err != nil {
		return false, fmt.Errorf("diarize %s %s: %w", entity, day, err)
	}

	medium := c.loadMedium(entity)
	medium[day] = narrative
	if err := c.tiers.SaveMedium(entity, medium); err != nil {
		return false, fmt.Errorf("save medium tier for %s: %w", entity, err)
	}
	return true, nil
}

// RolloverWeek folds the 7 medium-tier days ending the day before refDate
// into one long-tier entry keyed by week. Missing days are skipped; a window
// with no entries is a no-op.
func (c *Consolidator) RolloverWeek(entity, refDate string) (bool, error) {
	ref, err := time.Parse(dayLayout, refDate)
	if err != nil {
		return false, fmt.Errorf("parse reference date %q: %w", refDate, err)
	}

	medium := c.loadMedium(entity)

	var sb strings.Builder
	found := 0
	for i := 7; i >= 1; i-- {
		day := ref.AddDate(0, 0, -i).Format(dayLayout)
		if narrative, ok := medium[day]; ok && strings.TrimSpace(narrative) != "" {
			sb.WriteString(fmt.Sprintf("[%s] %s\n", day, narrative))
			found++
		}
	}
	if found == 0 {
		return false, nil
	}

	chronicle, err := c.sum.Summarize(strings.TrimSpace(sb.String()), ModeChronicle)
	if err != nil {
		return false, fmt.Errorf("chronicle %s week of %s: %w", entity, refDate, err)
	}

	key := WeekKey(ref)
	long := c.loadLong(entity)
	long[key] = chronicle
	if err := c.tiers.SaveLong(entity, long); err != nil {
		return false, fmt.Errorf("save long tier for %s: %w", entity, err)
	}
	return true, nil
}

// WeekKey derives the long-tier key from a reference date: the key belongs
// to the day before, numbered (day-1)/7 + 1 within its month.
func WeekKey(ref time.Time) string {
	prior := ref.AddDate(0, 0, -1)
	week := (prior.Day()-1)/7 + 1
	return fmt.Sprintf("%s-Week%d", prior.Format("2006-01"), week)
}
