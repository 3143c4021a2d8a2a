package memory

import (
	"fmt"
	"log"
	"strings"
)

// Distribute merges group-derived events into each member's short tier,
// tagged with group provenance. Re-running with the same events is a no-op
// for members that already hold them, and a member's own watermark is never
// touched: these events come from a different message stream.
func (c *Consolidator) Distribute(group string, members []string, events []Event, day string) error {
	if len(events) == 0 {
		return nil
	}

	var firstErr error
	for _, member := range members {
		member = strings.TrimSpace(member)
		if member == "" || member == c.userName {
			continue
		}

		tier := c.loadShort(member)
		rec := tier[day]
		added := 0
		for _, ev := range events {
			tagged := fmt.Sprintf("[%s] %s", group, ev.Text)
			if hasTaggedEvent(rec.Events, ev.Time, tagged) {
				continue
			}
			rec.Events = append(rec.Events, Event{Time: ev.Time, Text: tagged})
			added++
		}
		if added == 0 {
			continue
		}

		sortEventsByTime(rec.Events)
		tier[day] = rec
		if err := c.tiers.SaveShort(member, tier); err != nil {
			log.Printf("[memory] fan-out to %s failed: %v", member, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("fan-out to %s: %w", member, err)
			}
			continue
		}
		log.Printf("[memory] fan-out: %s received %d events from %s for %s", member, added, group, day)
	}
	return firstErr
}

// ConsolidateGroup runs the group's incremental extraction and fans the new
// events out to the members.
func (c *Consolidator) ConsolidateGroup(group string, members []string, day string) (int, error) {
	count, events, err := c.ExtractGroup(group, day)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if err := c.Distribute(group, members, events, day); err != nil {
		return count, err
	}
	return count, nil
}

func hasTaggedEvent(events []Event, eventTime, tagged string) bool {
	for _, ev := range events {
		if ev.Time == eventTime && strings.Contains(ev.Text, tagged) {
			return true
		}
	}
	return false
}
