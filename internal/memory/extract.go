package memory

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/kiroku/internal/chatlog"
)

// MessageLog is the slice of the chat log the consolidator reads.
type MessageLog interface {
	QueryRange(character, startTS, endTS string, minID int64) ([]chatlog.Message, error)
	MaxIDAtOrBefore(character, ts string) (int64, error)
}

// Consolidator runs the incremental extraction, rollover, and fan-out
// operations against one tier store and one chat log. It holds no locks of
// its own; the scheduler serializes per-entity access.
type Consolidator struct {
	log             MessageLog
	tiers           *TierStore
	sum             Summarizer
	userName        string
	replaceFirstRun bool
	now             func() time.Time
}

func NewConsolidator(msgLog MessageLog, tiers *TierStore, sum Summarizer, userName string, replaceFirstRun bool) *Consolidator {
	return &Consolidator{
		log:             msgLog,
		tiers:           tiers,
		sum:             sum,
		userName:        userName,
		replaceFirstRun: replaceFirstRun,
		now:             time.Now,
	}
}

var timeTagPattern = regexp.MustCompile(`\[(\d{2}:\d{2})\]`)

// loadShort applies the fail-open policy in one place: a tier that cannot be
// read or parsed is treated as empty so consolidation never crashes on a
// corrupt file. The condition is logged, not propagated.
func (c *Consolidator) loadShort(entity string) ShortTier {
	tier, err := c.tiers.LoadShort(entity)
	if err != nil {
		log.Printf("[memory] %s: short tier unreadable, treating as empty: %v", entity, err)
		return ShortTier{}
	}
	return tier
}

func (c *Consolidator) loadMedium(entity string) MediumTier {
	tier, err := c.tiers.LoadMedium(entity)
	if err != nil {
		log.Printf("[memory] %s: medium tier unreadable, treating as empty: %v", entity, err)
		return MediumTier{}
	}
	return tier
}

func (c *Consolidator) loadLong(entity string) LongTier {
	tier, err := c.tiers.LoadLong(entity)
	if err != nil {
		log.Printf("[memory] %s: long tier unreadable, treating as empty: %v", entity, err)
		return LongTier{}
	}
	return tier
}

// Extract pulls the messages for (entity, day) past the current watermark,
// folds them into the day's event list, and advances the watermark. A second
// call with no new messages is a no-op returning (0, nil).
func (c *Consolidator) Extract(entity, day string) (int, []Event, error) {
	return c.extract(entity, day, ModeExtract)
}

// ExtractGroup runs the same algorithm against a group's message stream with
// the third-person extraction mode. The returned events feed Distribute.
func (c *Consolidator) ExtractGroup(group, day string) (int, []Event, error) {
	return c.extract(group, day, ModeGroupExtract)
}

func (c *Consolidator) extract(entity, day string, mode Mode) (int, []Event, error) {
	tier := c.loadShort(entity)
	rec := tier[day]

	rows, err := c.log.QueryRange(entity, day+" 00:00:00", day+" 23:59:59", rec.LastID)
	if err != nil {
		return 0, nil, fmt.Errorf("query messages for %s %s: %w", entity, day, err)
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}

	block := c.formatChatBlock(rows)
	summary, err := c.sum.Summarize(block, mode)
	if err != nil {
		// Watermark untouched so the same messages are retried next run.
		return 0, nil, fmt.Errorf("summarize %s %s: %w", entity, day, err)
	}

	newEvents := c.parseEvents(summary)
	if len(newEvents) == 0 {
		return 0, nil, nil
	}

	if rec.LastID == 0 && c.replaceFirstRun {
		rec.Events = newEvents
	} else {
		rec.Events = append(rec.Events, newEvents...)
	}
	sortEventsByTime(rec.Events)
	rec.LastID = rows[len(rows)-1].ID

	tier[day] = rec
	if err := c.tiers.SaveShort(entity, tier); err != nil {
		return 0, nil, fmt.Errorf("save short tier for %s: %w", entity, err)
	}
	return len(newEvents), newEvents, nil
}

// Recalibrate replaces a day's event list with a manually edited one and
// recomputes the watermark so future extraction neither re-derives deleted
// content nor skips the unsummarized tail.
func (c *Consolidator) Recalibrate(entity, day string, edited []Event) (int64, error) {
	tier := c.loadShort(entity)
	rec := tier[day]
	rec.Events = edited

	if len(edited) == 0 {
		rec.LastID = 0
	} else {
		lastTime := strings.TrimSpace(edited[len(edited)-1].Time)
		if timeTagPattern.MatchString("[" + lastTime + "]") {
			id, err := c.log.MaxIDAtOrBefore(entity, day+" "+lastTime+":59")
			if err != nil {
				return 0, fmt.Errorf("recalibrate %s %s: %w", entity, day, err)
			}
			if id > 0 {
				rec.LastID = id
			}
			// id 0 means no message at or before that instant: keep the old
			// watermark rather than guessing.
		}
	}

	tier[day] = rec
	if err := c.tiers.SaveShort(entity, tier); err != nil {
		return 0, fmt.Errorf("save recalibrated short tier for %s: %w", entity, err)
	}
	return rec.LastID, nil
}

// formatChatBlock renders rows as "[HH:MM] speaker: content" lines.
func (c *Consolidator) formatChatBlock(rows []chatlog.Message) string {
	var sb strings.Builder
	for _, m := range rows {
		clock := clockPart(m.Timestamp)
		speaker := "Me"
		if m.Role == "user" {
			speaker = c.userName
			if speaker == "" {
				speaker = "User"
			}
		}
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", clock, speaker, m.Content))
	}
	return strings.TrimSpace(sb.String())
}

// parseEvents splits the summarizer output into events: one line each, with
// an optional leading [HH:MM] tag and bullet markup stripped. Lines without
// a tag default to the current clock time.
func (c *Consolidator) parseEvents(summary string) []Event {
	events := make([]Event, 0)
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eventTime := c.now().Format("15:04")
		if m := timeTagPattern.FindStringSubmatch(line); m != nil {
			eventTime = m[1]
		}
		text := timeTagPattern.ReplaceAllString(line, "")
		text = strings.TrimSpace(strings.TrimLeft(text, "-* \t"))
		if text == "" {
			continue
		}
		events = append(events, Event{Time: eventTime, Text: text})
	}
	return events
}

// clockPart extracts "HH:MM" from a "YYYY-MM-DD HH:MM:SS" timestamp,
// tolerating malformed values.
func clockPart(ts string) string {
	if t, err := time.Parse(chatlog.TimestampLayout, ts); err == nil {
		return t.Format("15:04")
	}
	if len(ts) >= 16 {
		return ts[11:16]
	}
	return "00:00"
}

// sortEventsByTime re-sorts after every merge. Lexicographic HH:MM order is
// sufficient for same-day events.
func sortEventsByTime(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time < events[j].Time
	})
}
