// Package prompt assembles a character's system prompt from its persona
// files and memory tiers. Missing or unreadable pieces are skipped; prompt
// assembly never fails a chat turn.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/kiroku/internal/config"
	"github.com/stellarlinkco/kiroku/internal/memory"
)

type Builder struct {
	cfg   *config.Config
	tiers *memory.TierStore
	now   func() time.Time
}

func NewBuilder(cfg *config.Config, tiers *memory.TierStore) *Builder {
	return &Builder{cfg: cfg, tiers: tiers, now: time.Now}
}

// relationship.json maps a user name to their relation to the character.
type relation struct {
	Role        string `json:"role"`
	Description string `json:"description"`
}

func (b *Builder) Build(characterID string) string {
	dir := b.cfg.CharacterDir(characterID)
	now := b.now()
	today := now.Format("2006-01-02")

	var parts []string
	appendSection := func(title, body string) {
		body = strings.TrimSpace(body)
		if body != "" {
			parts = append(parts, title+"\n"+body)
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "persona.md")); err == nil {
		appendSection("[Role]", string(data))
	}
	if data, err := os.ReadFile(filepath.Join(dir, "user.md")); err == nil {
		appendSection("[User]", string(data))
	}
	if data, err := os.ReadFile(filepath.Join(dir, "format.md")); err == nil {
		appendSection("[Output Rules]", string(data))
	}

	if data, err := os.ReadFile(filepath.Join(dir, "relationship.json")); err == nil {
		var rels map[string]relation
		if json.Unmarshal(data, &rels) == nil {
			if rel, ok := rels[b.cfg.User.Name]; ok {
				appendSection("[Relationship]", fmt.Sprintf(
					"Talking with: %s\nRelation: %s\nDetail: %s",
					b.cfg.User.Name, rel.Role, rel.Description))
			}
		}
	}

	if long, err := b.tiers.LoadLong(characterID); err == nil && len(long) > 0 {
		keys := make([]string, 0, len(long))
		for k := range long {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, "- "+k+": "+long[k])
		}
		appendSection("[Long-term Memory]", strings.Join(lines, "\n"))
	}

	if medium, err := b.tiers.LoadMedium(characterID); err == nil && len(medium) > 0 {
		lines := make([]string, 0, 7)
		for i := 7; i >= 1; i-- {
			day := now.AddDate(0, 0, -i).Format("2006-01-02")
			if narrative, ok := medium[day]; ok {
				lines = append(lines, "- "+day+": "+narrative)
			}
		}
		appendSection("[Recent Week]", strings.Join(lines, "\n"))
	}

	if short, err := b.tiers.LoadShort(characterID); err == nil {
		if rec, ok := short[today]; ok && len(rec.Events) > 0 {
			lines := make([]string, 0, len(rec.Events))
			for _, ev := range rec.Events {
				lines = append(lines, fmt.Sprintf("- [%s] %s", ev.Time, ev.Text))
			}
			appendSection("[Today]", strings.Join(lines, "\n"))
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "schedule.json")); err == nil {
		var schedule map[string]string
		if json.Unmarshal(data, &schedule) == nil && len(schedule) > 0 {
			dates := make([]string, 0, len(schedule))
			for d := range schedule {
				// YYYY-MM-DD compares chronologically as a string.
				if d >= today {
					dates = append(dates, d)
				}
			}
			sort.Strings(dates)
			lines := make([]string, 0, len(dates))
			for _, d := range dates {
				lines = append(lines, "- "+d+": "+schedule[d])
			}
			appendSection("[Upcoming]", strings.Join(lines, "\n"))
		}
	}

	parts = append(parts, fmt.Sprintf(
		"[Current Date]\nToday is %s.\n(Conversation lines carry [HH:MM] clock times only; interpret them against today's date.)",
		now.Format("2006-01-02 Monday")))

	return strings.Join(parts, "\n\n")
}
