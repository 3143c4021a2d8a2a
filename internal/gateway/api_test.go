package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/kiroku/internal/config"
	"github.com/stellarlinkco/kiroku/internal/cron"
	"github.com/stellarlinkco/kiroku/internal/memory"
)

// scriptedSummarizer answers every consolidation call with a fixed text.
type scriptedSummarizer struct {
	reply string
}

func (s scriptedSummarizer) Summarize(text string, mode memory.Mode) (string, error) {
	return s.reply, nil
}

func testServer(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	g := testGateway(t, &fakeRuntime{reply: "ok"})
	server := httptest.NewServer(g.routes())
	t.Cleanup(server.Close)
	return g, server
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func seedChat(t *testing.T, g *Gateway, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		ts := fmt.Sprintf("2026-08-28 %02d:00:00", 8+i)
		id, err := g.chatLog.Append("aya", role, fmt.Sprintf("message %d", i), ts)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestStatusEndpoint(t *testing.T) {
	_, server := testServer(t)

	var out struct {
		Characters map[string]struct {
			Name  string `json:"name"`
			Group bool   `json:"group"`
		} `json:"characters"`
		MaintenanceAt string `json:"maintenanceAt"`
	}
	resp := getJSON(t, server.URL+"/api/status", &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.MaintenanceAt != "04:00" {
		t.Errorf("maintenanceAt = %q", out.MaintenanceAt)
	}
	if !out.Characters["family"].Group || out.Characters["aya"].Group {
		t.Errorf("characters = %+v", out.Characters)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	g, server := testServer(t)
	seedChat(t, g, 6)

	var out struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
		Total int `json:"total"`
		Page  int `json:"page"`
	}
	resp := getJSON(t, server.URL+"/api/history?character=aya&limit=4&page=1", &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Total != 6 || out.Page != 1 || len(out.Messages) != 4 {
		t.Errorf("out = %+v", out)
	}
	if out.Messages[len(out.Messages)-1].Content != "message 5" {
		t.Errorf("window = %+v", out.Messages)
	}
}

func TestHistoryTargetJump(t *testing.T) {
	g, server := testServer(t)
	ids := seedChat(t, g, 6)

	var out struct {
		Messages []struct {
			ID int64 `json:"id"`
		} `json:"messages"`
		Page int `json:"page"`
	}
	url := fmt.Sprintf("%s/api/history?character=aya&limit=2&target_id=%d", server.URL, ids[0])
	getJSON(t, url, &out)

	if out.Page <= 1 {
		t.Errorf("page = %d, expected a later page for the oldest message", out.Page)
	}
	found := false
	for _, m := range out.Messages {
		if m.ID == ids[0] {
			found = true
		}
	}
	if !found {
		t.Errorf("target not in window: %+v", out.Messages)
	}
}

func TestSearchEndpoint(t *testing.T) {
	g, server := testServer(t)
	if _, err := g.chatLog.Append("aya", "user", "planning the hiking trip", "2026-08-28 09:00:00"); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	resp := postJSON(t, server.URL+"/api/search",
		map[string]string{"character": "aya", "keyword": "hiking"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "planning the hiking trip" {
		t.Errorf("out = %+v", out)
	}

	resp = postJSON(t, server.URL+"/api/search", map[string]string{"character": "aya"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank keyword status = %d", resp.StatusCode)
	}
}

func TestMessageEditAndDelete(t *testing.T) {
	g, server := testServer(t)
	ids := seedChat(t, g, 2)

	data, _ := json.Marshal(map[string]string{"content": "corrected"})
	req, _ := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/api/messages/%d", server.URL, ids[0]), bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/messages/%d", server.URL, ids[1]), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	msgs, _ := g.chatLog.QueryRange("aya", "2026-08-28 00:00:00", "2026-08-28 23:59:59", 0)
	if len(msgs) != 1 || msgs[0].Content != "corrected" {
		t.Errorf("messages after edit+delete = %v", msgs)
	}
}

func TestMemoryEndpoint(t *testing.T) {
	g, server := testServer(t)
	if err := g.tiers.SaveShort("aya", memory.ShortTier{
		"2026-08-28": {Events: []memory.Event{{Time: "09:15", Text: "Rehearsed"}}, LastID: 2},
	}); err != nil {
		t.Fatal(err)
	}
	if err := g.tiers.SaveLong("aya", memory.LongTier{"2026-08-Week4": "a full week"}); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Short  memory.ShortTier  `json:"short"`
		Medium map[string]string `json:"medium"`
		Long   map[string]string `json:"long"`
	}
	resp := getJSON(t, server.URL+"/api/memory?character=aya", &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Short["2026-08-28"].LastID != 2 {
		t.Errorf("short = %+v", out.Short)
	}
	if out.Long["2026-08-Week4"] != "a full week" {
		t.Errorf("long = %v", out.Long)
	}
}

func TestSnapshotNoTraffic(t *testing.T) {
	_, server := testServer(t)

	var out struct {
		Day   string `json:"day"`
		Count int    `json:"count"`
	}
	resp := postJSON(t, server.URL+"/api/memory/snapshot",
		map[string]string{"character": "aya"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Day != "2026-08-28" || out.Count != 0 {
		t.Errorf("out = %+v", out)
	}
}

func TestSnapshotGroupFansOutToMembers(t *testing.T) {
	g, server := testServer(t)
	sum := scriptedSummarizer{reply: "- [14:00] Rin showed everyone the new duet score"}
	g.cons = memory.NewConsolidator(g.chatLog, g.tiers, sum, g.cfg.User.Name, true)
	g.sched = cron.NewService(g.cfg, g.cons)

	if _, err := g.chatLog.Append("family", "user", "check out this duet score", "2026-08-28 14:00:00"); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Day   string `json:"day"`
		Count int    `json:"count"`
	}
	resp := postJSON(t, server.URL+"/api/memory/snapshot",
		map[string]string{"character": "family"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Day != "2026-08-28" || out.Count != 1 {
		t.Errorf("out = %+v", out)
	}

	// The snapshot itself must deliver the tagged events: it advances the
	// group watermark, so the nightly run will not see these rows again.
	for _, member := range []string{"aya", "rin"} {
		tier, err := g.tiers.LoadShort(member)
		if err != nil {
			t.Fatal(err)
		}
		rec := tier["2026-08-28"]
		if len(rec.Events) != 1 || !strings.Contains(rec.Events[0].Text, "[family]") {
			t.Errorf("%s events = %+v", member, rec.Events)
		}
		if rec.LastID != 0 {
			t.Errorf("%s watermark = %d, fan-out must not touch it", member, rec.LastID)
		}
	}

	group, err := g.tiers.LoadShort("family")
	if err != nil {
		t.Fatal(err)
	}
	if group["2026-08-28"].LastID == 0 {
		t.Error("group watermark did not advance")
	}

	// Maintenance after the snapshot finds no new rows and no duplicates.
	report := g.sched.RunMaintenance("2026-08-28")
	if len(report.Failures) != 0 {
		t.Fatalf("failures = %v", report.Failures)
	}
	tier, err := g.tiers.LoadShort("aya")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(tier["2026-08-28"].Events); n != 1 {
		t.Errorf("events after maintenance = %d, want 1", n)
	}
}

func TestMaintenanceEndpoint(t *testing.T) {
	_, server := testServer(t)

	var out struct {
		Day     string `json:"day"`
		Skipped int    `json:"skipped"`
	}
	resp := postJSON(t, server.URL+"/api/maintenance",
		map[string]string{"date": "2026-08-20"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Day != "2026-08-20" {
		t.Errorf("day = %q", out.Day)
	}
	// No traffic and no tiers: every entity is a clean skip.
	if out.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", out.Skipped)
	}
}

func TestPromptsRoundTrip(t *testing.T) {
	g, server := testServer(t)

	resp := postJSON(t, server.URL+"/api/prompts", map[string]string{
		"character": "aya",
		"key":       "persona",
		"content":   "You are Aya, a gentle violinist.",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	data, err := os.ReadFile(filepath.Join(g.cfg.CharacterDir("aya"), "persona.md"))
	if err != nil || string(data) != "You are Aya, a gentle violinist." {
		t.Errorf("persona file = %q err = %v", data, err)
	}

	var out map[string]string
	getJSON(t, server.URL+"/api/prompts?character=aya", &out)
	if out["persona"] != "You are Aya, a gentle violinist." {
		t.Errorf("persona = %q", out["persona"])
	}
	if !strings.Contains(out["short"], "{") {
		t.Errorf("short tier doc = %q", out["short"])
	}
}

func TestPromptsSaveShortRecalibrates(t *testing.T) {
	g, server := testServer(t)

	// A logged morning message gives the recalibration a real watermark target.
	id, err := g.chatLog.Append("aya", "user", "good morning", "2026-08-28 09:00:00")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.tiers.SaveShort("aya", memory.ShortTier{
		"2026-08-28": {Events: []memory.Event{{Time: "09:00", Text: "old entry"}}, LastID: 99},
	}); err != nil {
		t.Fatal(err)
	}

	edited := `{"2026-08-28": {"events": [{"time": "09:00", "event": "edited entry"}], "last_id": 99}}`
	resp := postJSON(t, server.URL+"/api/prompts", map[string]string{
		"character": "aya",
		"key":       "short",
		"content":   edited,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	tier, err := g.tiers.LoadShort("aya")
	if err != nil {
		t.Fatal(err)
	}
	rec := tier["2026-08-28"]
	if len(rec.Events) != 1 || rec.Events[0].Text != "edited entry" {
		t.Errorf("events = %v", rec.Events)
	}
	if rec.LastID != id {
		t.Errorf("watermark = %d, want recalibrated to %d", rec.LastID, id)
	}
}

func TestPromptsRejectsUnknownKey(t *testing.T) {
	_, server := testServer(t)
	resp := postJSON(t, server.URL+"/api/prompts", map[string]string{
		"character": "aya", "key": "secrets", "content": "x",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestQuickPhrasesRoundTrip(t *testing.T) {
	g, server := testServer(t)

	// No saved file yet: the list is empty, not an error.
	var phrases []string
	resp := getJSON(t, server.URL+"/api/quick_phrases?character=aya", &phrases)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(phrases) != 0 {
		t.Errorf("phrases = %v, want empty", phrases)
	}

	saved := []string{"Good morning!", "How did the rehearsal go?"}
	resp = postJSON(t, server.URL+"/api/quick_phrases", map[string]any{
		"character": "aya",
		"phrases":   saved,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(g.cfg.CharacterDir("aya"), "quick_phrases.json")); err != nil {
		t.Errorf("phrase file: %v", err)
	}

	getJSON(t, server.URL+"/api/quick_phrases?character=aya", &phrases)
	if len(phrases) != 2 || phrases[0] != "Good morning!" {
		t.Errorf("phrases = %v", phrases)
	}
}

func TestUnknownCharacterWithEmptyRegistry(t *testing.T) {
	g, server := testServer(t)
	g.cfg.Characters = map[string]config.Character{}

	resp := getJSON(t, server.URL+"/api/history?character=nobody", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
