package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTierStoreMissingFileIsEmpty(t *testing.T) {
	tiers := NewTierStore(t.TempDir())

	short, err := tiers.LoadShort("aya")
	if err != nil {
		t.Fatalf("LoadShort: %v", err)
	}
	if len(short) != 0 {
		t.Errorf("short = %v, want empty", short)
	}

	medium, err := tiers.LoadMedium("aya")
	if err != nil || len(medium) != 0 {
		t.Errorf("medium = %v err = %v, want empty", medium, err)
	}
	long, err := tiers.LoadLong("aya")
	if err != nil || len(long) != 0 {
		t.Errorf("long = %v err = %v, want empty", long, err)
	}
}

func TestTierStoreRoundTrip(t *testing.T) {
	tiers := NewTierStore(t.TempDir())

	short := ShortTier{"2026-08-27": {
		Events: []Event{{Time: "08:10", Text: "Made pancakes"}},
		LastID: 3,
	}}
	if err := tiers.SaveShort("aya", short); err != nil {
		t.Fatalf("SaveShort: %v", err)
	}

	loaded, err := tiers.LoadShort("aya")
	if err != nil {
		t.Fatalf("LoadShort: %v", err)
	}
	rec := loaded["2026-08-27"]
	if rec.LastID != 3 || len(rec.Events) != 1 || rec.Events[0].Text != "Made pancakes" {
		t.Errorf("round trip lost data: %+v", rec)
	}
}

func TestTierStoreLegacyArrayUpgrade(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "characters", "aya")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	legacy := `{"2026-08-27": [{"time": "08:10", "event": "Made pancakes"}]}`
	if err := os.WriteFile(filepath.Join(dir, "memory_short.json"), []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	tiers := NewTierStore(workspace)
	short, err := tiers.LoadShort("aya")
	if err != nil {
		t.Fatalf("LoadShort: %v", err)
	}
	rec := short["2026-08-27"]
	if rec.LastID != 0 {
		t.Errorf("legacy records imply watermark 0, got %d", rec.LastID)
	}
	if len(rec.Events) != 1 || rec.Events[0].Time != "08:10" {
		t.Errorf("legacy events = %v", rec.Events)
	}
}

func TestTierStoreSaveWritesObjectForm(t *testing.T) {
	workspace := t.TempDir()
	tiers := NewTierStore(workspace)

	short := ShortTier{"2026-08-27": {Events: []Event{{Time: "08:10", Text: "x"}}, LastID: 5}}
	if err := tiers.SaveShort("aya", short); err != nil {
		t.Fatalf("SaveShort: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workspace, "characters", "aya", "memory_short.json"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved file is not the object form: %v\n%s", err, data)
	}
	if _, ok := raw["2026-08-27"]["last_id"]; !ok {
		t.Errorf("saved record carries no last_id:\n%s", data)
	}
}

func TestTierStoreMalformedFileIsAnError(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "characters", "aya")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory_short.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	tiers := NewTierStore(workspace)
	if _, err := tiers.LoadShort("aya"); err == nil {
		t.Fatal("expected an error for malformed data")
	} else if !strings.Contains(err.Error(), "memory_short.json") {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestTierStoreEmptyFileIsEmptyTier(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "characters", "aya")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory_medium.json"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	tiers := NewTierStore(workspace)
	medium, err := tiers.LoadMedium("aya")
	if err != nil || len(medium) != 0 {
		t.Errorf("medium = %v err = %v, want empty", medium, err)
	}
}

func TestTierStoreLeavesNoTempFiles(t *testing.T) {
	workspace := t.TempDir()
	tiers := NewTierStore(workspace)

	if err := tiers.SaveLong("aya", LongTier{"2026-08-Week4": "a week"}); err != nil {
		t.Fatalf("SaveLong: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(workspace, "characters", "aya"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
