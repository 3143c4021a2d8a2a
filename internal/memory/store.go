package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	shortFile  = "memory_short.json"
	mediumFile = "memory_medium.json"
	longFile   = "memory_long.json"
)

// TierStore persists the three memory tiers as JSON documents under each
// entity's character directory. Load reports malformed data as an error; the
// consolidator decides where to substitute an empty tier (fail-open), so the
// policy lives in one place instead of scattered recovers.
type TierStore struct {
	workspace string
}

func NewTierStore(workspace string) *TierStore {
	return &TierStore{workspace: workspace}
}

func (t *TierStore) entityDir(entity string) string {
	return filepath.Join(t.workspace, "characters", entity)
}

func (t *TierStore) tierPath(entity, file string) string {
	return filepath.Join(t.entityDir(entity), file)
}

func (t *TierStore) LoadShort(entity string) (ShortTier, error) {
	tier := ShortTier{}
	if err := t.load(entity, shortFile, &tier); err != nil {
		return ShortTier{}, err
	}
	return tier, nil
}

func (t *TierStore) SaveShort(entity string, tier ShortTier) error {
	return t.save(entity, shortFile, tier)
}

func (t *TierStore) LoadMedium(entity string) (MediumTier, error) {
	tier := MediumTier{}
	if err := t.load(entity, mediumFile, &tier); err != nil {
		return MediumTier{}, err
	}
	return tier, nil
}

func (t *TierStore) SaveMedium(entity string, tier MediumTier) error {
	return t.save(entity, mediumFile, tier)
}

func (t *TierStore) LoadLong(entity string) (LongTier, error) {
	tier := LongTier{}
	if err := t.load(entity, longFile, &tier); err != nil {
		return LongTier{}, err
	}
	return tier, nil
}

func (t *TierStore) SaveLong(entity string, tier LongTier) error {
	return t.save(entity, longFile, tier)
}

func (t *TierStore) load(entity, file string, out any) error {
	data, err := os.ReadFile(t.tierPath(entity, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s for %s: %w", file, entity, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s for %s: %w", file, entity, err)
	}
	return nil
}

// save writes atomically: temp file in the same directory, then rename.
func (t *TierStore) save(entity, file string, tier any) error {
	dir := t.entityDir(entity)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create entity dir: %w", err)
	}

	data, err := json.MarshalIndent(tier, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s for %s: %w", file, entity, err)
	}

	tmp, err := os.CreateTemp(dir, file+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", file, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp %s: %w", file, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp %s: %w", file, err)
	}
	if err := os.Rename(tmpPath, t.tierPath(entity, file)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s for %s: %w", file, entity, err)
	}
	return nil
}
