package memory

import "encoding/json"

// Event is one extracted atomic happening within a day.
type Event struct {
	Time string `json:"time"`
	Text string `json:"event"`
}

// DayRecord is a day's short-term state: the extracted events plus the
// watermark (highest chat-log id already folded into Events). LastID 0 means
// no messages have been processed for that day.
type DayRecord struct {
	Events []Event `json:"events"`
	LastID int64   `json:"last_id"`
}

// UnmarshalJSON accepts both the current object form and the legacy bare
// event array (implied last_id 0). The upgrade happens only here, at the
// persistence boundary.
func (d *DayRecord) UnmarshalJSON(data []byte) error {
	var legacy []Event
	if err := json.Unmarshal(data, &legacy); err == nil {
		d.Events = legacy
		d.LastID = 0
		return nil
	}

	type dayRecord DayRecord
	var rec dayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*d = DayRecord(rec)
	return nil
}

// ShortTier maps "YYYY-MM-DD" to that day's record.
type ShortTier map[string]DayRecord

// MediumTier maps "YYYY-MM-DD" to a one-day narrative.
type MediumTier map[string]string

// LongTier maps "YYYY-MM-WeekN" to a one-week narrative.
type LongTier map[string]string
