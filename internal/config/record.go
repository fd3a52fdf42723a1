package config

import (
	"maps"

	"github.com/kozaktomas/doorbell/internal/vecio"
)

// ReadRecord reads the JSON config record. A missing file yields an empty record.
func ReadRecord(path string) (map[string]any, error) {
	record := map[string]any{}
	if _, err := vecio.ReadJSON(path, &record); err != nil {
		return map[string]any{}, err
	}
	if record == nil {
		record = map[string]any{}
	}
	return record, nil
}

// MergeRecord sets values in the JSON config record and atomically replaces
// the file. Keys not in values are preserved; an unreadable record is
// replaced by values alone.
func MergeRecord(path string, values map[string]any) error {
	record, err := ReadRecord(path)
	if err != nil {
		record = map[string]any{}
	}
	maps.Copy(record, values)
	return vecio.WriteJSON(path, record)
}
