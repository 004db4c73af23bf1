package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat selects the serialization of an export
type ExportFormat string

// Supported export formats
const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// ExportActivities serializes the activity entries matching filters
func (l *Log) ExportActivities(filters ActivityFilters, format ExportFormat) ([]byte, error) {
	entries := l.QueryActivities(filters)

	switch format {
	case FormatJSON:
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return activitiesCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// ExportTrails serializes the audit trail entries matching filters
func (l *Log) ExportTrails(filters TrailFilters, format ExportFormat) ([]byte, error) {
	entries := l.QueryTrails(filters)

	switch format {
	case FormatJSON:
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return trailsCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func activitiesCSV(entries []ActivityEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "User ID", "Action", "Resource", "Result", "Severity", "Category", "Timestamp"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		record := []string{
			entry.ID,
			entry.UserID,
			entry.Action,
			entry.Resource,
			string(entry.Result),
			string(entry.Severity),
			string(entry.Category),
			entry.Timestamp.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func trailsCSV(entries []TrailEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "User ID", "Action", "Changes Count", "Timestamp", "Reason"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		record := []string{
			entry.ID,
			entry.UserID,
			entry.Action,
			fmt.Sprintf("%d", len(entry.Changes)),
			entry.Timestamp.Format(time.RFC3339),
			entry.Reason,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
