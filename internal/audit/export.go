package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"
)

var csvHeader = []string{"id", "created_at", "event_type", "severity", "action", "user_id", "ip_address", "user_agent", "description", "details"}

// ExportCSV writes events as CSV with a header row.
func ExportCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range events {
		details := ""
		if len(e.Details) > 0 {
			raw, err := json.Marshal(e.Details)
			if err != nil {
				return err
			}
			details = string(raw)
		}
		record := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Type),
			string(e.Severity),
			e.Action,
			e.UserID,
			e.IPAddress,
			e.UserAgent,
			e.Description,
			details,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
