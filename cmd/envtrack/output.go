package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"envtrack/internal/envelope"
)

// writeJSON prints v for --json mode. Envelopes, events and transition
// results keep their API field names so scripts can share decoders.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatStatusList joins statuses for the show view; a status with no
// outgoing moves prints as "-".
func formatStatusList(statuses []envelope.Status) string {
	if len(statuses) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, string(status))
	}
	return strings.Join(parts, ", ")
}

// holderChange renders a history row's holder column as "from -> to".
func holderChange(from, to string) string {
	switch {
	case from == "" || from == to:
		return to
	case to == "":
		return from
	default:
		return from + " -> " + to
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
