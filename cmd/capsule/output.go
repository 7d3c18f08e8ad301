package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/org/timecapsule/pkg/models"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for --field=key
)

var stdout io.Writer = os.Stdout

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Fprintln(stdout, v)
			}
			return
		}
		for _, k := range sortedKeys(data) {
			fmt.Fprintf(stdout, "%s=%v\n", k, data[k])
		}
	default:
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		for _, k := range sortedKeys(data) {
			fmt.Fprintf(w, "%s\t%v\n", k, data[k])
		}
		w.Flush()
	}
}

type messageRow struct {
	ID       string        `json:"id"`
	Status   models.Status `json:"status"`
	UnlockAt time.Time     `json:"unlock_at"`
	Peer     string        `json:"peer"`
	Name     string        `json:"name,omitempty"`
	Size     int64         `json:"size"`
}

// printMessages lists descriptors with their status at now. peer picks the
// column shown as the other party.
func printMessages(msgs []*models.MessageDescriptor, now time.Time, state *unlockedState, peer func(*models.MessageDescriptor) string) {
	rows := make([]messageRow, 0, len(msgs))
	for _, d := range msgs {
		rows = append(rows, messageRow{
			ID:       d.ID,
			Status:   d.Status(now, state.has(d.ID)),
			UnlockAt: d.UnlockAt,
			Peer:     peer(d),
			Name:     d.Name,
			Size:     d.Size,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UnlockAt.Before(rows[j].UnlockAt) })

	switch outputFormat {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rows) //nolint:errcheck
	case "raw":
		for _, r := range rows {
			fmt.Fprintln(stdout, r.ID)
		}
	default:
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tUNLOCK AT\tPEER\tNAME\tSIZE")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				r.ID, r.Status, r.UnlockAt.Local().Format(time.RFC3339), shortID(r.Peer), r.Name, r.Size)
		}
		w.Flush()
	}
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "…" + id[len(id)-4:]
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}
