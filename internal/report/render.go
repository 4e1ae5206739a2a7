package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderTables prints the summary, protocol and region tables to w.
func RenderTables(w io.Writer, r Report) {
	s := r.Summary

	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleLight)
	summary.SetTitle("Verification summary")
	summary.AppendRows([]table.Row{
		{"Test location", s.TestLocation},
		{"Test time", s.TestTime},
		{"Workers", s.ThreadCount},
		{"Timeout", fmt.Sprintf("%gs", s.Timeout)},
		{"Total resources", s.TotalResources},
		{"Success", fmt.Sprintf("%d (%.2f%%)", s.Success, s.SuccessRate)},
		{"Failed", s.Failed},
		{"Avg response time", fmt.Sprintf("%.3fs", s.AvgResponseTime)},
	})
	summary.Render()

	renderStats(w, "By protocol", "Protocol", r.ProtocolStats)
	renderStats(w, "By region", "Region", r.RegionStats)
}

func renderStats(w io.Writer, title, label string, stats map[string]Stats) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	// Largest buckets first, then by name.
	sort.Slice(keys, func(i, j int) bool {
		a, b := stats[keys[i]], stats[keys[j]]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return keys[i] < keys[j]
	})

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	t.AppendHeader(table.Row{label, "Total", "Success", "Failed", "Success rate"})
	for _, k := range keys {
		st := stats[k]
		t.AppendRow(table.Row{k, st.Total, st.Success, st.Failed, fmt.Sprintf("%.2f%%", st.SuccessRate())})
	}
	t.Render()
}
