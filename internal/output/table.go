package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/pacerhq/pacer/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatBurst renders a burst report as a two-column table.
func (f *TableFormatter) FormatBurst(report *core.BurstReport) (string, error) {
	if report == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Burst %s → %s", report.Method, report.Endpoint))

	for _, row := range burstRows(report) {
		t.AppendRow(table.Row{row[0], row[1]})
	}

	t.AppendFooter(table.Row{
		"Result",
		fmt.Sprintf("%d/%d succeeded", report.Succeeded, report.Total),
	})

	return t.Render(), nil
}

// FormatStates renders one row per endpoint.
func (f *TableFormatter) FormatStates(states []*core.RateLimitState) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "Mode", "Remaining", "Limit", "Reset", "Behind", "Dispatched"})

	for _, s := range states {
		if s == nil {
			continue
		}
		t.AppendRow(table.Row{
			s.Endpoint,
			stateMode(s),
			optionalInt(s.Remaining),
			optionalInt(s.Limit),
			optionalTime(s.ResetAt),
			s.Behind,
			s.Dispatched,
		})
	}

	if len(states) == 0 {
		t.AppendRow(table.Row{"(no stored rate limit state)", "", "", "", "", "", ""})
	}

	return t.Render(), nil
}

// burstRows is shared by the table and markdown renderers.
func burstRows(report *core.BurstReport) [][2]string {
	rows := [][2]string{
		{"Calls", fmt.Sprintf("%d", report.Total)},
		{"Succeeded", fmt.Sprintf("%d", report.Succeeded)},
		{"Failed", fmt.Sprintf("%d", report.Failed)},
	}
	if report.Abandoned > 0 {
		rows = append(rows, [2]string{"Abandoned", fmt.Sprintf("%d", report.Abandoned)})
	}
	rows = append(rows,
		[2]string{"Statuses", statusSummary(report.StatusCounts)},
		[2]string{"Duration", roundDuration(report.Duration)},
		[2]string{"Average rate", fmt.Sprintf("%.2f/s", report.AverageRate)},
		[2]string{"Peak second", fmt.Sprintf("%d", report.PeakPerSecond)},
	)
	if s := report.Limiter; s != nil {
		rows = append(rows,
			[2]string{"Quota source", stateMode(s)},
			[2]string{"Remaining", optionalInt(s.Remaining)},
			[2]string{"Reset", optionalTime(s.ResetAt)},
		)
	}
	return rows
}

func stateMode(s *core.RateLimitState) string {
	mode := s.Mode()
	if s.RetryActive {
		mode += " (retry)"
	}
	return mode
}
