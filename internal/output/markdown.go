package output

import (
	"fmt"
	"strings"

	"github.com/pacerhq/pacer/internal/core"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatBurst renders a burst report as Markdown.
func (f *MarkdownFormatter) FormatBurst(report *core.BurstReport) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Burst `%s` against %s\n\n",
		escapeMarkdownCell(report.Method), escapeMarkdownCell(report.Endpoint)))
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	for _, row := range burstRows(report) {
		sb.WriteString(fmt.Sprintf("| %s | %s |\n", escapeMarkdownCell(row[0]), escapeMarkdownCell(row[1])))
	}
	sb.WriteString(fmt.Sprintf("\n**Result**: %d/%d succeeded\n", report.Succeeded, report.Total))
	return sb.String(), nil
}

// FormatStates renders limiter snapshots as Markdown.
func (f *MarkdownFormatter) FormatStates(states []*core.RateLimitState) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Endpoint | Mode | Remaining | Limit | Reset | Behind | Dispatched |\n")
	sb.WriteString("|----------|------|-----------|-------|-------|--------|------------|\n")
	for _, s := range states {
		if s == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %d | %d |\n",
			escapeMarkdownCell(s.Endpoint),
			stateMode(s),
			optionalInt(s.Remaining),
			optionalInt(s.Limit),
			optionalTime(s.ResetAt),
			s.Behind,
			s.Dispatched,
		))
	}
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
