package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/simreg/regq/internal/registrations/domain"
)

// maxNameWidth truncates long names in the record table.
const maxNameWidth = 28

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)

	statusStyles = map[string]lipgloss.Style{
		string(domain.StatusPending):           lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		string(domain.StatusInProgress):        lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		string(domain.StatusCompleted):         lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		string(domain.StatusAlreadyRegistered): lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		string(domain.StatusFailed):            lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		string(domain.StatusCancelled):         lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatJSON writes any value as indented JSON
func (f *Formatter) FormatJSON(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatRecords renders records as an aligned table.
func (f *Formatter) FormatRecords(records []RecordDTO) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(f.writer, dimStyle.Render("no records"))
		return err
	}

	headers := []string{"ID", "PHONE", "NAME", "CNE", "STATUS", "STEPS", "ERROR"}
	rows := make([][]string, len(records))
	for i, r := range records {
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = *r.ErrorMessage
		}
		rows[i] = []string{
			fmt.Sprint(r.ID),
			r.PhoneNumber,
			runewidth.Truncate(r.FullName, maxNameWidth, "…"),
			r.Cne,
			r.Status,
			steps(r),
			errMsg,
		}
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	var b strings.Builder
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerStyle.Render(runewidth.FillRight(h, widths[i]))
	}
	b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
	b.WriteByte('\n')
	for _, row := range rows {
		for i, cell := range row {
			padded := runewidth.FillRight(cell, widths[i])
			if i == 4 {
				padded = statusStyle(cell).Render(padded)
			}
			cells[i] = padded
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(f.writer, b.String())
	return err
}

// FormatRecord renders one record as a field list.
func (f *Formatter) FormatRecord(r RecordDTO) error {
	fields := [][2]string{
		{"ID", fmt.Sprint(r.ID)},
		{"Phone", r.PhoneNumber},
		{"PUK", r.PukLastFour},
		{"Name", r.FullName},
		{"CNE", r.Cne},
		{"Status", statusStyle(r.Status).Render(r.Status)},
		{"Steps", steps(r)},
		{"Attempts", fmt.Sprint(r.Attempts)},
		{"Updated", r.Timestamp.Format("2006-01-02 15:04:05")},
	}
	if r.ErrorMessage != nil {
		fields = append(fields, [2]string{"Error", *r.ErrorMessage})
	}
	var b strings.Builder
	for _, kv := range fields {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(runewidth.FillRight(kv[0]+":", 10)), kv[1])
	}
	_, err := io.WriteString(f.writer, b.String())
	return err
}

// FormatStats renders the queue summary.
func (f *Formatter) FormatStats(s StatsDTO) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\n", headerStyle.Render("Total:    "), s.Total)
	fmt.Fprintf(&b, "%s %d\n", headerStyle.Render("Remaining:"), s.Remaining)
	fmt.Fprintf(&b, "%s %d\n", headerStyle.Render("Passed:   "), s.Passed)
	fmt.Fprintf(&b, "%s %d\n", headerStyle.Render("Failed:   "), s.Failed)
	fmt.Fprintf(&b, "%s %d\n", headerStyle.Render("Skipped:  "), s.Skipped)
	for _, status := range domain.AllStatuses() {
		name := string(status)
		fmt.Fprintf(&b, "  %s %d\n", statusStyle(name).Render(runewidth.FillRight(name, 20)), s.ByStatus[name])
	}
	_, err := io.WriteString(f.writer, b.String())
	return err
}

func statusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// steps shows the sub-step flags as U N C, with '-' for pending ones.
func steps(r RecordDTO) string {
	flag := func(done bool, c string) string {
		if done {
			return c
		}
		return "-"
	}
	return flag(r.UssdExecuted, "U") + flag(r.NameFilled, "N") + flag(r.CneFilled, "C")
}
