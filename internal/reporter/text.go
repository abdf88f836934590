package reporter

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/ppiankov/kafkarelay/internal/catalog"
)

// TextReporter generates human-readable text reports
type TextReporter struct {
	writer io.Writer
	color  bool
}

// NewTextReporter creates a new text reporter
func NewTextReporter(w io.Writer, color bool) *TextReporter {
	return &TextReporter{
		writer: w,
		color:  color,
	}
}

// Generate prints the catalog as a table in listing order.
func (r *TextReporter) Generate(ctx context.Context, cat *catalog.Catalog) error {
	var writeErr error
	writef := func(w io.Writer, format string, args ...any) {
		if writeErr != nil {
			return
		}
		_, writeErr = fmt.Fprintf(w, format, args...)
	}

	failed := 0
	for _, topic := range cat.Topics {
		if topic.Failed() {
			failed++
		}
	}

	writef(r.writer, "Kafka Topic Catalog\n")
	writef(r.writer, "===================\n\n")
	writef(r.writer, "Topics: %d total", cat.TotalTopics)
	if failed > 0 {
		writef(r.writer, " (%d unavailable)", failed)
	}
	writef(r.writer, "\n\n")

	if len(cat.Topics) == 0 {
		writef(r.writer, "No topics found.\n")
		return writeErr
	}

	ok := r.paint(color.FgGreen)
	bad := r.paint(color.FgRed)

	rows := make([][]string, 0, len(cat.Topics))
	for _, topic := range cat.Topics {
		status := ok.Sprint("ok")
		if topic.Failed() {
			status = bad.Sprint(topic.Error)
		}
		rows = append(rows, []string{
			topic.Name,
			topic.Partitions.String(),
			topic.ReplicationFactor.String(),
			topic.ConsumerGroups.String(),
			status,
		})
	}

	cell := lipgloss.NewStyle().PaddingRight(2)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		StyleFunc(func(row, col int) lipgloss.Style { return cell }).
		Headers("NAME", "PARTITIONS", "REPLICATION", "CONSUMER GROUPS", "STATUS").
		Rows(rows...)

	writef(r.writer, "%s\n", t.String())
	return writeErr
}

func (r *TextReporter) paint(attr color.Attribute) *color.Color {
	c := color.New(attr)
	if r.color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}
