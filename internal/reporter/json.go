package reporter

import (
	"context"
	"encoding/json"
	"io"

	"github.com/ppiankov/kafkarelay/internal/catalog"
)

// JSONReporter generates JSON reports
type JSONReporter struct {
	writer io.Writer
	pretty bool
}

// NewJSONReporter creates a new JSON reporter
func NewJSONReporter(w io.Writer, pretty bool) *JSONReporter {
	return &JSONReporter{
		writer: w,
		pretty: pretty,
	}
}

// Generate writes the catalog in the same shape the HTTP API returns.
func (r *JSONReporter) Generate(ctx context.Context, cat *catalog.Catalog) error {
	var output []byte
	var err error

	if r.pretty {
		output, err = json.MarshalIndent(cat, "", "  ")
	} else {
		output, err = json.Marshal(cat)
	}

	if err != nil {
		return err
	}

	_, err = r.writer.Write(output)
	if err != nil {
		return err
	}

	// Add newline at the end
	_, err = r.writer.Write([]byte("\n"))
	return err
}
