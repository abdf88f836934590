package reporter

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ppiankov/kafkarelay/internal/catalog"
)

// Reporter renders a topic catalog.
type Reporter interface {
	Generate(ctx context.Context, cat *catalog.Catalog) error
}

// New returns the reporter for format ("text" or "json").
func New(format string, w io.Writer, color bool) (Reporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return NewTextReporter(w, color), nil
	case "json":
		return NewJSONReporter(w, true), nil
	default:
		return nil, fmt.Errorf("unsupported output format %q (expected text or json)", format)
	}
}
