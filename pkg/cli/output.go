package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Format selects how command results are rendered.
type Format string

const (
	// FormatText renders via the value's String method or %v.
	FormatText Format = "text"
	// FormatJSON renders indented JSON.
	FormatJSON Format = "json"
)

// Formatter renders a command result to a writer.
type Formatter interface {
	FormatTo(w io.Writer, data any) error
}

// TextFormatter prints values the way fmt would.
type TextFormatter struct{}

func (TextFormatter) FormatTo(w io.Writer, data any) error {
	_, err := fmt.Fprintf(w, "%v\n", data)
	return err
}

// JSONFormatter prints indented JSON, one document per call.
type JSONFormatter struct{}

func (JSONFormatter) FormatTo(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// NewFormatter returns the formatter for a format name. Unknown names
// are an error so a typo in --output fails loudly.
func NewFormatter(format Format) (Formatter, error) {
	switch format {
	case FormatText, "":
		return TextFormatter{}, nil
	case FormatJSON:
		return JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}
