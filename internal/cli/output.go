package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// output writes a command result as JSON or as a formatted text line.
type output struct {
	format string
	w      io.Writer
}

func newOutput(format string, w io.Writer) output {
	return output{format: format, w: w}
}

func (o output) print(data any, textFormat string, args ...any) error {
	if o.format == "json" {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	_, err := fmt.Fprintf(o.w, textFormat, args...)
	return err
}
