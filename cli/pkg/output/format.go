package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Format selects how a command prints its result
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	// FormatYAML renders the JSON document as YAML, keyed by json tags
	FormatYAML Format = "yaml"
)

var formats = []Format{FormatText, FormatJSON, FormatYAML}

// Formatter writes command results to stdout, or to the writer set with
// SetWriter.
type Formatter struct {
	format Format
	writer io.Writer
}

func New(format Format) *Formatter {
	return &Formatter{format: format, writer: os.Stdout}
}

func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// Writer is where text renderers print
func (f *Formatter) Writer() io.Writer {
	return f.writer
}

// Output encodes data in the structured formats. In text mode commands
// render their own tables; Output only prints data with %v.
func (f *Formatter) Output(data any) error {
	switch f.format {
	case FormatJSON:
		enc := json.NewEncoder(f.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		return writeYAML(f.writer, data)
	case FormatText:
		_, err := fmt.Fprintf(f.writer, "%v\n", data)
		return err
	}
	return fmt.Errorf("unsupported output format: %s", f.format)
}

// writeYAML round-trips through JSON so the API types keep their json names
func writeYAML(w io.Writer, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func (f *Formatter) IsJSON() bool {
	return f.format == FormatJSON
}

// IsStructured is true for JSON and YAML
func (f *Formatter) IsStructured() bool {
	return f.format == FormatJSON || f.format == FormatYAML
}

func (f *Formatter) IsText() bool {
	return f.format == FormatText
}

// AddFormatFlag registers -o/--output on cmd
func AddFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(FormatText), "Output format (text|json|yaml)")
}

// GetFormatFromCmd reads --output. Unknown values are an error.
func GetFormatFromCmd(cmd *cobra.Command) (Format, error) {
	value, err := cmd.Flags().GetString("output")
	if err != nil {
		return FormatText, err
	}

	for _, format := range formats {
		if Format(value) == format {
			return format, nil
		}
	}
	return FormatText, fmt.Errorf("invalid output format: %s (must be 'text', 'json' or 'yaml')", value)
}
