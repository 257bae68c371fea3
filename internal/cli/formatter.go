// =============================================================================
// OUTPUT FORMATTING - TABLE, JSON, AND YAML RENDERING
// =============================================================================
//
// WHAT IS THIS?
// Output formatting for bufctl commands. Every command can render its result
// as a human-friendly table (default), or as JSON/YAML for scripting:
//
//   $ bufctl stats                  # aligned table for humans
//   $ bufctl stats -o json | jq     # machine readable
//   $ bufctl stats -o yaml          # machine readable, diff friendly
//
// COMPARISON WITH OTHER CLIs:
//   - kubectl: Supports -o json, yaml, wide, name, custom-columns, jsonpath
//   - aws cli: Supports --output json, text, table, yaml
//   - docker: Mostly tables, --format with Go templates
//   - bufctl: Supports -o table, json, yaml (simple, covers 90% of use cases)
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/ethosengine/elohim-sub011/internal/buffer"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter with the specified format.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// formatJSON outputs data as JSON.
func (f *Formatter) formatJSON(data interface{}) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// formatYAML outputs data as YAML.
func (f *Formatter) formatYAML(data interface{}) error {
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table() *TableWriter {
	return &TableWriter{
		tw:      tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0),
		headers: nil,
	}
}

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw      *tabwriter.Writer
	headers []string
}

// SetHeaders sets the table headers.
func (t *TableWriter) SetHeaders(headers ...string) {
	t.headers = headers
}

// WriteHeaders writes the headers row.
func (t *TableWriter) WriteHeaders() {
	if len(t.headers) == 0 {
		return
	}
	// Convert to uppercase for visual distinction
	upper := make([]string, len(t.headers))
	for i, h := range t.headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// SPECIFIC DATA TYPE FORMATTERS
// =============================================================================

// FormatStats outputs buffer statistics.
func (f *Formatter) FormatStats(resp *StatsResponse) error {
	if f.format == OutputJSON {
		return f.formatJSON(resp)
	}
	if f.format == OutputYAML {
		return f.formatYAML(resp)
	}

	// Table format - key-value overview, then per-lane depths
	fmt.Fprintf(f.writer, "Implementation:  %s\n", resp.Implementation)
	fmt.Fprintf(f.writer, "Total Queued:    %d\n", resp.TotalQueued)
	fmt.Fprintf(f.writer, "In-Flight:       %d batches\n", resp.Stats.InFlightBatches)
	fmt.Fprintf(f.writer, "Backpressure:    %d%%\n", resp.Stats.Backpressure)
	fmt.Fprintln(f.writer)

	fmt.Fprintln(f.writer, "LANES:")
	lanes := f.Table()
	lanes.SetHeaders("LANE", "QUEUED")
	lanes.WriteHeaders()
	lanes.WriteRow("retry", resp.Stats.RetryCount)
	lanes.WriteRow("high", resp.Stats.HighCount)
	lanes.WriteRow("normal", resp.Stats.NormalCount)
	lanes.WriteRow("bulk", resp.Stats.BulkCount)
	if err := lanes.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(f.writer)

	fmt.Fprintln(f.writer, "COUNTERS:")
	counters := f.Table()
	counters.SetHeaders("COUNTER", "TOTAL")
	counters.WriteHeaders()
	counters.WriteRow("batches flushed", resp.Stats.BatchesFlushed)
	counters.WriteRow("ops committed", resp.Stats.OpsCommitted)
	counters.WriteRow("ops failed", resp.Stats.OpsFailed)
	counters.WriteRow("ops deduplicated", resp.Stats.OpsDeduplicated)
	counters.WriteRow("ops rejected", resp.Stats.OpsRejected)
	return counters.Flush()
}

// FormatHealth outputs a health check result.
func (f *Formatter) FormatHealth(resp *HealthResponse) error {
	if f.format == OutputJSON {
		return f.formatJSON(resp)
	}
	if f.format == OutputYAML {
		return f.formatYAML(resp)
	}

	fmt.Fprintf(f.writer, "Status:          %s\n", resp.Status)
	fmt.Fprintf(f.writer, "Implementation:  %s\n", resp.Implementation)
	fmt.Fprintf(f.writer, "Backpressure:    %d%%\n", resp.Backpressure)
	fmt.Fprintf(f.writer, "Timestamp:       %s\n", resp.Timestamp)
	return nil
}

// FormatFlushResult outputs the result of a full flush.
func (f *Formatter) FormatFlushResult(resp *FlushResponse) error {
	if f.format == OutputJSON {
		return f.formatJSON(resp)
	}
	if f.format == OutputYAML {
		return f.formatYAML(resp)
	}

	fmt.Fprintf(f.writer, "Flushed:    %d operations\n", resp.Flushed)
	fmt.Fprintf(f.writer, "Remaining:  %d\n", resp.Remaining)
	fmt.Fprintf(f.writer, "Duration:   %s\n", resp.Duration)
	return nil
}

// FormatDrainedOperations outputs drained operations.
func (f *Formatter) FormatDrainedOperations(ops []buffer.OperationRecord) error {
	if f.format == OutputJSON {
		return f.formatJSON(ops)
	}
	if f.format == OutputYAML {
		return f.formatYAML(ops)
	}

	table := f.Table()
	table.SetHeaders("OP ID", "TYPE", "PRIORITY", "RETRIES", "DEDUP KEY", "QUEUED AT")
	table.WriteHeaders()
	for _, op := range ops {
		table.WriteRow(
			op.OpID,
			string(op.OpType),
			op.Priority.String(),
			op.RetryCount,
			op.DedupKey,
			op.QueuedAt.Format("2006-01-02T15:04:05Z07:00"),
		)
	}
	return table.Flush()
}

// FormatContexts outputs configured contexts, marking the active one.
func (f *Formatter) FormatContexts(config *Config) error {
	if f.format == OutputJSON {
		return f.formatJSON(config)
	}
	if f.format == OutputYAML {
		return f.formatYAML(config)
	}

	table := f.Table()
	table.SetHeaders("CURRENT", "NAME", "SERVER")
	table.WriteHeaders()
	for name, ctx := range config.Contexts {
		marker := ""
		if name == config.CurrentContext {
			marker = "*"
		}
		table.WriteRow(marker, name, ctx.Server)
	}
	return table.Flush()
}
