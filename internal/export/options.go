// Package export flattens nested experiment session records into wide-format
// tables for statistical analysis.
//
// The engine is a pure read-side transform: it consumes already-loaded
// session snapshots, a flow definition, and a message source, and produces
// CSV text (optionally BOM-prefixed), a numeric codebook, and optionally a
// ZIP bundle of both. It holds no state between calls.
package export

import "log/slog"

// MissingValueStyle selects the token written for absent cell values.
type MissingValueStyle string

const (
	// MissingBlank writes an empty cell for absent values.
	MissingBlank MissingValueStyle = "blank"
	// MissingNA writes "NA" for absent values (R convention).
	MissingNA MissingValueStyle = "NA"
	// MissingDot writes "." for absent values (SPSS/Stata convention).
	MissingDot MissingValueStyle = "dot"
)

// Token returns the literal placeholder for this style.
func (s MissingValueStyle) Token() string {
	switch s {
	case MissingNA:
		return "NA"
	case MissingDot:
		return "."
	default:
		return ""
	}
}

// ParseMissingValueStyle maps a request parameter to a style. Unknown values
// fall back to blank rather than failing the export.
func ParseMissingValueStyle(v string) MissingValueStyle {
	switch v {
	case "blank", "":
		return MissingBlank
	case "NA", "na":
		return MissingNA
	case "dot", ".":
		return MissingDot
	default:
		slog.Warn("ParseMissingValueStyle: unknown style, using blank", "value", v)
		return MissingBlank
	}
}

// Options controls wide-format export behavior.
type Options struct {
	// ExcelFormat prefixes CSV output with a UTF-8 BOM so spreadsheet
	// applications detect the encoding.
	ExcelFormat bool
	// MissingValueStyle selects the placeholder for absent values.
	MissingValueStyle MissingValueStyle
	// Coded replaces categorical labels with integer codes from the
	// codebook. Unmapped labels pass through unchanged.
	Coded bool
}

// utf8BOM is prepended to CSV output when ExcelFormat is requested.
const utf8BOM = "\uFEFF"
