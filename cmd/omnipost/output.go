package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

type printer struct {
	format string
	w      io.Writer
}

// print writes v as indented JSON, or calls text for the text format.
func (p *printer) print(v any, text func(w io.Writer) error) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(p.w)
}

// table writes tab-separated rows aligned into columns.
func table(w io.Writer, header []any, rows [][]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, row := range append([][]any{header}, rows...) {
		for i, cell := range row {
			sep := "\t"
			if i == len(row)-1 {
				sep = "\n"
			}
			if _, err := fmt.Fprintf(tw, "%v%s", cell, sep); err != nil {
				return err
			}
		}
	}
	return tw.Flush()
}
