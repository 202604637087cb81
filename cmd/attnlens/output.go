package main

import (
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnlens/internal/attn"
)

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// emit prints v as JSON under --json and calls render otherwise.
func emit(cmd *cli.Command, v any, render func(w io.Writer)) error {
	w := stdout(cmd)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	render(w)
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	return table
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func fmtFloats(v []float64) []string {
	out := make([]string, len(v))
	for i, f := range v {
		out[i] = fmtFloat(f)
	}
	return out
}

// renderGrid prints g as a side x side table with row and column indices.
func renderGrid(w io.Writer, title string, g attn.Grid) {
	header := make([]string, g.Side+1)
	header[0] = title
	for c := 0; c < g.Side; c++ {
		header[c+1] = strconv.Itoa(c)
	}
	table := newTable(w, header...)
	for r, row := range g.Rows() {
		table.Append(append([]string{strconv.Itoa(r)}, fmtFloats(row)...))
	}
	table.Render()
}

// renderMatrix prints a [layer][head] matrix.
func renderMatrix(w io.Writer, m [][]float64) {
	if len(m) == 0 {
		return
	}
	header := make([]string, len(m[0])+1)
	header[0] = "LAYER"
	for h := range m[0] {
		header[h+1] = "H" + strconv.Itoa(h)
	}
	table := newTable(w, header...)
	for l, row := range m {
		table.Append(append([]string{strconv.Itoa(l)}, fmtFloats(row)...))
	}
	table.Render()
}

func renderWords(w io.Writer, words []attn.WordRelevancy) {
	table := newTable(w, "WORD", "RELEVANCY")
	for _, word := range words {
		table.Append([]string{word.Display(), fmtFloat(word.Relevancy)})
	}
	table.Render()
}
