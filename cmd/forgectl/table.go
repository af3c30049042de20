package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column は表の1列です。numeric な列は本文とフッターを右寄せにします。
type column struct {
	title   string
	numeric bool
}

func textColumn(title string) column { return column{title: title} }

func numberColumn(title string) column { return column{title: title, numeric: true} }

// tableView は forgectl の一覧表示に使う表です。見出しとフッターは大文字化しません。
type tableView struct {
	columns []column
	title   string
	rows    []table.Row
	footer  table.Row
}

func newTableView(columns ...column) *tableView {
	return &tableView{columns: columns}
}

func (v *tableView) withTitle(title string) *tableView {
	v.title = title
	return v
}

// add は1行を追加します。列数に足りないセルは空欄、余分なセルは捨てます。
func (v *tableView) add(cells ...string) {
	v.rows = append(v.rows, v.fit(cells))
}

func (v *tableView) total(cells ...string) {
	v.footer = v.fit(cells)
}

func (v *tableView) fit(cells []string) table.Row {
	row := make(table.Row, len(v.columns))
	for i := range row {
		row[i] = ""
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	return row
}

// writeTo は表を w に書き出します。列が1つもなければ何も書きません。
func (v *tableView) writeTo(w io.Writer) {
	if len(v.columns) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Format.Footer = text.FormatDefault
	if v.title != "" {
		tw.SetTitle(v.title)
	}

	header := make(table.Row, len(v.columns))
	configs := make([]table.ColumnConfig, len(v.columns))
	for i, c := range v.columns {
		header[i] = c.title
		configs[i] = table.ColumnConfig{Number: i + 1, AlignHeader: text.AlignLeft}
		if c.numeric {
			configs[i].Align = text.AlignRight
			configs[i].AlignFooter = text.AlignRight
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)
	tw.AppendRows(v.rows)
	if v.footer != nil {
		tw.AppendFooter(v.footer)
	}
	fmt.Fprintln(w, tw.Render())
}
