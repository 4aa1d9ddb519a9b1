package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"envtrack/internal/envelope"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func statusColors(status envelope.Status) text.Colors {
	switch status {
	case envelope.StatusInProduction:
		return text.Colors{text.FgGreen}
	case envelope.StatusIssued:
		return text.Colors{text.FgCyan}
	case envelope.StatusOnReturnCart:
		return text.Colors{text.FgYellow}
	default:
		return nil
	}
}

func formatStatus(status envelope.Status, colorize bool) string {
	colors := statusColors(status)
	if !colorize || len(colors) == 0 {
		return string(status)
	}
	return colors.Sprint(string(status))
}
