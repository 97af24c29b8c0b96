// Package reporter renders operator-facing snapshots of the grid and the
// live order book as text tables.
package reporter

import (
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"

	"ibkrbot/internal/core"
)

// GridTable renders the full level set with the cumulative target position
// below each rung.
func GridTable(w io.Writer, levels []core.GridLevel) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "Price", "Size", "Target Below"})
	running := decimal.Zero
	for i, lvl := range levels {
		t.AppendRow(table.Row{i + 1, lvl.Price.String(), lvl.Size.String(), running.String()})
		running = running.Add(lvl.Size)
	}
	t.AppendFooter(table.Row{"", "", "total", running.String()})
	t.Render()
}

// OrdersTable renders the current resting orders.
func OrdersTable(w io.Writer, orders []core.OpenOrder) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Order ID", "Side", "Price", "Qty"})
	for _, ord := range orders {
		t.AppendRow(table.Row{ord.ID, string(ord.Side), ord.Price.String(), ord.Qty.String()})
	}
	t.AppendFooter(table.Row{"", "", "count", strconv.Itoa(len(orders))})
	t.Render()
}

// StatusTable renders a key/value summary, keys in caller order.
func StatusTable(w io.Writer, rows [][2]string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	for _, row := range rows {
		t.AppendRow(table.Row{row[0], row[1]})
	}
	t.Render()
}
