package report

import (
	"fmt"
	"strings"

	"crypto-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Status is the input of one rendered status report.
type Status struct {
	Symbol    string
	State     string
	LastPrice decimal.Decimal
	Orders    []models.Order
	Balances  []models.Balance
	Surplus   models.Surplus
	Trailing  []models.TrailingStop
}

// Render formats the status as text tables, suitable for the log and the
// notification channel.
func Render(s Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  state=%s  price=%s\n", s.Symbol, s.State, s.LastPrice)

	ladder := table.NewWriter()
	ladder.SetStyle(table.StyleLight)
	ladder.AppendHeader(table.Row{"Side", "Price", "Volume", "Filled", "Status"})
	for _, o := range s.Orders {
		ladder.AppendRow(table.Row{o.Side, o.Price, o.Volume, o.FilledVolume, o.Status})
	}
	b.WriteString(ladder.Render())
	b.WriteByte('\n')

	bal := table.NewWriter()
	bal.SetStyle(table.StyleLight)
	bal.AppendHeader(table.Row{"Asset", "Total", "Available"})
	for _, bl := range s.Balances {
		bal.AppendRow(table.Row{bl.Asset, bl.Total, bl.Available})
	}
	b.WriteString(bal.Render())
	b.WriteByte('\n')

	if s.Surplus.Volume.Sign() > 0 {
		fmt.Fprintf(&b, "surplus: %s %s (cost %s, max price %s)\n",
			s.Surplus.Volume, s.Surplus.Asset, s.Surplus.Cost, s.Surplus.MaxPrice)
	}
	if len(s.Trailing) > 0 {
		tsp := table.NewWriter()
		tsp.SetStyle(table.StyleLight)
		tsp.AppendHeader(table.Row{"Buy Order", "Buy Price", "Phase", "Stop"})
		for _, ts := range s.Trailing {
			tsp.AppendRow(table.Row{ts.BuyOrderID, ts.BuyPrice, ts.Phase, ts.StopPrice})
		}
		b.WriteString(tsp.Render())
		b.WriteByte('\n')
	}
	return b.String()
}
