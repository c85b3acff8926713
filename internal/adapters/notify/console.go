package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/overunder/internal/application/settlement"
	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyResolution imprime el resultado de un pool y su batch de liquidación.
func (c *Console) NotifyResolution(_ context.Context, p domain.Pool, settlements []domain.Settlement) error {
	sum := settlement.Summarize(settlements)

	winner := "-"
	var retPct, linePct float64
	if p.Result != nil {
		winner = string(p.Result.Winner)
		retPct, linePct = p.Result.RetPct, p.Result.LinePct
	}

	fmt.Fprintf(c.out, "[%s] %s %s %s → %s (ret %+.4f%% vs line %+.2f%%) stakes:%d paid:%s retained:%s\n",
		time.Now().Format("15:04:05"), shortID(p.ID), p.AssetSymbol, p.Duration,
		winner, retPct, linePct, sum.Records,
		sum.TotalPaid.StringFixed(2), sum.PlatformRetained.StringFixed(8),
	)

	if !c.table || len(settlements) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "User", "Side", "Stake", "Payout", "Fee pot", "P&L")
	for i, s := range settlements {
		table.Append(
			fmt.Sprintf("%d", i+1),
			truncate(s.UserID, 16),
			string(s.Side),
			s.Stake.StringFixed(2),
			s.Payout.StringFixed(8),
			s.FeeApplied.StringFixed(4),
			s.Payout.Sub(s.Stake).StringFixed(4),
		)
	}
	table.Render()
	return nil
}

// PrintSnapshot imprime un snapshot del oráculo con todas sus muestras.
func (c *Console) PrintSnapshot(snap domain.PriceSnapshot) {
	fmt.Fprintf(c.out, "\n[%s] %s = %s (%d/%d sources)\n",
		snap.TakenAt.Format("15:04:05"), snap.Asset, formatPrice(snap.Price),
		len(snap.UsedSources()), len(snap.Samples))

	table := tablewriter.NewWriter(c.out)
	table.Header("Source", "Price", "Status", "Observed")
	for _, s := range snap.Samples {
		price := "-"
		if s.Price != nil {
			price = formatPrice(*s.Price)
		}
		table.Append(s.Source, price, sampleStatus(s), s.ObservedAt.Format("15:04:05.000"))
	}
	table.Render()
}

// PrintPools imprime la lista de pools.
func (c *Console) PrintPools(cards []domain.PoolCard, total int) {
	if len(cards) == 0 {
		fmt.Fprintf(c.out, "[%s] no pools found\n", time.Now().Format("15:04:05"))
		return
	}

	fmt.Fprintf(c.out, "\n%d of %d pools\n", len(cards), total)
	table := tablewriter.NewWriter(c.out)
	table.Header("Pool", "Asset", "Dur", "Status", "Line", "Conf", "Over", "Under", "Lock", "Resolve")
	for _, card := range cards {
		table.Append(
			shortID(card.ID),
			card.AssetSymbol,
			string(card.Duration),
			string(card.Status),
			fmt.Sprintf("%+.2f%%", card.LinePct),
			fmt.Sprintf("%.0f%%", card.ConfidencePct),
			fmt.Sprintf("%.1f%%", card.OverPct),
			fmt.Sprintf("%.1f%%", card.UnderPct),
			card.LockAt.Format("01-02 15:04"),
			card.ResolveAt.Format("01-02 15:04"),
		)
	}
	table.Render()
}

// PrintPositions imprime el resumen de posiciones de un usuario.
func (c *Console) PrintPositions(pos domain.Positions) {
	s := pos.Summary
	fmt.Fprintf(c.out, "\n=== %s: %d active, %d resolved ===\n", pos.UserID, s.ActivePositions, s.ResolvedPositions)
	fmt.Fprintf(c.out, "  Staked (open): %s\n", s.TotalStaked.StringFixed(2))
	fmt.Fprintf(c.out, "  Payouts:       %s\n", s.TotalPayouts.StringFixed(8))
	fmt.Fprintf(c.out, "  Net P&L:       %s\n", s.NetProfit.StringFixed(8))
}

func sampleStatus(s domain.PriceSample) string {
	switch {
	case !s.OK:
		if s.Err == "" {
			return "FAILED"
		}
		return "FAILED: " + truncate(s.Err, 30)
	case s.Outlier:
		return "OUTLIER"
	}
	return "OK"
}

// formatPrice usa más decimales para precios pequeños (memecoins).
func formatPrice(p float64) string {
	switch {
	case p >= 1:
		return fmt.Sprintf("%.4f", p)
	case p >= 0.0001:
		return fmt.Sprintf("%.6f", p)
	}
	return fmt.Sprintf("%.10f", p)
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "pool_")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
