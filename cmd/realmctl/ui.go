package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"realmecon/internal/cli"
	"realmecon/internal/econ"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

// parseCoins reads a positive coin amount such as "12.5" into micros.
func parseCoins(s string) (int64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return econ.CoinsToMicros(v), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func renderAccount(a econ.Account) {
	accent.Printf("\n== ACCOUNT %s ==\n", a.Owner)
	polity := a.PolityID
	if polity == "" {
		polity = "-"
	}
	fmt.Printf("Citizenship: %s\n", polity)
	fmt.Printf("Balance:     %s\n", formatMicros(a.BalanceMicros))
	fmt.Printf("Savings:     %s\n", formatMicros(a.SavingsMicros))
	fmt.Printf("Earned:      %s\n", formatMicros(a.EarnedMicros))
	fmt.Printf("Spent:       %s\n", formatMicros(a.SpentMicros))
	if a.Archived {
		printWarn("Archived")
	}
	fmt.Println()
}

func renderTransactions(txs []econ.Transaction, viewer econ.Party) {
	accent.Printf("\n== TRANSACTIONS %s ==\n", viewer)
	if len(txs) == 0 {
		printInfo("No transactions yet.")
		return
	}
	fmt.Printf("%-20s %-12s %-24s %-24s %14s %10s  %s\n", "WHEN", "KIND", "FROM", "TO", "AMOUNT", "FEE", "REASON")
	for _, tx := range txs {
		amount := tx.AmountMicros
		if tx.Sender != nil && *tx.Sender == viewer {
			amount = -amount
		}
		fmt.Printf("%-20s %-12s %-24s %-24s %14s %10s  %s\n",
			tx.CreatedAt.Local().Format(time.DateTime),
			tx.Kind,
			truncate(partyLabel(tx.Sender), 24),
			truncate(partyLabel(tx.Receiver), 24),
			colorizeMicros(amount),
			formatMicros(tx.FeeMicros),
			truncate(tx.Reason, 40),
		)
	}
	fmt.Println()
}

func partyLabel(p *econ.Party) string {
	if p == nil {
		return "(mint)"
	}
	return p.String()
}

func renderItems(items []econ.MarketItem) {
	accent.Println("\n== MARKET ==")
	if len(items) == 0 {
		printInfo("No items listed.")
		return
	}
	fmt.Printf("%-16s %-12s %-22s %12s %12s %8s %8s\n", "ITEM", "CATEGORY", "NAME", "PRICE", "BASE", "SUPPLY", "DEMAND")
	for _, it := range items {
		fmt.Printf("%-16s %-12s %-22s %12s %12s %8d %8d\n",
			it.Key,
			it.Category,
			truncate(it.DisplayName, 22),
			formatMicros(it.CurrentPriceMicros),
			formatMicros(it.BasePriceMicros),
			it.Supply,
			it.Demand,
		)
	}
	fmt.Println()
}

func renderQuote(q cli.Quote) {
	accent.Printf("\n== QUOTE %s x%d ==\n", q.Item, q.Quantity)
	fmt.Printf("Buy:  %s\n", formatMicros(q.BuyMicros))
	fmt.Printf("Sell: %s\n\n", formatMicros(q.SellMicros))
}

func renderOrders(orders []econ.Order) {
	accent.Println("\n== ORDERS ==")
	if len(orders) == 0 {
		printInfo("No orders.")
		return
	}
	fmt.Printf("%-6s %-16s %-16s %-5s %10s %10s %12s %-10s %s\n", "ID", "OWNER", "ITEM", "SIDE", "QTY", "FILLED", "LIMIT", "STATUS", "EXPIRES")
	for _, o := range orders {
		fmt.Printf("%-6d %-16s %-16s %-5s %10d %10d %12s %-10s %s\n",
			o.ID,
			truncate(o.Owner, 16),
			o.ItemKey,
			o.Side,
			o.Quantity,
			o.FilledQuantity,
			formatMicros(o.LimitPriceMicros),
			colorizeStatus(o.Status),
			o.ExpiresAt.Local().Format(time.DateTime),
		)
	}
	fmt.Println()
}

func colorizeStatus(s econ.OrderStatus) string {
	switch {
	case s == econ.OrderFilled:
		return success.Sprint(s)
	case s.Open():
		return accent.Sprint(s)
	default:
		return neutral.Sprint(s)
	}
}

func renderEnterprise(e econ.Enterprise) {
	accent.Printf("\n== ENTERPRISE #%d %s ==\n", e.ID, e.Name)
	fmt.Printf("Owner:      %s\n", e.Owner)
	fmt.Printf("Type:       %s (level %d)\n", e.TypeKey, e.Level)
	if e.PolityID != "" {
		fmt.Printf("Polity:     %s\n", e.PolityID)
	}
	fmt.Printf("Balance:    %s\n", formatMicros(e.BalanceMicros))
	fmt.Printf("Employees:  %d/%d\n", e.Employees, e.MaxEmployees)
	fmt.Printf("Production: %d per run, efficiency %d%%\n", e.ProductionRate, e.Efficiency)
	if e.Deficit {
		printWarn("Running a deficit: payroll or upkeep went unpaid.")
	}
	if e.Suspended {
		danger.Println("Suspended")
	}
	fmt.Println()
}

func renderEmployees(staff []econ.Employee) {
	accent.Println("\n== EMPLOYEES ==")
	if len(staff) == 0 {
		printInfo("Nobody hired yet.")
		return
	}
	fmt.Printf("%-20s %-12s %12s %12s %s\n", "WORKER", "ROLE", "SALARY", "UNPAID", "HIRED")
	for _, e := range staff {
		unpaid := formatMicros(e.UnpaidMicros)
		if e.UnpaidMicros > 0 {
			unpaid = danger.Sprint(unpaid)
		}
		fmt.Printf("%-20s %-12s %12s %12s %s\n",
			truncate(e.Worker, 20), e.Role, formatMicros(e.SalaryMicros), unpaid, e.HiredAt.Local().Format(time.DateOnly))
	}
	fmt.Println()
}

func renderTreasury(t econ.Treasury) {
	accent.Printf("\n== TREASURY %s ==\n", t.PolityID)
	fmt.Printf("Balance:       %s\n", formatMicros(t.BalanceMicros))
	fmt.Printf("Tax collected: %s\n", formatMicros(t.TaxCollectedMicros))
	fmt.Printf("General rate:  %s\n", formatBps(t.GeneralRateBps))
	fmt.Printf("Import tariff: %s\n", formatBps(t.ImportRateBps))
	fmt.Printf("Export tariff: %s\n", formatBps(t.ExportRateBps))
	if t.LastCollectionAt != nil {
		fmt.Printf("Last run:      %s\n", t.LastCollectionAt.Local().Format(time.DateTime))
	}
	fmt.Println()
}

func renderTaxRecords(polity string, records []econ.TaxRecord) {
	accent.Printf("\n== TAX RECORDS %s ==\n", polity)
	if len(records) == 0 {
		printInfo("Nothing collected yet.")
		return
	}
	fmt.Printf("%-20s %-10s %-24s %14s\n", "WHEN", "KIND", "PAYER", "AMOUNT")
	for _, r := range records {
		payer := r.Player
		if r.EnterpriseID != 0 {
			payer = fmt.Sprintf("enterprise #%d", r.EnterpriseID)
		}
		fmt.Printf("%-20s %-10s %-24s %14s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Kind, truncate(payer, 24), formatMicros(r.AmountMicros))
	}
	fmt.Println()
}

func renderTotals(v cli.TotalsView) {
	accent.Println("\n== MONEY SUPPLY ==")
	t := v.Totals
	fmt.Printf("Accounts:    %s\n", formatMicros(t.AccountsMicros))
	fmt.Printf("Savings:     %s\n", formatMicros(t.SavingsMicros))
	fmt.Printf("Treasuries:  %s\n", formatMicros(t.TreasuriesMicros))
	fmt.Printf("Enterprises: %s\n", formatMicros(t.EnterprisesMicros))
	fmt.Printf("Minted:      %s\n", formatMicros(t.MintedMicros))
	fmt.Printf("Burned:      %s\n", formatMicros(t.BurnedMicros))
	fmt.Printf("Supply:      %s\n", formatMicros(v.Supply))
	if v.Balanced {
		printSuccess("Books balance.")
	} else {
		danger.Println("Books do NOT balance.")
	}
	fmt.Println()
}

func colorizeMicros(v int64) string {
	text := formatMicros(v)
	switch {
	case v > 0:
		return success.Sprint("+" + text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func formatBps(bps int32) string {
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}

func formatMicros(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / econ.MicrosPerCoin
	cents := (v % econ.MicrosPerCoin) / 10_000
	return fmt.Sprintf("%s%s.%02d", sign, comma(whole), cents)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
