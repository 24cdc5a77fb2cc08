package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cl "realmecon/internal/cli"
	"realmecon/internal/config"
	"realmecon/internal/econ"
	"realmecon/internal/syncq"
)

// globals are the root flags shared by every subcommand.
type globals struct {
	apiURL string
	token  string
	idem   string
	env    config.CLIConfig
}

func main() {
	cfg, err := config.LoadCLIFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	g := &globals{env: cfg}

	root := &cobra.Command{
		Use:          "realmctl",
		Short:        "Operator client for the realm economy API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.apiURL, "api", "", "API base URL (default: saved profile, then REALMCTL_API_URL)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "service token (default: REALM_SERVICE_TOKEN, then saved profile)")
	root.PersistentFlags().StringVar(&g.idem, "idempotency-key", "", "reuse a key to retry a command safely (default: random)")

	root.AddCommand(
		newLoginCmd(g),
		newLogoutCmd(),
		newAccountCmd(g),
		newTransferCmd(g),
		newSavingsCmd(g),
		newOrderCmd(g),
		newItemsCmd(g),
		newEnterpriseCmd(g),
		newTreasuryCmd(g),
		newTotalsCmd(g),
		newQueueCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// client resolves the endpoint: flags first, then the environment token and
// the saved profile, then the environment URL.
func (g *globals) client() (*cl.Client, error) {
	token := g.token
	if token == "" {
		token = g.env.Token
	}
	p := cl.Resolve(g.apiURL, token)
	if p.APIURL == "" {
		p.APIURL = g.env.APIBaseURL
	}
	if p.Token == "" {
		return nil, fmt.Errorf("no service token: run `realmctl login` or set REALM_SERVICE_TOKEN")
	}
	c := cl.NewClient(p.APIURL, p.Token)
	c.OnUnsent = enqueue
	return c, nil
}

func (g *globals) key() string {
	if k := strings.TrimSpace(g.idem); k != "" {
		return k
	}
	return uuid.NewString()
}

// run wraps a subcommand body with a resolved client and a bounded context.
func (g *globals) run(fn func(ctx context.Context, c *cl.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := g.client()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return fn(ctx, c, args)
	}
}

func newLoginCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save the API URL and service token after checking them",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := g.apiURL
			if url == "" {
				url = g.env.APIBaseURL
			}
			token := g.token
			if token == "" {
				var err error
				if token, err = promptRequired("Service token"); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c := cl.NewClient(url, token)
			if _, err := c.Totals(ctx); err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			if err := cl.SaveProfile(cl.Profile{APIURL: c.BaseURL, Token: c.Token}); err != nil {
				return err
			}
			printSuccess("Logged in to " + c.BaseURL)
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearProfile(); err != nil {
				return err
			}
			printSuccess("Profile cleared.")
			return nil
		},
	}
}

func newAccountCmd(g *globals) *cobra.Command {
	account := &cobra.Command{
		Use:   "account",
		Short: "Player accounts",
	}
	account.AddCommand(&cobra.Command{
		Use:   "open OWNER",
		Short: "Open an account with the starting balance",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			a, err := c.OpenAccount(ctx, args[0])
			if err != nil {
				return err
			}
			renderAccount(a)
			return nil
		}),
	})
	account.AddCommand(&cobra.Command{
		Use:   "show OWNER",
		Short: "Show balances",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			a, err := c.Account(ctx, args[0])
			if err != nil {
				return err
			}
			renderAccount(a)
			return nil
		}),
	})
	account.AddCommand(&cobra.Command{
		Use:   "citizenship OWNER POLITY",
		Short: "Change citizenship; an empty POLITY (\"\") clears it",
		Args:  cobra.ExactArgs(2),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			a, err := c.SetCitizenship(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			renderAccount(a)
			return nil
		}),
	})

	var limit int
	var kind string
	txs := &cobra.Command{
		Use:   "txs ID",
		Short: "Recent transactions of a party",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			k, ok := econ.ParsePartyKind(kind)
			if !ok {
				return fmt.Errorf("unknown party kind %q", kind)
			}
			party := econ.Party{Kind: k, ID: args[0]}
			out, err := c.Transactions(ctx, party, limit)
			if err != nil {
				return err
			}
			renderTransactions(out, party)
			return nil
		}),
	}
	txs.Flags().IntVar(&limit, "limit", 20, "number of rows")
	txs.Flags().StringVar(&kind, "kind", string(econ.PartyAccount), "party kind: account, treasury or enterprise")
	account.AddCommand(txs)
	return account
}

func newTransferCmd(g *globals) *cobra.Command {
	var toKind, reason string
	cmd := &cobra.Command{
		Use:   "transfer FROM TO AMOUNT",
		Short: "Send coins from an account to another party",
		Args:  cobra.ExactArgs(3),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			k, ok := econ.ParsePartyKind(toKind)
			if !ok {
				return fmt.Errorf("unknown party kind %q", toKind)
			}
			amount, err := parseCoins(args[2])
			if err != nil {
				return err
			}
			tx, err := c.Transfer(ctx, args[0], econ.Party{Kind: k, ID: args[1]}, amount, reason, g.key())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sent %s to %s (fee %s).", formatMicros(tx.AmountMicros), args[1], formatMicros(tx.FeeMicros)))
			return nil
		}),
	}
	cmd.Flags().StringVar(&toKind, "to-kind", string(econ.PartyAccount), "receiver kind: account, treasury or enterprise")
	cmd.Flags().StringVar(&reason, "reason", "", "memo stored with the transaction")
	return cmd
}

func newSavingsCmd(g *globals) *cobra.Command {
	savings := &cobra.Command{
		Use:   "savings",
		Short: "Move coins between balance and savings",
	}
	for _, action := range []string{"deposit", "withdraw"} {
		savings.AddCommand(&cobra.Command{
			Use:   action + " OWNER AMOUNT",
			Short: strings.ToUpper(action[:1]) + action[1:] + " savings",
			Args:  cobra.ExactArgs(2),
			RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
				amount, err := parseCoins(args[1])
				if err != nil {
					return err
				}
				a, err := c.Savings(ctx, args[0], action, amount, g.key())
				if err != nil {
					return err
				}
				renderAccount(a)
				return nil
			}),
		})
	}
	return savings
}

func newOrderCmd(g *globals) *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Market orders",
	}

	var ttl time.Duration
	place := &cobra.Command{
		Use:   "place OWNER ITEM buy|sell QTY LIMIT",
		Short: "Place a limit order; LIMIT is the per-unit price in coins",
		Args:  cobra.ExactArgs(5),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			side, ok := econ.ParseSide(args[2])
			if !ok {
				return fmt.Errorf("side must be buy or sell")
			}
			qty, err := parseID(args[3])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[3])
			}
			limit, err := parseCoins(args[4])
			if err != nil {
				return err
			}
			o, err := c.PlaceOrder(ctx, args[0], args[1], side, qty, limit, ttl, g.key())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Order #%d placed, %s reserved.", o.ID, formatMicros(o.ReservedMicros)))
			return nil
		}),
	}
	place.Flags().DurationVar(&ttl, "ttl", 0, "time to live (default: server setting)")
	order.AddCommand(place)

	order.AddCommand(&cobra.Command{
		Use:   "cancel OWNER ID",
		Short: "Cancel an open order and release its reservation",
		Args:  cobra.ExactArgs(2),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			o, err := c.CancelOrder(ctx, args[0], id)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Order #%d %s.", o.ID, o.Status))
			return nil
		}),
	})

	var owner, item string
	var open bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			out, err := c.Orders(ctx, owner, item, open)
			if err != nil {
				return err
			}
			renderOrders(out)
			return nil
		}),
	}
	list.Flags().StringVar(&owner, "owner", "", "only this owner's orders")
	list.Flags().StringVar(&item, "item", "", "only this item")
	list.Flags().BoolVar(&open, "open", false, "only pending or partial orders")
	order.AddCommand(list)
	return order
}

func newItemsCmd(g *globals) *cobra.Command {
	items := &cobra.Command{
		Use:   "items",
		Short: "List market items and prices",
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			out, err := c.Items(ctx)
			if err != nil {
				return err
			}
			renderItems(out)
			return nil
		}),
	}
	items.AddCommand(&cobra.Command{
		Use:   "quote ITEM QTY",
		Short: "Quote buy and sell prices for a quantity",
		Args:  cobra.ExactArgs(2),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			qty, err := parseID(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			q, err := c.Quote(ctx, args[0], qty)
			if err != nil {
				return err
			}
			renderQuote(q)
			return nil
		}),
	})
	return items
}

func newEnterpriseCmd(g *globals) *cobra.Command {
	ent := &cobra.Command{
		Use:     "enterprise",
		Aliases: []string{"ent"},
		Short:   "Player enterprises",
	}

	var polity, name string
	found := &cobra.Command{
		Use:   "found OWNER TYPE",
		Short: "Found an enterprise, paying its base cost",
		Args:  cobra.ExactArgs(2),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			e, err := c.FoundEnterprise(ctx, args[0], args[1], polity, name, g.key())
			if err != nil {
				return err
			}
			renderEnterprise(e)
			return nil
		}),
	}
	found.Flags().StringVar(&polity, "polity", "", "register in this polity (default: owner's citizenship)")
	found.Flags().StringVar(&name, "name", "", "display name")
	ent.AddCommand(found)

	ent.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show an enterprise",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := c.Enterprise(ctx, id)
			if err != nil {
				return err
			}
			renderEnterprise(e)
			return nil
		}),
	})
	ent.AddCommand(&cobra.Command{
		Use:   "employees ID",
		Short: "List employees",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			staff, err := c.Employees(ctx, id)
			if err != nil {
				return err
			}
			renderEmployees(staff)
			return nil
		}),
	})

	var role string
	hire := &cobra.Command{
		Use:   "hire ID OWNER WORKER",
		Short: "Hire a worker",
		Args:  cobra.ExactArgs(3),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var emp econ.Employee
			body := map[string]any{"owner": args[1], "worker": args[2], "role": role}
			if err := c.EnterpriseAction(ctx, id, "hire", body, &emp, g.key()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Hired %s as %s for %s per payroll.", emp.Worker, emp.Role, formatMicros(emp.SalaryMicros)))
			return nil
		}),
	}
	hire.Flags().StringVar(&role, "role", "worker", "catalog role")
	ent.AddCommand(hire)

	ent.AddCommand(&cobra.Command{
		Use:   "fire ID OWNER WORKER",
		Short: "Fire a worker, settling unpaid wages where possible",
		Args:  cobra.ExactArgs(3),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var out struct {
				PaidMicros int64 `json:"paid_micros"`
			}
			body := map[string]any{"owner": args[1], "worker": args[2]}
			if err := c.EnterpriseAction(ctx, id, "fire", body, &out, g.key()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Fired %s; settled %s.", args[2], formatMicros(out.PaidMicros)))
			return nil
		}),
	})

	for _, action := range []string{"capitalize", "withdraw"} {
		ent.AddCommand(&cobra.Command{
			Use:   action + " ID OWNER AMOUNT",
			Short: "Move coins between the owner and the enterprise (" + action + ")",
			Args:  cobra.ExactArgs(3),
			RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				amount, err := parseCoins(args[2])
				if err != nil {
					return err
				}
				var e econ.Enterprise
				body := map[string]any{"owner": args[1], "amount_micros": amount}
				if err := c.EnterpriseAction(ctx, id, action, body, &e, g.key()); err != nil {
					return err
				}
				renderEnterprise(e)
				return nil
			}),
		})
	}

	ent.AddCommand(&cobra.Command{
		Use:   "upgrade ID OWNER",
		Short: "Raise the enterprise level",
		Args:  cobra.ExactArgs(2),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var e econ.Enterprise
			if err := c.EnterpriseAction(ctx, id, "upgrade", map[string]any{"owner": args[1]}, &e, g.key()); err != nil {
				return err
			}
			renderEnterprise(e)
			return nil
		}),
	})
	return ent
}

func newTreasuryCmd(g *globals) *cobra.Command {
	treasury := &cobra.Command{
		Use:   "treasury",
		Short: "Polity treasuries and tax rates",
	}
	treasury.AddCommand(&cobra.Command{
		Use:   "open POLITY",
		Short: "Create a treasury",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			t, err := c.OpenTreasury(ctx, args[0])
			if err != nil {
				return err
			}
			renderTreasury(t)
			return nil
		}),
	})
	treasury.AddCommand(&cobra.Command{
		Use:   "show POLITY",
		Short: "Show a treasury",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			t, err := c.Treasury(ctx, args[0])
			if err != nil {
				return err
			}
			renderTreasury(t)
			return nil
		}),
	})

	var general, imp, exp float64
	rates := &cobra.Command{
		Use:   "rates POLITY",
		Short: "Set tax rates as fractions (0.05 = 5%); values above the cap are clamped",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			t, err := c.SetRates(ctx, args[0], econ.RateToBps(general), econ.RateToBps(imp), econ.RateToBps(exp))
			if err != nil {
				return err
			}
			if t.GeneralRateBps != econ.RateToBps(general) || t.ImportRateBps != econ.RateToBps(imp) || t.ExportRateBps != econ.RateToBps(exp) {
				printWarn("Some rates were clamped to the maximum.")
			}
			renderTreasury(t)
			return nil
		}),
	}
	rates.Flags().Float64Var(&general, "general", 0, "general tax rate")
	rates.Flags().Float64Var(&imp, "import", 0, "import tariff")
	rates.Flags().Float64Var(&exp, "export", 0, "export tariff")
	treasury.AddCommand(rates)

	var limit int
	taxes := &cobra.Command{
		Use:   "taxes POLITY",
		Short: "Recent tax records",
		Args:  cobra.ExactArgs(1),
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			out, err := c.TaxRecords(ctx, args[0], limit)
			if err != nil {
				return err
			}
			renderTaxRecords(args[0], out)
			return nil
		}),
	}
	taxes.Flags().IntVar(&limit, "limit", 20, "number of rows")
	treasury.AddCommand(taxes)
	return treasury
}

func newTotalsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "totals",
		Short: "Money supply and conservation check",
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			v, err := c.Totals(ctx)
			if err != nil {
				return err
			}
			renderTotals(v)
			return nil
		}),
	}
}

func openQueue() (*syncq.Queue, error) {
	dir, err := cl.ProfileDir()
	if err != nil {
		return nil, err
	}
	return syncq.Open(dir)
}

// enqueue keeps a command that never reached the API. Replaying it later
// reuses its idempotency key, so it applies at most once.
func enqueue(method, path string, body []byte, idem string, cause error) {
	q, err := openQueue()
	if err == nil {
		err = q.Push(syncq.Command{Method: method, Path: path, Body: body, IdempotencyKey: idem, LastError: cause.Error()})
	}
	if err != nil {
		printWarn("API unreachable and the command could not be queued: " + err.Error())
		return
	}
	printWarn("API unreachable; command queued as " + idem + ". Run `realmctl queue replay` later.")
}

// retryable reports whether a replay failure may succeed later.
func retryable(err error) bool {
	var apiErr *cl.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.Status >= 500 || apiErr.Code == econ.CodeStoreUnavailable || apiErr.Code == econ.CodeConcurrentModification
}

func newQueueCmd(g *globals) *cobra.Command {
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Commands waiting for the API to come back",
	}
	queue.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show queued commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			pending, err := q.Load()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				printInfo("Nothing queued.")
				return nil
			}
			accent.Println("\n== QUEUED COMMANDS ==")
			fmt.Printf("%-20s %-6s %-40s %-8s %s\n", "QUEUED", "METHOD", "PATH", "TRIES", "KEY")
			for _, c := range pending {
				fmt.Printf("%-20s %-6s %-40s %-8d %s\n",
					c.QueuedAt.Local().Format(time.DateTime), c.Method, truncate(c.Path, 40), c.Attempts, c.IdempotencyKey)
			}
			fmt.Println()
			return nil
		},
	})
	queue.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Send queued commands again under their original keys",
		RunE: g.run(func(ctx context.Context, c *cl.Client, args []string) error {
			c.OnUnsent = nil
			q, err := openQueue()
			if err != nil {
				return err
			}
			send := func(ctx context.Context, cmd syncq.Command) error {
				err := c.Send(ctx, cmd.Method, cmd.Path, cmd.Body, cmd.IdempotencyKey)
				var apiErr *cl.APIError
				if errors.As(err, &apiErr) && apiErr.Code == econ.CodeDuplicateRequest {
					// The first attempt made it after all.
					return nil
				}
				return err
			}
			res, err := q.Drain(ctx, send, retryable)
			for _, f := range res.Rejected {
				danger.Printf("%s %s rejected: %v\n", f.Command.Method, f.Command.Path, f.Err)
			}
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Replayed %d, still queued %d, rejected %d.", res.Sent, res.Kept, len(res.Rejected)))
			return nil
		}),
	})
	queue.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued command",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			if err := q.Clear(); err != nil {
				return err
			}
			printSuccess("Queue cleared.")
			return nil
		},
	})
	return queue
}
