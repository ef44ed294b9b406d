// Command exchangectl is a command line client for the exchange API.
//
//	exchangectl [flags] price <token> [amount]
//	exchangectl [flags] buy|sell <token> <amount> <price_sats>
//	exchangectl [flags] cancel <order_id>
//	exchangectl [flags] orders
//	exchangectl [flags] balance
//	exchangectl [flags] deposit <amount> [asset]
//	exchangectl [flags] withdraw <amount> [asset]
//	exchangectl [flags] book <token> [levels]
//	exchangectl [flags] tokens
//	exchangectl [flags] watch <token>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/tokenmarket/internal/api"
	"github.com/rickgao/tokenmarket/internal/feed"
	"github.com/rickgao/tokenmarket/internal/model"
)

func main() {
	addr := flag.String("addr", envOr("EXCHANGE_ADDR", "http://localhost:8080"), "exchange base URL")
	holder := flag.String("holder", os.Getenv("EXCHANGE_HOLDER"), "holder id sent as X-Holder-ID")
	payment := flag.String("payment-token", os.Getenv("EXCHANGE_PAYMENT_TOKEN"), "payment collaborator token for deposit/withdraw")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := api.NewClient(*addr, *holder,
		api.WithTimeout(*timeout),
		api.WithRetryPolicy(api.RetryPolicy{Attempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}),
		api.WithLogger(logger),
		api.WithPaymentToken(*payment),
	)

	out, err := dispatch(ctx, client, *addr, flag.Arg(0), flag.Args()[1:], logger)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "error: %s\n", apiErr.Message)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
	}
}

func dispatch(ctx context.Context, c *api.Client, addr, cmd string, args []string, logger *slog.Logger) (any, error) {
	switch cmd {
	case "price":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		amount := int64(1)
		if len(args) > 1 {
			n, err := parseInt("amount", args[1])
			if err != nil {
				return nil, err
			}
			amount = n
		}
		return c.Price(ctx, args[0], amount)

	case "buy", "sell":
		if err := need(args, 3); err != nil {
			return nil, err
		}
		amount, err := parseInt("amount", args[1])
		if err != nil {
			return nil, err
		}
		price, err := parseInt("price_sats", args[2])
		if err != nil {
			return nil, err
		}
		return c.PlaceOrder(ctx, api.OrderRequest{
			TokenID:   args[0],
			Side:      model.Side(cmd),
			Amount:    amount,
			PriceSats: price,
		})

	case "cancel":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return c.CancelOrder(ctx, args[0])

	case "orders":
		return c.Orders(ctx)

	case "balance":
		return c.Balance(ctx)

	case "deposit", "withdraw":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		amount, err := parseInt("amount", args[0])
		if err != nil {
			return nil, err
		}
		asset := ""
		if len(args) > 1 {
			asset = args[1]
		}
		if cmd == "withdraw" {
			return c.Withdraw(ctx, asset, amount)
		}
		return c.Deposit(ctx, asset, amount)

	case "book":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		levels := 10
		if len(args) > 1 {
			n, err := parseInt("levels", args[1])
			if err != nil {
				return nil, err
			}
			levels = int(n)
		}
		return c.Book(ctx, args[0], levels)

	case "tokens":
		return c.Tokens(ctx)

	case "watch":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return nil, watch(ctx, addr, args[0], logger)

	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

// watch prints fills for token until interrupted.
func watch(ctx context.Context, addr, token string, logger *slog.Logger) error {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(addr, "/"), "http") + "/ws/trades"
	sub, err := feed.Subscribe(ctx, feed.ClientConfig{URL: wsURL, TokenID: token}, logger)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Errors():
			return err
		case f, ok := <-sub.Fills():
			if !ok {
				return nil
			}
			enc.Encode(f)
		}
	}
}

func need(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("expected %d argument(s), got %d", n, len(args))
	}
	return nil
}

func parseInt(name, s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, s)
	}
	return n, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: exchangectl [flags] <command> [args]

commands:
  price <token> [amount]                 quote a primary purchase
  buy|sell <token> <amount> <price_sats> place a limit order
  cancel <order_id>                      cancel an open order
  orders                                 list your orders
  balance                                show balances
  deposit <amount> [asset]               credit funds (sats by default)
  withdraw <amount> [asset]              debit available funds
  book <token> [levels]                  show order book depth
  tokens                                 list tokens
  watch <token>                          stream fills

flags:
`)
	flag.PrintDefaults()
}
