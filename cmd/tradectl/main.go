package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradeengine/internal/app"
	"tradeengine/internal/repository"
	"tradeengine/model"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "tradectl"
	cliApp.Usage = "operate the spot trading lifecycle engine"

	cliApp.Commands = []cli.Command{
		runCMD,
		ordersCMD,
		credsSetCMD,
	}

	if err := cliApp.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCMD = cli.Command{
	Name:        "run",
	Usage:       "run the fast tick and reconciliation worker until stopped",
	Action:      runAction,
	ArgsUsage:   "",
	Flags:       []cli.Flag{},
	Description: `Starts the scheduler driving the lifecycle engine's fast tick and the reconciliation worker's slow tick`,
}

func runAction(_ *cli.Context) error {
	logger.Info("starting tradectl run")

	a, err := app.Build()
	if err != nil {
		logger.WithError(err).Error("failed to build app")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.StartOrderEventStreams(ctx); err != nil {
		logger.WithError(err).Error("failed to start order event streams")
	}
	a.Engine.Start(ctx, a.Scheduler, a.Reconciler.Run)
	return nil
}

var ordersCMD = cli.Command{
	Name:      "orders",
	Usage:     "list orders",
	Action:    ordersAction,
	ArgsUsage: "",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "user-id", Usage: "filter by user id"},
		cli.Int64Flag{Name: "exchange-id", Usage: "filter by exchange id"},
		cli.StringFlag{Name: "status", Usage: "filter by status (pending, in_execution, executed, ...)"},
	},
	Description: `Lists orders matching the given filters, newest first`,
}

func ordersAction(c *cli.Context) error {
	a, err := app.Build()
	if err != nil {
		logger.WithError(err).Error("failed to build app")
		return err
	}

	filter := repository.Filter{
		UserID:     uint64(c.Int64("user-id")),
		ExchangeID: uint64(c.Int64("exchange-id")),
		Status:     model.OrderStatus(c.String("status")),
	}

	orders, err := a.Engine.GetOrders(context.Background(), filter)
	if err != nil {
		logger.WithError(err).Error("failed to list orders")
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(orders)
}

var credsSetCMD = cli.Command{
	Name:      "creds-set",
	Usage:     "encrypt and store an exchange API key pair for a user",
	Action:    credsSetAction,
	ArgsUsage: "",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "user-id", Usage: "user id"},
		cli.Int64Flag{Name: "exchange-id", Usage: "exchange id"},
		cli.BoolFlag{Name: "testnet", Usage: "store against the exchange's testnet"},
		cli.StringFlag{Name: "api-key", Usage: "plaintext API key"},
		cli.StringFlag{Name: "api-secret", Usage: "plaintext API secret"},
	},
	Description: `Encrypts the given API key/secret pair and upserts it for (user-id, exchange-id, testnet)`,
}

func credsSetAction(c *cli.Context) error {
	a, err := app.Build()
	if err != nil {
		logger.WithError(err).Error("failed to build app")
		return err
	}

	userID := uint64(c.Int64("user-id"))
	exchangeID := uint64(c.Int64("exchange-id"))
	if userID == 0 || exchangeID == 0 || c.String("api-key") == "" || c.String("api-secret") == "" {
		return fmt.Errorf("tradectl: --user-id, --exchange-id, --api-key and --api-secret are required")
	}

	if err := a.Security.Put(userID, exchangeID, c.Bool("testnet"), c.String("api-key"), c.String("api-secret")); err != nil {
		logger.WithError(err).Error("failed to store credentials")
		return err
	}

	logger.WithField("user_id", userID).WithField("exchange_id", exchangeID).Info("credentials stored")
	return nil
}
