// walletctl performs one-off operator tasks against the configured wallet
// deployment: minting issuer API tokens and triggering pass notifications.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/edutap-eu/esc-native-wallet/internal/bootstrap"
	"github.com/edutap-eu/esc-native-wallet/internal/config"
	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/service"
	"github.com/edutap-eu/esc-native-wallet/pkg/jwt"
)

const usage = `usage: walletctl <command> [flags]

commands:
  token    mint an issuer API token
  notify   notify every device holding a pass and print the delivery report
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errUsage
	}

	switch args[0] {
	case "token":
		return runToken(args[1:], stdout)
	case "notify":
		return runNotify(args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}
}

func runToken(args []string, stdout io.Writer) error {
	var envFile, clientID string
	var ttl time.Duration

	flagSet := pflag.NewFlagSet("walletctl token", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	flagSet.StringVar(&clientID, "client-id", "", "identifier of the issuer client the token is for (required)")
	flagSet.DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_EXPIRATION)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if clientID == "" {
		return fmt.Errorf("--client-id is required")
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.Issuer.JWTExpiration
	}

	token, err := jwt.GenerateToken(clientID, ttl, cfg.Issuer.JWTSecret)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runNotify(args []string, stdout io.Writer) error {
	var envFile, passTypeID, serial string
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("walletctl notify", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	flagSet.StringVar(&passTypeID, "pass-type", "", "pass type identifier (default PASS_TYPE_ID)")
	flagSet.StringVar(&serial, "serial", "", "serial number of the pass (required)")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "overall time limit for the fan-out")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if serial == "" {
		return fmt.Errorf("--serial is required")
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if passTypeID == "" {
		passTypeID = cfg.Wallet.PassTypeID
	}

	logger := bootstrap.NewLogger(cfg.Logging, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := bootstrap.OpenStore(ctx, cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, err := bootstrap.NewNotifier(store, cfg.Wallet, logger)
	if err != nil {
		return err
	}

	issuer := service.NewIssuerService(store, store, nil, notifier, nil, bootstrap.PassSettings(cfg.Wallet), logger)
	report, err := issuer.NotifyHolders(ctx, domain.PassKey{PassTypeID: passTypeID, SerialNumber: serial})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
