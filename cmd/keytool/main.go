// Command keytool manages the encrypted actor keystore: it generates or
// imports signing keys, lists stored addresses and removes them. The store
// path and passphrase come from the same configuration as curvebot.
//
// Usage:
//
//	keytool [-config path] generate [-label name]
//	keytool [-config path] import [-label name] < key.hex
//	keytool [-config path] list
//	keytool [-config path] remove <address>
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/curvebot/internal/config"
	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := run(*configPath, flag.Args(), os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "keytool: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errors.New("missing command (generate, import, list, remove)")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Keystore.Path == "" || cfg.Keystore.Passphrase == "" {
		return errors.New("keystore.path and keystore.passphrase must be set")
	}
	ks, err := wallet.OpenKeystore(cfg.Keystore.Path, cfg.Keystore.Passphrase, logger)
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	label := fs.String("label", "", "label stored with the key")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch cmd {
	case "generate":
		priv, err := ethcrypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		key := crypto.Material(ethcrypto.FromECDSA(priv))
		defer key.Zero()
		return store(ks, key, *label, stdout)

	case "import":
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read key: %w", err)
		}
		key, err := crypto.ParseKeyHex(strings.TrimSpace(line))
		if err != nil {
			return err
		}
		defer key.Zero()
		return store(ks, key, *label, stdout)

	case "list":
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tLABEL\tCREATED")
		for _, info := range ks.List() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Address, info.Label, info.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()

	case "remove":
		if fs.NArg() != 1 {
			return errors.New("remove takes exactly one address")
		}
		removed, err := ks.Remove(fs.Arg(0))
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%s is not in the keystore", fs.Arg(0))
		}
		fmt.Fprintf(stdout, "removed %s\n", fs.Arg(0))
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func store(ks *wallet.Keystore, key crypto.Material, label string, stdout io.Writer) error {
	addr, err := crypto.AddressFromKey(key)
	if err != nil {
		return err
	}
	if err := ks.Store(addr, key, label); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %s\n", addr)
	return nil
}
