// Command filter-dkimout is an OpenSMTPD data-line filter that signs
// outbound mail with DKIM. It speaks the filter protocol on stdin/stdout
// (spec §1, §6), maintains a SQLite key database, and rotates signing keys
// on a schedule. Grounded on internal/cli/app.go and cmd/maddyctl/main.go
// for the urfave/cli construction idiom, adapted from a multi-subcommand
// administration tool into a single long-running daemon with flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/smtpd-filters/dkimout/internal/assemble"
	"github.com/smtpd-filters/dkimout/internal/config"
	"github.com/smtpd-filters/dkimout/internal/engine"
	"github.com/smtpd-filters/dkimout/internal/filterproto"
	"github.com/smtpd-filters/dkimout/internal/keyalgo"
	"github.com/smtpd-filters/dkimout/internal/keystore"
	"github.com/smtpd-filters/dkimout/internal/log"
	"github.com/smtpd-filters/dkimout/internal/metrics"
	"github.com/smtpd-filters/dkimout/internal/rotation"
	"github.com/smtpd-filters/dkimout/internal/signer"
)

func main() {
	app := cli.NewApp()
	app.Name = "filter-dkimout"
	app.Usage = "OpenSMTPD outbound DKIM-signing filter"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "algorithm", Value: "ed25519-sha256", Usage: "signing algorithm: ed25519-sha256, rsa2048-sha256, rsa3072-sha256, rsa4096-sha256"},
		&cli.StringFlag{Name: "canonicalization", Value: "relaxed/relaxed", Usage: "header/body canonicalization pair, e.g. relaxed/simple"},
		&cli.StringSliceFlag{Name: "domain", Usage: "signable domain; may be repeated"},
		&cli.StringFlag{Name: "domain-file", Usage: "file of newline-separated signable domains"},
		&cli.StringSliceFlag{Name: "header", Usage: "required signed header name; may be repeated (default: From, Subject, Date, To)"},
		&cli.StringSliceFlag{Name: "header-optional", Usage: "optional signed header name, included only if present; may be repeated"},
		&cli.Int64Flag{Name: "cryptoperiod", Value: 86400 * 30, Usage: "seconds a signing key remains current before rotation"},
		&cli.Int64Flag{Name: "revocation-delay", Value: 86400 * 7, Usage: "seconds after expiry before a key is published to the revocation list"},
		&cli.Int64Flag{Name: "expiration", Value: 0, Usage: "signature expiration window in seconds; 0 disables the x= tag"},
		&cli.StringFlag{Name: "key-db", Required: true, Usage: "path to the SQLite key database"},
		&cli.StringFlag{Name: "revocation-list", Usage: "path to the append-only revocation-list file; empty disables publication"},
		&cli.StringFlag{Name: "dns-update-cmd", Usage: "command invoked with (selector, sdid, algorithm, public key) after a new key is generated"},
		&cli.StringFlag{Name: "metrics-file", Usage: "if set, dump Prometheus text-format metrics to this path on SIGUSR1"},
		&cli.BoolFlag{Name: "v", Aliases: []string{"verbose"}, Count: new(int), Usage: "increase log verbosity; may be repeated"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 2)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	logger := log.New(log.LevelFromEnv(), cfg.Verbosity).With("filter-dkimout")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := keystore.Open(ctx, cfg.KeyDBPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("key store: %v", err), 1)
	}
	defer store.Close()

	m := metrics.New()
	if path := c.String("metrics-file"); path != "" {
		go watchMetricsDump(ctx, m, path, logger.With("metrics"))
	}

	sgn := signer.New(store, cfg, signer.RealClock())
	sched := rotation.New(store, cfg, logger.With("rotation"), m, rotation.RealClock())

	e := &engine.Engine{
		Reader:    filterproto.NewLineReader(os.Stdin),
		RawOut:    os.Stdout,
		Out:       filterproto.NewOutputWriter(os.Stdout),
		Assembler: assemble.New(),
		Signer:    sgn,
		Rotation:  sched,
		Metrics:   m,
		Log:       logger.With("engine"),
	}

	if err := e.Run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("engine: %v", err), 1)
	}
	return nil
}

func buildConfig(c *cli.Context) (config.Config, error) {
	alg, err := keyalgo.ParseAlgorithm(c.String("algorithm"))
	if err != nil {
		return config.Config{}, err
	}
	canon, err := config.ParseCanonPair(c.String("canonicalization"))
	if err != nil {
		return config.Config{}, err
	}

	var fileDomains []string
	if path := c.String("domain-file"); path != "" {
		fileDomains, err = config.LoadDomainFilePath(path)
		if err != nil {
			return config.Config{}, err
		}
	}
	domains := config.MergeDomains(normalizeDomains(c.StringSlice("domain")), fileDomains)

	signedHeaders := c.StringSlice("header")
	if len(signedHeaders) == 0 {
		signedHeaders = config.DefaultSignedHeaders
	}

	return config.Config{
		Domains:          domains,
		Algorithm:        alg,
		Canon:            canon,
		SignedHeaders:    signedHeaders,
		OptionalHeaders:  c.StringSlice("header-optional"),
		Cryptoperiod:     c.Int64("cryptoperiod"),
		RevocationDelay:  c.Int64("revocation-delay"),
		Expiration:       c.Int64("expiration"),
		KeyDBPath:        c.String("key-db"),
		RevocationList:   c.String("revocation-list"),
		DNSUpdateCommand: c.String("dns-update-cmd"),
		Verbosity:        c.Count("v"),
	}, nil
}

// watchMetricsDump writes m's counters to path in Prometheus text format
// each time the process receives SIGUSR1, until ctx is canceled. Metrics
// exposition is file-based rather than a network listener (spec §1's
// stdin/stdout-plus-local-files Non-goal).
func watchMetricsDump(ctx context.Context, m *metrics.Metrics, path string, logger log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if err := m.Dump(path); err != nil {
				logger.Error("writing metrics dump failed", err, "path", path)
			}
		}
	}
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
