package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/org/timecapsule/internal/client"
	"github.com/org/timecapsule/internal/pipeline"
)

var (
	serverFlag   string
	identityFlag string
	metricsFile  string

	metricsReg *prometheus.Registry
	metrics    *pipeline.Metrics
)

var rootCmd = &cobra.Command{
	Use:           "capsule",
	Short:         "Time capsule CLI",
	Long:          "Send encrypted media that the recipient can only open after a chosen time.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		if serverFlag != "" {
			cfg.Address = serverFlag
		}
		if identityFlag != "" {
			cfg.IdentityFile = identityFlag
		}
		setupLogging(cfg.LogLevel)
		if metricsFile != "" {
			metricsReg = prometheus.NewRegistry()
			metrics = pipeline.NewMetrics(metricsReg)
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if metricsReg != nil {
		if werr := prometheus.WriteToTextfile(metricsFile, metricsReg); werr != nil {
			log.Warn().Err(werr).Str("file", metricsFile).Msg("writing metrics failed")
		}
	}
	if err != nil {
		printError(userMessage(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Server address (overrides config and TIMECAPSULE_ADDR)")
	rootCmd.PersistentFlags().StringVar(&identityFlag, "identity", "", "Identity seed file")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write pipeline metrics to this node exporter textfile")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(statusCmd())
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func newClient() (*client.Client, error) {
	return client.New(cfg.Address, client.Options{CACertFile: cfg.TLSCACert})
}

func pipelineConfig(c *client.Client) pipeline.Config {
	return pipeline.Config{
		Blobs:   c.Blobs(),
		Ledger:  c.Ledger(),
		Logger:  &log.Logger,
		Metrics: metrics,
	}
}

// userMessage prefers the pipeline's end-user text over the internal error.
func userMessage(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		log.Debug().Err(err).Msg("pipeline failed")
		return pe.UserMessage()
	}
	return err.Error()
}

// progressPrinter draws a one-line progress indicator on an interactive
// stderr and stays silent otherwise.
func progressPrinter() (pipeline.ProgressFunc, func()) {
	if outputFormat != "table" || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil, func() {}
	}
	fn := func(p pipeline.Progress) {
		fmt.Fprintf(os.Stderr, "\r%-24s %3d%%", strings.ReplaceAll(string(p.Stage), "_", " "), p.Percent)
	}
	return fn, func() { fmt.Fprint(os.Stderr, "\r\033[K") }
}

// readPassphrase takes the passphrase from TIMECAPSULE_PASSPHRASE, a
// terminal prompt without echo, or the first line of stdin.
func readPassphrase(prompt string) (string, error) {
	if v := os.Getenv("TIMECAPSULE_PASSPHRASE"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(pass), nil
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no passphrase given")
	}
	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}
