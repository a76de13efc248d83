// Command cdpcrawl discovers a network's infrastructure topology by
// logging into a seed device over SSH, parsing its CDP neighbor table,
// and recursively crawling every infrastructure neighbor it reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/netwatch/cdpcrawl/pkg/discovery"
	"github.com/netwatch/cdpcrawl/pkg/export"
	"github.com/netwatch/cdpcrawl/pkg/store"
	"github.com/netwatch/cdpcrawl/pkg/template"
	"github.com/netwatch/cdpcrawl/pkg/util"
	"github.com/netwatch/cdpcrawl/pkg/version"
)

const passwordEnvVar = "CDPCRAWL_PASSWORD"

type crawlFlags struct {
	username     string
	password     string
	seedHostname string
	seedIP       string
	workers      int
	configPath   string
	verbose      bool
}

func main() {
	flags := &crawlFlags{}

	rootCmd := &cobra.Command{
		Use:   "cdpcrawl",
		Short: "Crawl a network's CDP-reachable infrastructure into an inventory",
		Long: `cdpcrawl connects to a seed device, identifies it, reads its CDP
neighbor table, and recursively repeats the process for every neighbor
classified as infrastructure, building a durable inventory of every
device it reaches.

A crawl interrupted with Ctrl-C (or SIGTERM) can be resumed by running
cdpcrawl again against the same database: any queue entry left
mid-flight is picked back up rather than re-seeded from scratch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.verbose {
				return util.SetLogLevel("debug")
			}
			return util.SetLogLevel("info")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(flags)
		},
	}

	rootCmd.Flags().StringVarP(&flags.username, "username", "u", "", "SSH username (required)")
	rootCmd.Flags().StringVarP(&flags.password, "password", "p", "", "SSH password (falls back to "+passwordEnvVar+", then an interactive prompt)")
	rootCmd.Flags().StringVar(&flags.seedHostname, "seed-hostname", "", "hostname of the device to start crawling from")
	rootCmd.Flags().StringVar(&flags.seedIP, "seed-ip", "", "IP address of the device to start crawling from")
	rootCmd.Flags().IntVar(&flags.workers, "workers", 0, "worker pool size (0 uses the config file's threading.max_workers)")
	rootCmd.Flags().StringVar(&flags.configPath, "config", "./config.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newInventoryCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCrawl(flags *crawlFlags) error {
	if flags.seedHostname == "" || flags.seedIP == "" {
		return errors.New("--seed-hostname and --seed-ip are both required")
	}
	if flags.username == "" {
		return errors.New("--username is required")
	}

	password, err := resolvePassword(flags.password)
	if err != nil {
		return fmt.Errorf("resolving password: %w", err)
	}

	cfg, err := discovery.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}

	workers := cfg.Threading.MaxWorkers
	if flags.workers > 0 {
		workers = flags.workers
	}

	inventory, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening inventory store: %w", err)
	}
	defer inventory.Close()

	loader := template.NewLoader()
	newTransport := func() discovery.Transport {
		return discovery.NewSSHTransport(flags.username, password, cfg.Connection.TimeoutDuration())
	}
	sessionFor := func(seed discovery.Seed) *discovery.Session {
		return discovery.NewSession(newTransport, loader, cfg.Connection, cfg.Filtering)
	}

	frontier := discovery.NewFrontier()
	stats := discovery.NewStats(30 * time.Second)
	engine := discovery.NewEngine(frontier, inventory, sessionFor, stats, cfg.Threading.QueueTimeoutDuration())

	resumed, err := inventory.ResumeQueue()
	if err != nil {
		return fmt.Errorf("resuming queue: %w", err)
	}
	engine.Start(workers)
	for _, seed := range resumed {
		engine.Resume(seed)
	}
	if len(resumed) > 0 {
		util.WithField("count", len(resumed)).Info("resumed in-flight seeds from a prior run")
	}

	if flags.seedHostname != "" || flags.seedIP != "" {
		engine.Seed(discovery.Seed{Hostname: flags.seedHostname, IPAddress: flags.seedIP})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		engine.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		util.Logger.Info("crawl complete")
	case <-ctx.Done():
		util.Logger.Info("interrupt received, stopping crawl")
		engine.Stop()
		<-done
	}

	if err := export.Write(inventory, cfg.Output.Directory, cfg.Output.InventoryFile); err != nil {
		return fmt.Errorf("exporting inventory: %w", err)
	}

	seeds, devices, elapsed := stats.Snapshot()
	util.WithFields(map[string]interface{}{
		"seeds_processed": seeds,
		"devices":         devices,
		"elapsed":         elapsed.Round(time.Second).String(),
	}).Info("crawl summary")

	return nil
}

// resolvePassword prefers an explicit --password flag, then the
// CDPCRAWL_PASSWORD environment variable, then an interactive masked
// prompt — so a password never needs to appear in shell history or a
// process listing.
func resolvePassword(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(passwordEnvVar); env != "" {
		return env, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password from terminal: %w", err)
	}
	return string(raw), nil
}
