package main

import (
	"log/slog"

	"github.com/ggoodman/bunkergate/config"
	"github.com/ggoodman/bunkergate/signer"
	"github.com/ggoodman/bunkergate/signer/nip46"
	"github.com/ggoodman/bunkergate/surface"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	config    string
	store     string
	storePath string
	logLevel  string
	logFormat string
}

// cli holds the process-wide dependencies. Tests swap the signer and
// surface collaborators for fakes.
type cli struct {
	flags globalFlags

	cfg config.Config
	log *slog.Logger

	dialer  signer.Dialer
	resolve signer.Resolver
	keygen  signer.KeyGenerator
	opener  surface.Opener
}

func newCLI() *cli {
	return &cli{
		resolve: nip46.ResolveNIP05,
		keygen:  nip46.GenerateKey,
		opener:  surface.BrowserOpener,
	}
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bunkergate",
		Short: "Permission-gated broker for a NIP-46 remote signer",
		Long: "bunkergate connects to a remote Nostr signer (a bunker) and answers page " +
			"requests for public keys, signatures and encryption only after a stored " +
			"policy or the user approves them.",
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&c.flags.config, "config", "", "path to a TOML configuration file")
	f.StringVar(&c.flags.store, "store", "", "store backend: file, redis or memory")
	f.StringVar(&c.flags.storePath, "store-path", "", "state file for the file store")
	f.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	f.StringVar(&c.flags.logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(c),
		newNativeCmd(c),
		newPolicyCmd(c),
		newSessionCmd(c),
	)

	return rootCmd
}

// load resolves the configuration: defaults, file, environment, then any
// flag the user set explicitly.
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.flags.config)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("store") {
		cfg.Store.Kind = c.flags.store
	}
	if f.Changed("store-path") {
		cfg.Store.Path = c.flags.storePath
	}
	if f.Changed("log-level") {
		cfg.Log.Level = c.flags.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = c.flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.log = log
	if c.dialer == nil {
		c.dialer = nip46.NewDialer(nip46.WithLogger(log))
	}
	return nil
}
