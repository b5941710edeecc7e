package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-ota/internal/archive"
	"github.com/keithlinneman/linnemanlabs-ota/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/settings"
	"github.com/keithlinneman/linnemanlabs-ota/internal/shipped"
	v "github.com/keithlinneman/linnemanlabs-ota/internal/version"
)

const appName = "otactl"

// app carries state shared by subcommands. Fields below conf are filled
// lazily by open.
type app struct {
	conf cfg.App
	L    log.Logger

	store      *settings.BoltStore
	repo       *bundle.Repository
	mgr        *bundle.Manager
	passphrase string
}

// skipSetup marks commands that run without config or logging.
const skipSetup = "otactl/skip-setup"

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Manage over-the-air JavaScript bundles for a host application",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipSetup] == "true" {
				return nil
			}
			return a.setup(cmd)
		},
	}
	cfg.Register(root.PersistentFlags(), &a.conf)

	root.AddCommand(
		newInitCmd(a),
		newEntryPointCmd(a),
		newInstallCmd(a),
		newDigestCmd(a),
		newExtractCmd(a),
		newSealCmd(a),
		newHashCmd(a),
		newToggleCmd(a),
		newDownloadURLCmd(a),
		newInfoCmd(a),
		newPackageInfoCmd(a),
		newFetchCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	closeAfterRun(a, root)
	return root
}

// closeAfterRun releases the settings store when a command returns, on
// success or failure, so the database lock is never held past the command.
func closeAfterRun(a *app, cmd *cobra.Command) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if cerr := a.close(); err == nil {
				err = cerr
			}
			return err
		}
	}
	for _, sub := range cmd.Commands() {
		closeAfterRun(a, sub)
	}
}

// setup applies env overrides, validates config and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg.FillFromEnv(cmd.Root().PersistentFlags(), "OTA_", func(format string, args ...any) {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	})

	validate := cfg.Validate
	if cmd.Name() == "serve" {
		validate = cfg.ValidateServe
	}
	if err := validate(a.conf); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	lvl, _ := log.ParseLevel(a.conf.LogLevel)
	stackLvl, err := log.ParseLevel(a.conf.StacktraceLevel)
	if err != nil {
		stackLvl = slog.LevelError
	}
	vi := v.Get()
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        a.conf.LogJSON,
		MaxErrorLinks:     a.conf.MaxErrorLinks,
		IncludeErrorLinks: a.conf.IncludeErrorLinks,
		RedactKeys:        a.conf.LogRedactKeys,
		// stdout carries command output
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	a.L = lg.With("component", cmd.Name())
	cmd.SetContext(log.WithContext(cmd.Context(), a.L))

	pp, err := a.conf.Passphrase()
	if err != nil {
		return err
	}
	a.passphrase = pp
	return nil
}

// managerDeps are optional collaborators that only serve wires.
type managerDeps struct {
	metrics  bundle.Metrics
	verifier bundle.Verifier
}

// open builds the settings store, repository and manager.
func (a *app) open(ctx context.Context, deps managerDeps) error {
	if a.mgr != nil {
		return nil
	}
	alg, err := cryptoutil.ParseAlgorithm(a.conf.HashAlgorithm)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(a.conf.SettingsFile()), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	store, err := settings.OpenBolt(a.conf.SettingsFile(), settings.BoltOptions{
		Logger: a.L,
		Scope:  a.conf.SettingsScope,
	})
	if err != nil {
		return err
	}
	a.store = store

	repo, err := bundle.NewRepository(bundle.RepositoryOptions{
		Logger:    a.L,
		Root:      a.conf.FilesDir(),
		Algorithm: alg,
		EntryName: a.conf.EntryName,
	})
	if err != nil {
		return err
	}
	a.repo = repo

	asset := shipped.Embedded()
	if a.conf.ShippedBundle != "" {
		asset = shipped.File(a.conf.ShippedBundle)
	}

	if deps.verifier == nil && a.conf.SigningKeyARN != "" {
		kv, err := newKMSVerifier(ctx, a.conf.SigningKeyARN)
		if err != nil {
			return err
		}
		deps.verifier = kv
	}

	mgr, err := bundle.NewManager(bundle.Config{
		AppID:            a.conf.AppID,
		AppVersion:       a.conf.AppVersion,
		DefaultServer:    a.conf.DefaultServer,
		Passphrase:       a.passphrase,
		Debug:            a.conf.Debug,
		Platform:         a.conf.Platform,
		UseBundle:        a.conf.UseBundle,
		UseDownload:      a.conf.UseDownload,
		RequireSignature: a.conf.RequireSignature,
	}, bundle.Options{
		Logger:     a.L,
		Store:      store,
		Repository: repo,
		Extractor: archive.New(archive.Options{
			Logger:       a.L,
			MaxFileSize:  a.conf.MaxFileSize,
			MaxTotalSize: a.conf.MaxTotalSize,
		}),
		Shipped:  asset,
		Metrics:  deps.metrics,
		Verifier: deps.verifier,
	})
	if err != nil {
		return err
	}
	a.mgr = mgr

	a.L.Debug(ctx, "bundle manager ready",
		"root", repo.Root(),
		"settings", a.conf.SettingsFile(),
		"algorithm", alg,
		"shipped", asset.Name(),
	)
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store, a.repo, a.mgr = nil, nil, nil
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
