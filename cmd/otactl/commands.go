package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-ota/internal/archive"
	"github.com/keithlinneman/linnemanlabs-ota/internal/bundle"
	v "github.com/keithlinneman/linnemanlabs-ota/internal/version"
)

type initResult struct {
	State      string `json:"state"`
	Hash       string `json:"hash,omitempty"`
	EntryPoint string `json:"entry_point,omitempty"`
	Embedded   bool   `json:"embedded"`
}

func (a *app) initialize(cmd *cobra.Command) (initResult, error) {
	ctx := cmd.Context()
	if err := a.open(ctx, managerDeps{}); err != nil {
		return initResult{}, err
	}
	err := a.mgr.Initialize(ctx)
	state, hash := a.mgr.State()
	path, ok := a.mgr.ResolveEntryPoint()
	return initResult{
		State:      state.String(),
		Hash:       hash,
		EntryPoint: path,
		Embedded:   !ok,
	}, err
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Resolve the startup bundle state, installing the shipped bundle if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.initialize(cmd)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newEntryPointCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "entrypoint",
		Short: "Print the bundle entry file to load, or \"embedded\"",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.initialize(cmd)
			if err != nil {
				// the host still starts on its embedded code
				a.L.Error(cmd.Context(), err, "bundle initialization failed, using embedded code")
			}
			if res.Embedded {
				fmt.Fprintln(cmd.OutOrStdout(), "embedded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.EntryPoint)
			return nil
		},
	}
}

func newInstallCmd(a *app) *cobra.Command {
	var expected, sigFile string
	cmd := &cobra.Command{
		Use:   "install ARCHIVE",
		Short: "Install a bundle archive and record it as the last valid bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, managerDeps{}); err != nil {
				return err
			}
			var sig []byte
			if sigFile != "" {
				b, err := os.ReadFile(sigFile)
				if err != nil {
					return fmt.Errorf("read signature: %w", err)
				}
				sig = b
			}
			res, err := a.mgr.Install(ctx, args[0], bundle.InstallOptions{
				ExpectedHash: expected,
				Signature:    sig,
				Source:       "local",
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&expected, "expected-hash", "", "reject the archive unless its content hash matches")
	cmd.Flags().StringVar(&sigFile, "signature-file", "", "detached signature over the hex content hash")
	return cmd
}

func newDigestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "digest FILE",
		Short: "Print the content hash of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), managerDeps{}); err != nil {
				return err
			}
			h, err := a.mgr.Digest(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func newExtractCmd(a *app) *cobra.Command {
	var entry string
	cmd := &cobra.Command{
		Use:   "extract ARCHIVE DEST",
		Short: "Extract an archive, or one entry of it, into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, managerDeps{}); err != nil {
				return err
			}
			mode := archive.Full()
			if entry != "" {
				mode = archive.SingleEntry(entry)
			}
			if err := a.mgr.Extract(ctx, args[0], args[1], mode, ""); err != nil {
				return err
			}
			a.L.Info(ctx, "extracted archive", "archive", args[0], "dest", args[1], "mode", mode.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&entry, "entry", "", "extract only this entry")
	return cmd
}

func newSealCmd(a *app) *cobra.Command {
	var workFactor int
	cmd := &cobra.Command{
		Use:   "seal ARCHIVE OUT",
		Short: "Encrypt an archive with the configured passphrase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			tmp := args[1] + ".tmp"
			dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			if err := archive.Seal(dst, src, a.passphrase, workFactor); err != nil {
				dst.Close()
				os.Remove(tmp)
				return err
			}
			if err := dst.Close(); err != nil {
				os.Remove(tmp)
				return err
			}
			return os.Rename(tmp, args[1])
		},
	}
	cmd.Flags().IntVar(&workFactor, "work-factor", 0, "scrypt work factor (log2 N), 0 for the default")
	return cmd
}

func newHashCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the last valid bundle hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), managerDeps{}); err != nil {
				return err
			}
			h, ok, err := a.mgr.LastValidHash()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no valid bundle recorded for app version %s", a.conf.AppVersion)
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set HASH",
		Short: "Record HASH as installed for the current app version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), managerDeps{}); err != nil {
				return err
			}
			return a.mgr.SetLastValidHash(strings.ToLower(strings.TrimSpace(args[0])))
		},
	})
	return cmd
}

func newToggleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "toggle use_bundle|use_download [true|false]",
		Short:     "Read or set a persisted toggle",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"use_bundle", "use_download"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), managerDeps{}); err != nil {
				return err
			}
			var get func() (bool, error)
			var set func(bool) error
			switch args[0] {
			case "use_bundle":
				get, set = a.mgr.UseBundle, a.mgr.SetUseBundle
			case "use_download":
				get, set = a.mgr.UseDownload, a.mgr.SetUseDownload
			default:
				return fmt.Errorf("unknown toggle %q", args[0])
			}
			if len(args) == 2 {
				val, err := strconv.ParseBool(args[1])
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", args[1], err)
				}
				return set(val)
			}
			val, err := get()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}
}

func newDownloadURLCmd(a *app) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "download-url [URL]",
		Short: "Read or override the bundle server URL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), managerDeps{}); err != nil {
				return err
			}
			switch {
			case clear:
				return a.mgr.SetDownloadURL("")
			case len(args) == 1:
				return a.mgr.SetDownloadURL(args[0])
			}
			u, err := a.mgr.DownloadURL()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the override and use the default server")
	return cmd
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print toggles, persisted hash and bundle server parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), managerDeps{}); err != nil {
				return err
			}
			info, err := a.mgr.Info()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newPackageInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "package-info",
		Short: "Print the active bundle's bundle.info.json, or null",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), managerDeps{}); err != nil {
				return err
			}
			raw, ok, err := a.mgr.PackageInfo()
			if err != nil {
				return err
			}
			if !ok {
				raw = json.RawMessage("null")
			}
			return writeJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Check the bundle server once and install a newer bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := a.initialize(cmd)
			if err != nil {
				return err
			}
			fetcher, err := a.newFetcher(ctx)
			if err != nil {
				return err
			}
			if fetcher == nil {
				return fmt.Errorf("fetch source is %q", a.conf.FetchSource)
			}
			if on, _ := a.mgr.UseDownload(); !on {
				a.L.Warn(ctx, "use_download is disabled, nothing to do")
			}
			w := bundle.NewWatcher(bundle.WatcherOptions{
				Logger:  a.L,
				Fetcher: fetcher,
				Manager: a.mgr,
			})
			installed := w.CheckOnce(ctx)
			state, hash := a.mgr.State()
			prev := ""
			if installed {
				prev = res.Hash
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				Installed    bool   `json:"installed"`
				PreviousHash string `json:"previous_hash,omitempty"`
				Hash         string `json:"hash,omitempty"`
				State        string `json:"state"`
			}{installed, prev, hash, state.String()})
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:         "version",
		Short:       "Print version and build information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			vi := v.Get()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), vi)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, vi)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
