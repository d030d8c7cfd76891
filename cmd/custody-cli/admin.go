package main

import (
	"context"
	"fmt"
	"strings"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/policy"
	"evidence-custody/internal/adapters/store/sqlite"
	"evidence-custody/internal/app"
	"evidence-custody/internal/bootstrap"
	"evidence-custody/internal/services/processing"
	"evidence-custody/internal/services/webapp"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Repository != app.RepositorySQLite {
				warningColor.Fprintf(out, "repository %q keeps no schema; nothing to migrate\n", cfg.Repository)
				return nil
			}

			ctx := cmd.Context()
			db, err := sqlite.OpenDB(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := sqlite.NewMigrator(db).Applied(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(out, map[string]any{"db_path": cfg.DBPath, "applied": applied})
			}
			successColor.Fprintf(out, "✓ database ready: %s\n", cfg.DBPath)
			for _, name := range applied {
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		},
	}
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit ID",
		Short: "List and verify the access log of an evidence item",
		Long: `Print the hash-chained access log (ingest, view, process, export ...) of an
evidence item and recompute its chain. Requires the sqlite repository.
Exits with status 2 when the access log chain is broken.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				if svc.AccessLogs == nil {
					return fmt.Errorf("access logs require the %s repository (current: %s)", app.RepositorySQLite, svc.Config.Repository)
				}
				logs, err := svc.AccessLogs.ListAccessLogs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				res := audit.VerifyAccessLogs(logs, sqlite.AccessChainHash)

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					if err := printJSON(out, map[string]any{"logs": logs, "verification": res}); err != nil {
						return err
					}
				} else {
					headerColor.Fprintf(out, "%-20s %-12s %-20s %s\n", "TIME", "ACTION", "USER", "CHAIN HASH")
					fmt.Fprintln(out, strings.Repeat("-", 80))
					for _, l := range logs {
						fmt.Fprintf(out, "%-20s %-12s %-20s %s\n", formatTime(l.OccurredAt), l.Action, truncate(l.UserID, 20), truncate(l.ChainHash, 16))
					}
					fmt.Fprintln(out)
					if res.OK {
						successColor.Fprintf(out, "✓ access log chain valid (%d records)\n", res.Total)
					} else {
						errorColor.Fprintf(out, "✗ access log chain broken: %d of %d records\n", res.Failed, res.Total)
						for _, f := range res.Failures {
							errorColor.Fprintf(out, "  #%d %s %s\n", f.Index, f.EventID, f.Message)
						}
					}
				}
				if !res.OK {
					return fmt.Errorf("%w: access log of %s has %d broken records", errCheckFailed, args[0], res.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum records (up to 5000)")
	return cmd
}

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the storage policy",
	}

	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a storage policy file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			path := strings.TrimSpace(file)
			if path == "" {
				path = cfg.PolicyPath
			}
			loaded, err := policy.NewLoader(path, cfg.EvidenceRoot).Load(cmd.Context())
			if err != nil {
				return err
			}
			p := loaded.Policy

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, map[string]any{
					"source":                 loaded.Source,
					"sha256":                 loaded.SHA256,
					"version":                p.Version,
					"root":                   p.StorageRoot(),
					"allowed_extensions":     p.AllowedExtensions,
					"max_file_size_bytes":    p.MaxFileSize(),
					"default_classification": p.DefaultClassification,
					"classifications":        p.Classifications,
					"hash_algorithms":        p.DigestAlgorithms(),
					"chunk_compression":      p.ChunkCompression,
				})
			}
			successColor.Fprintln(out, "✓ storage policy valid")
			fmt.Fprintf(out, "  source:          %s\n", loaded.Source)
			if loaded.SHA256 != "" {
				fmt.Fprintf(out, "  sha256:          %s\n", loaded.SHA256)
			}
			fmt.Fprintf(out, "  version:         %s\n", p.Version)
			fmt.Fprintf(out, "  root:            %s\n", p.StorageRoot())
			fmt.Fprintf(out, "  extensions:      %d allowed\n", len(p.AllowedExtensions))
			fmt.Fprintf(out, "  max file size:   %d bytes\n", p.MaxFileSize())
			fmt.Fprintf(out, "  classifications: default=%s mapped=%d\n", p.DefaultClassification, len(p.Classifications))
			fmt.Fprintf(out, "  digests:         %s\n", strings.Join(p.DigestAlgorithms(), ", "))
			fmt.Fprintf(out, "  chunks:          %s\n", p.ChunkCompression)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&file, "file", "f", "", "policy file (config policy_path if empty)")

	cmd.AddCommand(validateCmd)
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen    string
		maxUpload int64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API and /metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				infoColor.Fprintf(cmd.OutOrStdout(), "serving %s repository on %s\n", svc.Config.Repository, listenOr(listen, svc.Config.ListenAddr))
				return webapp.Run(ctx, webapp.Options{
					Services:       svc,
					ListenAddr:     listen,
					MaxUploadBytes: maxUpload,
				})
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (config listen_addr if empty)")
	cmd.Flags().Int64Var(&maxUpload, "max-upload", 0, "upload limit in bytes (policy max file size if 0)")
	return cmd
}

func listenOr(flag, cfg string) string {
	if strings.TrimSpace(flag) != "" {
		return flag
	}
	return cfg
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			info := map[string]any{
				"version":    app.Version,
				"commit":     app.Commit,
				"build_time": app.BuildTime,
				"builtins":   processing.BuiltinNames(),
			}
			if opts.jsonOutput {
				return printJSON(out, info)
			}
			fmt.Fprintf(out, "custody-cli %s (commit %s, built %s)\n", app.Version, app.Commit, app.BuildTime)
			fmt.Fprintf(out, "built-in transforms: %s\n", strings.Join(processing.BuiltinNames(), ", "))
			return nil
		},
	}
}
