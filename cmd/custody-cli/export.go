package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"evidence-custody/internal/bootstrap"
	"evidence-custody/internal/platform/fsutil"
	"evidence-custody/internal/services/export"

	"github.com/spf13/cobra"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		dest      string
		withPDF   bool
		asArchive bool
	)

	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Export evidence with its chain-of-custody report",
		Long: `Re-verify the evidence and copy the original and every derivative into
DEST/ID/, writing DEST/chain_of_custody_ID.json next to it. Exporting the same
unchanged evidence twice produces byte-identical files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				target := strings.TrimSpace(dest)
				if target == "" {
					target = svc.Config.ExportDir
				}
				exp, err := svc.Export.Export(ctx, args[0], target, export.Options{
					Actor:   opts.actor,
					PDF:     withPDF,
					Archive: asArchive,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return printJSON(out, exp)
				}
				if exp.IntegrityValid {
					successColor.Fprintf(out, "✓ Exported %s to %s\n", exp.EvidenceID, exp.ExportDir)
				} else {
					warningColor.Fprintf(out, "⚠ Exported %s to %s, integrity check FAILED\n", exp.EvidenceID, exp.ExportDir)
				}
				fmt.Fprintln(out)
				headerColor.Fprintf(out, "%-12s %-16s %10s  %s\n", "KIND", "SHA-256", "BYTES", "PATH")
				fmt.Fprintln(out, strings.Repeat("-", 100))
				for _, f := range exp.Files {
					fmt.Fprintf(out, "%-12s %-16s %10d  %s\n", f.Kind, truncate(f.SHA256, 16), f.SizeBytes, f.Path)
				}
				fmt.Fprintf(out, "\nreport digest: %s\n", exp.ReportDigest)
				for _, w := range exp.Warnings {
					warningColor.Fprintf(out, "warning: %s\n", w)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory (config export_dir if empty)")
	cmd.Flags().BoolVar(&withPDF, "pdf", false, "also render a PDF report")
	cmd.Flags().BoolVar(&asArchive, "archive", false, "also pack the export into a zip with hashes.sha256")
	return cmd
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report ID",
		Short: "Print a freshly verified chain-of-custody report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				rep, err := svc.Export.Report(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newDedupCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Content-defined chunk store for stored evidence",
		Long: `Split verified evidence into content-defined chunks stored once under
Chunks/, and rebuild originals from their chunk manifests.`,
	}
	cmd.AddCommand(newDedupIndexCmd(opts), newDedupRestoreCmd(opts))
	return cmd
}

func newDedupIndexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index ID",
		Short: "Chunk evidence into the shared chunk store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				res, err := svc.Dedup.Index(ctx, args[0], opts.actor)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return printJSON(out, res)
				}
				successColor.Fprintf(out, "✓ Indexed %s\n", res.EvidenceID)
				fmt.Fprintf(out, "  chunks:      %d (%d unique, %d duplicate)\n", res.TotalChunks, res.UniqueChunks, res.DuplicateChunks)
				fmt.Fprintf(out, "  bytes saved: %d\n", res.BytesSaved)
				fmt.Fprintf(out, "  stored:      %d bytes (%s)\n", res.StoredBytes, res.Compression)
				fmt.Fprintf(out, "  manifest:    %s\n", res.ManifestPath)
				return nil
			})
		},
	}
}

func newDedupRestoreCmd(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Rebuild an original from its chunk manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outPath) == "" {
				return fmt.Errorf("--out is required")
			}
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				f, err := fsutil.Create(outPath)
				if err != nil {
					return err
				}
				n, err := svc.Dedup.Restore(ctx, args[0], f)
				if err != nil {
					f.Abort()
					return err
				}
				if err := f.Commit(); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return printJSON(out, map[string]any{"evidenceId": args[0], "path": outPath, "bytes": n})
				}
				successColor.Fprintf(out, "✓ Restored %s (%d bytes) to %s\n", args[0], n, outPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (required)")
	return cmd
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
