package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"evidence-custody/internal/bootstrap"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/ingest"
	"evidence-custody/internal/services/lifecycle"
	"evidence-custody/internal/services/processing"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type ingestFlags struct {
	metadataFile   string
	caseID         string
	caseNumber     string
	collectedBy    string
	location       string
	deviceSource   string
	description    string
	classification string
	declaredType   string
	fields         map[string]string
}

// metadata 先读 --metadata 文件（YAML 或 JSON），再用命令行 flag 覆盖。
func (f *ingestFlags) metadata() (model.EvidenceMetadata, error) {
	var md model.EvidenceMetadata
	if f.metadataFile != "" {
		raw, err := os.ReadFile(f.metadataFile)
		if err != nil {
			return md, fmt.Errorf("read metadata file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &md); err != nil {
			return md, fmt.Errorf("parse metadata file %s: %w", f.metadataFile, err)
		}
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&md.CaseID, f.caseID)
	set(&md.CaseNumber, f.caseNumber)
	set(&md.CollectedBy, f.collectedBy)
	set(&md.CollectionLocation, f.location)
	set(&md.DeviceSource, f.deviceSource)
	set(&md.Description, f.description)
	set(&md.Classification, f.classification)
	if t := strings.TrimSpace(f.declaredType); t != "" {
		md.DeclaredType = model.EvidenceType(t)
	}
	if len(f.fields) > 0 {
		if md.CustomFields == nil {
			md.CustomFields = make(map[string]string, len(f.fields))
		}
		for k, v := range f.fields {
			md.CustomFields[k] = v
		}
	}
	return md, nil
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	f := &ingestFlags{}

	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest a file as new evidence",
		Long: `Validate, hash and store a file as new evidence, then write the genesis
chain-of-custody entry. Every ingestion yields a new evidence id, even for
content that was ingested before.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := f.metadata()
			if err != nil {
				return err
			}
			path := args[0]
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer file.Close()
			st, err := file.Stat()
			if err != nil {
				return err
			}
			if st.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}

			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				ev, err := svc.Gate.Ingest(ctx, ingest.Request{
					Reader:   file,
					FileName: filepath.Base(path),
					Size:     st.Size(),
					Metadata: md,
					Actor:    opts.actor,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return printJSON(out, ev)
				}
				successColor.Fprintf(out, "✓ Ingested %s\n", ev.OriginalFileName)
				fmt.Fprintf(out, "  id:             %s\n", ev.ID)
				fmt.Fprintf(out, "  type:           %s\n", ev.Type)
				fmt.Fprintf(out, "  classification: %s\n", ev.Classification)
				fmt.Fprintf(out, "  size:           %d bytes\n", ev.SizeBytes)
				for _, alg := range sortedKeys(ev.Hashes) {
					fmt.Fprintf(out, "  %-14s  %s\n", alg+":", ev.Hashes[alg])
				}
				fmt.Fprintf(out, "  stored at:      %s\n", ev.StoragePath)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&f.metadataFile, "metadata", "m", "", "metadata file (YAML or JSON)")
	cmd.Flags().StringVar(&f.caseID, "case-id", "", "case id")
	cmd.Flags().StringVar(&f.caseNumber, "case-number", "", "case number")
	cmd.Flags().StringVar(&f.collectedBy, "collected-by", "", "collecting officer")
	cmd.Flags().StringVar(&f.location, "location", "", "collection location")
	cmd.Flags().StringVar(&f.deviceSource, "device", "", "source device")
	cmd.Flags().StringVar(&f.description, "description", "", "free-text description")
	cmd.Flags().StringVar(&f.classification, "classification", "", "classification label (policy default if empty)")
	cmd.Flags().StringVar(&f.declaredType, "type", "", "declared evidence type (detected from the extension if empty)")
	cmd.Flags().StringToStringVar(&f.fields, "field", nil, "custom metadata field key=value (repeatable)")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		caseID string
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List evidence",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.Status(strings.TrimSpace(status))
			if st != "" && !st.Valid() {
				return fmt.Errorf("invalid status: %s", status)
			}
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				rows, err := svc.Repo.List(ctx, model.EvidenceFilter{CaseID: caseID, Status: st, Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return printJSON(out, rows)
				}
				if len(rows) == 0 {
					warningColor.Fprintln(out, "No evidence found")
					return nil
				}
				headerColor.Fprintf(out, "%-42s %-12s %-24s %-12s %6s %s\n", "ID", "STATUS", "FILE", "CASE", "CHAIN", "SHA-256")
				fmt.Fprintln(out, strings.Repeat("-", 120))
				for _, r := range rows {
					fmt.Fprintf(out, "%-42s %-12s %-24s %-12s %6d %s\n",
						r.ID, r.Status, truncate(r.OriginalFileName, 24), truncate(r.CaseID, 12), r.ChainLength, truncate(r.SHA256, 16))
				}
				fmt.Fprintf(out, "\nTotal: %d\n", len(rows))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&caseID, "case-id", "", "filter by case id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "show ID",
		Aliases: []string{"get"},
		Short:   "Show one evidence record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				ev, err := svc.Repo.Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return printJSON(out, ev)
				}
				headerColor.Fprintf(out, "%s\n", ev.ID)
				fmt.Fprintf(out, "  file:           %s (%d bytes, %s)\n", ev.OriginalFileName, ev.SizeBytes, ev.Type)
				fmt.Fprintf(out, "  case:           %s %s\n", ev.CaseID, ev.CaseNumber)
				fmt.Fprintf(out, "  status:         %s\n", ev.Status)
				fmt.Fprintf(out, "  classification: %s\n", ev.Classification)
				fmt.Fprintf(out, "  ingested at:    %s\n", formatTime(ev.IngestedAt))
				fmt.Fprintf(out, "  storage path:   %s\n", ev.StoragePath)
				for _, alg := range sortedKeys(ev.Hashes) {
					fmt.Fprintf(out, "  %-14s  %s\n", alg+":", ev.Hashes[alg])
				}
				if ev.IntegrityValid != nil && ev.IntegrityCheckedAt != nil {
					fmt.Fprintf(out, "  last check:     %s at %s\n", passFail(*ev.IntegrityValid), formatTime(*ev.IntegrityCheckedAt))
				}
				fmt.Fprintf(out, "  chain entries:  %d\n", len(ev.ChainOfCustody))
				if len(ev.ProcessedVersions) > 0 {
					fmt.Fprintln(out, "  derivatives:")
					for _, p := range ev.ProcessedVersions {
						fmt.Fprintf(out, "    - %s %s %s\n", p.ProcessingType, truncate(p.ProcessedHash, 16), p.StoragePath)
					}
				}
				return nil
			})
		},
	}
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var (
		all         bool
		caseID      string
		status      string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "verify [ID]",
		Short: "Re-hash stored evidence and compare with the recorded digests",
		Long: `Verify one evidence item, or every item matching --case-id/--status with --all.
A failed check quarantines the item when quarantine_on_failure is enabled.
Exits with status 2 when any item fails verification.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all && caseID == "" {
				return fmt.Errorf("an evidence id, --all or --case-id is required")
			}
			st := model.Status(strings.TrimSpace(status))
			if st != "" && !st.Valid() {
				return fmt.Errorf("invalid status: %s", status)
			}
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					valid, err := svc.Lifecycle.CheckIntegrity(ctx, args[0], opts.actor)
					if err != nil {
						return err
					}
					if opts.jsonOutput {
						if err := printJSON(out, lifecycle.BatchItem{EvidenceID: args[0], Valid: valid}); err != nil {
							return err
						}
					} else if valid {
						successColor.Fprintf(out, "✓ %s integrity verified\n", args[0])
					} else {
						errorColor.Fprintf(out, "✗ %s integrity check FAILED\n", args[0])
					}
					if !valid {
						return fmt.Errorf("%w: evidence %s", errCheckFailed, args[0])
					}
					return nil
				}

				n := concurrency
				if n <= 0 {
					n = svc.Config.VerifyConcurrency
				}
				var mu sync.Mutex
				onItem := func(it lifecycle.BatchItem) {
					if opts.jsonOutput {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					printBatchItem(cmd, it)
				}
				sum, err := svc.Lifecycle.VerifyBatch(ctx, model.EvidenceFilter{CaseID: caseID, Status: st}, n, opts.actor, onItem)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					if err := printJSON(out, sum); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(out, strings.Repeat("-", 60))
					fmt.Fprintf(out, "Total: %d  ", sum.Total)
					successColor.Fprintf(out, "valid: %d  ", sum.Valid)
					errorColor.Fprintf(out, "invalid: %d  ", sum.Invalid)
					warningColor.Fprintf(out, "failed: %d\n", sum.Failed)
				}
				if !sum.OK() {
					return fmt.Errorf("%w: %d invalid, %d failed", errCheckFailed, sum.Invalid, sum.Failed)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "verify every evidence item")
	cmd.Flags().StringVar(&caseID, "case-id", "", "verify all evidence of a case")
	cmd.Flags().StringVar(&status, "status", "", "restrict batch verification to a status")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel verifications (config verify_concurrency if 0)")
	return cmd
}

func printBatchItem(cmd *cobra.Command, it lifecycle.BatchItem) {
	out := cmd.OutOrStdout()
	switch {
	case it.Error != "":
		warningColor.Fprintf(out, "! %s %s\n", it.EvidenceID, it.Error)
	case it.Valid:
		successColor.Fprintf(out, "✓ %s\n", it.EvidenceID)
	default:
		errorColor.Fprintf(out, "✗ %s\n", it.EvidenceID)
	}
}

func newChainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "chain ID",
		Aliases: []string{"custody"},
		Short:   "Show and validate the chain of custody",
		Long: `Print every chain-of-custody entry of an evidence item and recompute the hash
links. Exits with status 2 and reports the first diverging entry when the
chain has been altered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				ev, res, err := svc.Ledger.ValidateID(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					if err := printJSON(out, map[string]any{"entries": ev.ChainOfCustody, "validation": res}); err != nil {
						return err
					}
				} else {
					headerColor.Fprintf(out, "%-4s %-20s %-24s %-16s %-16s %s\n", "SEQ", "TIME", "ACTION", "ACTOR", "HASH", "DETAILS")
					fmt.Fprintln(out, strings.Repeat("-", 110))
					for i, e := range ev.ChainOfCustody {
						line := fmt.Sprintf("%-4d %-20s %-24s %-16s %-16s %s\n",
							e.Sequence, formatTime(e.Timestamp), e.Action, truncate(e.Actor, 16), truncate(e.Hash, 16), truncate(e.Details, 40))
						if !res.OK && i >= res.FirstDivergence {
							errorColor.Fprint(out, line)
						} else {
							fmt.Fprint(out, line)
						}
					}
					fmt.Fprintln(out)
					if res.OK {
						successColor.Fprintf(out, "✓ chain valid (%d entries)\n", res.Total)
					} else {
						errorColor.Fprintf(out, "✗ chain diverges at entry %d", res.FirstDivergence)
						if res.Failure != nil {
							errorColor.Fprintf(out, " (%s)", res.Failure.Reason)
						}
						fmt.Fprintln(out)
					}
				}
				if !res.OK {
					return fmt.Errorf("%w: chain of %s diverges at %d", errCheckFailed, ev.ID, res.FirstDivergence)
				}
				return nil
			})
		},
	}
}

func newAppendCmd(opts *rootOptions) *cobra.Command {
	var action, details string
	cmd := &cobra.Command{
		Use:     "append ID",
		Aliases: []string{"note"},
		Short:   "Append a manual entry (handover, review note) to the chain of custody",
		Long: `Append an operator entry to the chain of custody of an evidence item, for
example a handover between custodians or a review note. Lifecycle actions
(INGESTED, ARCHIVED, QUARANTINED, PROCESSED_*) are written by their own
commands and are rejected here. Archived evidence accepts no new entries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				e, err := svc.Ledger.Append(ctx, args[0], action, opts.actor, details)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return printJSON(out, e)
				}
				successColor.Fprintf(out, "✓ entry %d %s appended to %s\n", e.Sequence, e.Action, args[0])
				fmt.Fprintf(out, "  hash: %s\n", e.Hash)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", model.ActionNote, "custody action name")
	cmd.Flags().StringVar(&details, "details", "", "free-text details recorded with the entry")
	return cmd
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var (
		processingType string
		builtin        string
		execName       string
	)

	cmd := &cobra.Command{
		Use:   "process ID [-- ARGS...]",
		Short: "Register a processed derivative of verified evidence",
		Long: fmt.Sprintf(`Re-verify the original, run a transform over it and register the output as a
derivative under Processed/. The transform is either a built-in (%s)
or an external command given with --exec, which reads the original on stdin
and writes the derivative to stdout. Arguments after the evidence id are
passed to the external command.

Examples:
  custody-cli process ev_... --type ocr --builtin strings
  custody-cli process ev_... --type ocr --exec tesseract -- stdin stdout`, strings.Join(processing.BuiltinNames(), ", ")),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(processingType) == "" {
				return fmt.Errorf("--type is required")
			}
			var (
				transform processing.Transform
				err       error
			)
			switch {
			case execName != "" && builtin != "":
				return fmt.Errorf("--builtin and --exec are mutually exclusive")
			case execName != "":
				transform = processing.Command(execName, args[1:]...)
			case len(args) > 1:
				return fmt.Errorf("extra arguments are only allowed with --exec")
			case builtin != "":
				transform, err = processing.Builtin(builtin)
			default:
				transform, err = processing.Builtin(processingType)
			}
			if err != nil {
				return err
			}

			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				p, err := svc.Processing.Process(ctx, args[0], processingType, transform, opts.actor)
				out := cmd.OutOrStdout()
				if p != nil && opts.jsonOutput {
					if perr := printJSON(out, p); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if !opts.jsonOutput {
					successColor.Fprintf(out, "✓ %s derivative registered\n", p.ProcessingType)
					fmt.Fprintf(out, "  id:       %s\n", p.ID)
					fmt.Fprintf(out, "  sha-256:  %s\n", p.ProcessedHash)
					fmt.Fprintf(out, "  size:     %d bytes\n", p.SizeBytes)
					fmt.Fprintf(out, "  path:     %s\n", p.StoragePath)
					fmt.Fprintf(out, "  duration: %s\n", p.Duration)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&processingType, "type", "t", "", "processing type recorded as PROCESSED_<TYPE> (required)")
	cmd.Flags().StringVar(&builtin, "builtin", "", "built-in transform name (defaults to --type)")
	cmd.Flags().StringVar(&execName, "exec", "", "external command to run as the transform")
	return cmd
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "archive ID",
		Short: "Archive evidence; no further processing is allowed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				ev, err := svc.Lifecycle.Archive(ctx, args[0], opts.actor, reason)
				if err != nil {
					return err
				}
				return printStatusChange(cmd, opts, ev)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the chain of custody")
	return cmd
}

func newQuarantineCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "quarantine ID",
		Short: "Quarantine evidence whose integrity is in doubt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return opts.withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				ev, err := svc.Lifecycle.Quarantine(ctx, args[0], opts.actor, reason)
				if err != nil {
					return err
				}
				return printStatusChange(cmd, opts, ev)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the chain of custody (required)")
	return cmd
}

func printStatusChange(cmd *cobra.Command, opts *rootOptions, ev *model.Evidence) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		return printJSON(out, ev.Summary())
	}
	successColor.Fprintf(out, "✓ %s is now %s\n", ev.ID, ev.Status)
	if last := ev.LastEntry(); last != nil {
		fmt.Fprintf(out, "  entry %d %s %s\n", last.Sequence, last.Action, last.Hash)
	}
	return nil
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}
