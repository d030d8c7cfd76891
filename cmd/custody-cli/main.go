package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"evidence-custody/internal/app"
	"evidence-custody/internal/bootstrap"
	"evidence-custody/internal/platform/logging"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 输出配色。
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgWhite, color.Bold)
)

// errCheckFailed 表示命令执行成功但校验结果不通过，进程以退出码 2 结束。
var errCheckFailed = errors.New("check failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errCheckFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// rootOptions 是全局 flag，每次构建命令树时新建一份。
type rootOptions struct {
	configFile string
	jsonOutput bool
	noColor    bool
	quiet      bool
	actor      string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "custody-cli",
		Short: "Digital evidence chain-of-custody tool",
		Long: `Ingest digital evidence, keep a hash-linked chain of custody for every item,
re-verify integrity on demand, register processed derivatives and export
court-ready custody packages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: ./custody.yaml or ./config/custody.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress service logs")
	cmd.PersistentFlags().StringVar(&opts.actor, "actor", defaultActor(), "actor recorded in the chain of custody")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "abort the command after this duration (0 = no limit)")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newIngestCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newVerifyCmd(opts),
		newChainCmd(opts),
		newAppendCmd(opts),
		newProcessCmd(opts),
		newArchiveCmd(opts),
		newQuarantineCmd(opts),
		newExportCmd(opts),
		newReportCmd(opts),
		newDedupCmd(opts),
		newAuditCmd(opts),
		newPolicyCmd(opts),
		newServeCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

func defaultActor() string {
	for _, k := range []string{"CUSTODY_ACTOR", "USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return "cli"
}

// loadConfig 读取配置文件与 CUSTODY_* 环境变量。
func (o *rootOptions) loadConfig() (*app.Config, error) {
	return app.LoadConfig(o.configFile)
}

func (o *rootOptions) logger(cfg *app.Config) (*zap.SugaredLogger, error) {
	if o.quiet {
		return logging.Nop(), nil
	}
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

// withServices 加载配置、装配服务，执行 fn 后释放资源。
func (o *rootOptions) withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *bootstrap.Services) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	logger, err := o.logger(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	svc, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
