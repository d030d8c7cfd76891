// Package webapp 提供证据服务的 JSON API 与 /metrics。
package webapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"evidence-custody/internal/bootstrap"
)

// Options 定义 API 服务启动参数。
type Options struct {
	Services   *bootstrap.Services
	ListenAddr string
	// MaxUploadBytes 为 0 时使用存储策略的单文件上限。
	MaxUploadBytes int64
}

// Run 启动 HTTP 服务，ctx 取消后优雅关闭。
func Run(ctx context.Context, opts Options) error {
	if opts.Services == nil {
		return errors.New("webapp: services are required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = opts.Services.Config.ListenAddr
	}

	s := NewServer(opts)
	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("webapp listening", "addr", fmt.Sprintf("http://%s", opts.ListenAddr))
	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
