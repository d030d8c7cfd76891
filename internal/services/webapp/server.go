package webapp

import (
	"net/http"

	"evidence-custody/internal/bootstrap"
	"evidence-custody/internal/platform/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server 是 API 的运行时对象。
type Server struct {
	opts   Options
	svc    *bootstrap.Services
	logger *zap.SugaredLogger
	jobs   *jobManager
}

func NewServer(opts Options) *Server {
	return &Server{
		opts:   opts,
		svc:    opts.Services,
		logger: logging.OrNop(opts.Services.Logger).Named("webapp"),
		jobs:   newJobManager(),
	}
}

// Handler 返回注册好全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/meta", s.handleMeta)
	mux.HandleFunc("/api/evidence", s.handleEvidence)
	mux.HandleFunc("/api/evidence/", s.handleEvidenceRoutes)
	mux.HandleFunc("/api/jobs/verify-all", s.handleJobVerifyAll)
	mux.HandleFunc("/api/jobs", s.handleJobList)
	mux.HandleFunc("/api/jobs/", s.handleJobGet)
	mux.Handle("/metrics", promhttp.HandlerFor(s.svc.Registry, promhttp.HandlerOpts{}))
}
