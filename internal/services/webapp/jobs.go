package webapp

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/id"
	"evidence-custody/internal/services/lifecycle"
)

// 任务状态。
const (
	jobRunning = "running"
	jobSuccess = "success"
	jobFailed  = "failed"
)

type jobManager struct {
	mu   sync.Mutex
	jobs map[string]*verifyJob
}

func newJobManager() *jobManager {
	return &jobManager{jobs: make(map[string]*verifyJob)}
}

type verifyJob struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`

	CaseID string `json:"case_id,omitempty"`
	Actor  string `json:"actor"`

	// Done 随每条校验完成递增，Total 在列出证据后确定。
	Done  int `json:"done"`
	Total int `json:"total"`

	Summary *lifecycle.BatchSummary `json:"summary,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

func (m *jobManager) put(job *verifyJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
}

func (m *jobManager) update(jobID string, fn func(j *verifyJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		fn(j)
	}
}

func (m *jobManager) getCopy(jobID string) (verifyJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j == nil {
		return verifyJob{}, false
	}
	return *j, true
}

func (m *jobManager) listCopies() []verifyJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]verifyJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j != nil {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt > out[k].CreatedAt
		}
		return out[i].JobID > out[k].JobID
	})
	return out
}

type verifyAllRequest struct {
	CaseID      string `json:"case_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// handleJobVerifyAll 在后台对全部（或指定案件的）证据执行批量完整性校验。
func (s *Server) handleJobVerifyAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req verifyAllRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	status := model.Status(strings.TrimSpace(req.Status))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", req.Status))
		return
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = s.svc.Config.VerifyConcurrency
	}

	job := &verifyJob{
		JobID:     id.New("job"),
		Kind:      "verify_all",
		Status:    jobRunning,
		CreatedAt: time.Now().Unix(),
		CaseID:    strings.TrimSpace(req.CaseID),
		Actor:     actorOr(req.Actor, r.Header.Get("X-Actor")),
	}
	s.jobs.put(job)
	resp := *job

	go func() {
		// 任务独立于请求生命周期。
		ctx := context.Background()
		filter := model.EvidenceFilter{CaseID: job.CaseID, Status: status}
		sum, err := s.svc.Lifecycle.VerifyBatch(ctx, filter, concurrency, resp.Actor, func(lifecycle.BatchItem) {
			s.jobs.update(resp.JobID, func(j *verifyJob) { j.Done++ })
		})
		s.jobs.update(resp.JobID, func(j *verifyJob) {
			j.FinishedAt = time.Now().Unix()
			if err != nil {
				j.Status = jobFailed
				j.Error = err.Error()
				return
			}
			j.Status = jobSuccess
			j.Total = sum.Total
			j.Summary = &sum
		})
		if err != nil {
			s.logger.Errorw("verify job failed", "job_id", resp.JobID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.listCopies()})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	job, ok := s.jobs.getCopy(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found: %s", jobID))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
