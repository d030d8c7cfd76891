package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/store/sqlite"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/export"
	"evidence-custody/internal/services/ingest"
	"evidence-custody/internal/services/processing"
)

const maxJSONBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "webapp",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := model.Status(strings.TrimSpace(r.URL.Query().Get("status")))
		if status != "" && !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", status))
			return
		}
		rows, err := s.svc.Repo.List(r.Context(), model.EvidenceFilter{
			CaseID: strings.TrimSpace(r.URL.Query().Get("case_id")),
			Status: status,
			Limit:  parseInt(r.URL.Query().Get("limit"), 50),
			Offset: parseInt(r.URL.Query().Get("offset"), 0),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence": rows})
	case http.MethodPost:
		s.handleIngest(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleIngest 接收 multipart 上传：metadata（JSON）与 actor 字段必须位于 file 之前，
// 文件部分直接流入入库流程，不落临时文件。
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.MaxUploadBytes
	if limit <= 0 {
		limit = s.svc.Policy.Policy.MaxFileSize()
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBody)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("expected multipart/form-data: %w", err))
		return
	}

	var meta model.EvidenceMetadata
	actor := r.Header.Get("X-Actor")
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart: %w", err))
			return
		}
		switch part.FormName() {
		case "metadata":
			if err := json.NewDecoder(io.LimitReader(part, maxJSONBody)).Decode(&meta); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid metadata json: %w", err))
				return
			}
		case "actor":
			raw, _ := io.ReadAll(io.LimitReader(part, 256))
			actor = string(raw)
		case "file":
			ev, err := s.svc.Gate.Ingest(r.Context(), ingest.Request{
				Reader:   part,
				FileName: part.FileName(),
				Metadata: meta,
				Actor:    actorOr(actor),
			})
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, ev)
			return
		}
	}
	writeError(w, http.StatusBadRequest, errors.New("missing file part"))
}

func (s *Server) handleEvidenceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/evidence/"), "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	evidenceID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch action {
	case "":
		s.handleEvidenceGet(w, r, evidenceID)
	case "verify":
		s.handleVerify(w, r, evidenceID)
	case "chain":
		s.handleChain(w, r, evidenceID)
	case "process":
		s.handleProcess(w, r, evidenceID)
	case "export":
		s.handleExport(w, r, evidenceID)
	case "report":
		s.handleReport(w, r, evidenceID)
	case "archive":
		s.handleArchive(w, r, evidenceID)
	case "quarantine":
		s.handleQuarantine(w, r, evidenceID)
	case "dedup":
		s.handleDedup(w, r, evidenceID)
	case "restore":
		s.handleRestore(w, r, evidenceID)
	case "file":
		s.handleFile(w, r, evidenceID)
	case "access-logs":
		s.handleAccessLogs(w, r, evidenceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleEvidenceGet(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ev, err := s.svc.Repo.Get(r.Context(), evidenceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.svc.Audit.Record(r.Context(), evidenceID, audit.ActionView, actorOr(r.Header.Get("X-Actor")))
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	valid, err := s.svc.Lifecycle.CheckIntegrity(r.Context(), evidenceID, actorOr(req.Actor, r.Header.Get("X-Actor")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ev, err := s.svc.Repo.Get(r.Context(), evidenceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evidence_id": evidenceID,
		"valid":       valid,
		"status":      ev.Status,
	})
}

type appendRequest struct {
	Action  string `json:"action"`
	Details string `json:"details"`
	Actor   string `json:"actor"`
}

// handleChain: GET 返回监管链及校验结果，POST 追加一条人工条目。
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request, evidenceID string) {
	switch r.Method {
	case http.MethodGet:
		ev, res, err := s.svc.Ledger.ValidateID(r.Context(), evidenceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"evidence_id": evidenceID,
			"entries":     ev.ChainOfCustody,
			"validation":  res,
		})
	case http.MethodPost:
		var req appendRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		action := strings.TrimSpace(req.Action)
		if action == "" {
			action = model.ActionNote
		}
		e, err := s.svc.Ledger.Append(r.Context(), evidenceID, action, actorOr(req.Actor, r.Header.Get("X-Actor")), req.Details)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type processRequest struct {
	Type    string `json:"type"`
	Builtin string `json:"builtin"`
	Actor   string `json:"actor"`
}

// handleProcess 只开放内置处理器；外部命令处理只能通过 CLI 执行。
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req processRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	builtin := strings.TrimSpace(req.Builtin)
	if builtin == "" {
		builtin = req.Type
	}
	transform, err := processing.Builtin(builtin)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	processingType := req.Type
	if strings.TrimSpace(processingType) == "" {
		processingType = builtin
	}
	p, err := s.svc.Processing.Process(r.Context(), evidenceID, processingType, transform, actorOr(req.Actor, r.Header.Get("X-Actor")))
	if err != nil {
		if p != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "processed": p})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type exportRequest struct {
	Destination string `json:"destination"`
	PDF         bool   `json:"pdf"`
	Archive     bool   `json:"archive"`
	Actor       string `json:"actor"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req exportRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	dest, err := exportDestination(s.svc.Config.ExportDir, req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	exp, err := s.svc.Export.Export(r.Context(), evidenceID, dest, export.Options{
		Actor:   actorOr(req.Actor, r.Header.Get("X-Actor")),
		PDF:     req.PDF,
		Archive: req.Archive,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// exportDestination 把请求中的目标解析为导出根目录下的子目录；
// 绝对路径或经 .. 跳出导出根目录的路径一律拒绝。
func exportDestination(base, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return base, nil
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: destination must be relative to the export directory", model.ErrValidation)
	}
	dest := filepath.Join(base, rel)
	within, err := filepath.Rel(base, dest)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: destination %q escapes the export directory", model.ErrValidation, rel)
	}
	return dest, nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rep, err := s.svc.Export.Report(r.Context(), evidenceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type statusRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req statusRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	ev, err := s.svc.Lifecycle.Archive(r.Context(), evidenceID, actorOr(req.Actor, r.Header.Get("X-Actor")), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req statusRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	ev, err := s.svc.Lifecycle.Quarantine(r.Context(), evidenceID, actorOr(req.Actor, r.Header.Get("X-Actor")), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDedup(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	res, err := s.svc.Dedup.Index(r.Context(), evidenceID, actorOr(req.Actor, r.Header.Get("X-Actor")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRestore 流式返回由块重组的原件；重组中途发现损坏时连接会被中断。
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, err := s.svc.Dedup.LoadManifest(evidenceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(m.SizeBytes, 10))
	w.Header().Set("X-Content-SHA256", m.FileHash)
	if _, err := s.svc.Dedup.Restore(r.Context(), evidenceID, w); err != nil {
		s.logger.Errorw("restore failed", "evidence_id", evidenceID, "error", err)
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ev, err := s.svc.Repo.Get(r.Context(), evidenceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.svc.Audit.Record(r.Context(), evidenceID, audit.ActionView, actorOr(r.Header.Get("X-Actor")))
	w.Header().Set("X-Content-SHA256", ev.PrimaryHash())
	serveFile(w, r, ev.StoragePath, ev.OriginalFileName)
}

func (s *Server) handleAccessLogs(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.svc.AccessLogs == nil {
		writeError(w, http.StatusNotImplemented, errors.New("access logs require the sqlite repository"))
		return
	}
	logs, err := s.svc.AccessLogs.ListAccessLogs(r.Context(), evidenceID, parseInt(r.URL.Query().Get("limit"), 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evidence_id":  evidenceID,
		"logs":         logs,
		"verification": audit.VerifyAccessLogs(logs, sqlite.AccessChainHash),
	})
}

// statusFor 把领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrIntegrity),
		errors.Is(err, model.ErrArchived),
		errors.Is(err, model.ErrQuarantined),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrProcessing):
		return http.StatusUnprocessableEntity
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return false
	}
	return true
}

// decodeOptionalJSON 允许空请求体。
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return false
	}
	return true
}

func actorOr(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return "system"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
