package webapp

import (
	"net/http"
	"time"

	"evidence-custody/internal/app"
	"evidence-custody/internal/services/processing"
)

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	pol := s.svc.Policy.Policy
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"repository": s.svc.Config.Repository,
		"policy": map[string]any{
			"source":             s.svc.Policy.Source,
			"sha256":             s.svc.Policy.SHA256,
			"version":            pol.Version,
			"root":               pol.StorageRoot(),
			"allowed_extensions": pol.AllowedExtensions,
			"max_file_size":      pol.MaxFileSize(),
			"hash_algorithms":    pol.DigestAlgorithms(),
			"chunk_compression":  pol.ChunkCompression,
		},
		"processing_builtins": processing.BuiltinNames(),
	})
}
