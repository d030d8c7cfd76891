package webapp

import (
	"fmt"
	"net/http"
	"path/filepath"
)

func serveFile(w http.ResponseWriter, r *http.Request, path string, downloadName string) {
	name := filepath.Base(path)
	if downloadName != "" {
		name = downloadName
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
