package httpapi

import (
	"fmt"
	"net/http"
	"os"

	"github.com/foundryrun/foundry/internal/apierr"
	"github.com/foundryrun/foundry/internal/script"
)

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	names, err := script.ListNames(s.Cfg.ProcessDir)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": names})
}

func (s *Server) handleProcessDoc(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path := script.SourcePath(s.Cfg.ProcessDir, name)
	if _, err := os.Stat(path); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindNotFound, fmt.Sprintf("process %q not found", name)))
		return
	}
	doc, err := script.Doc(path, "main")
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindClientValidation, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc})
}
