package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/foundryrun/foundry/internal/apierr"
	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/pctx"
	"github.com/foundryrun/foundry/internal/store"
	"github.com/foundryrun/foundry/internal/types"
)

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	if !store.ValidJobID(id) {
		apierr.WriteJSON(w, apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid job id %q", id)))
		return
	}
	names, err := s.Store.ListOutputs(id)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": names})
}

func (s *Server) handleOutputFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	path := r.PathValue("path")
	if strings.Contains(path, "..") {
		apierr.WriteJSON(w, apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid path %q", path)))
		return
	}
	full, err := s.Store.OutputPath(id, path)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if _, err := os.Stat(full); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindNotFound, fmt.Sprintf("output %q not found", path)))
		return
	}
	http.ServeFile(w, r, full)
}

// handleOutputArchive implements the package-on-demand archive download:
// the first request for a terminal job's outputs enqueues packaging and
// returns 425, and every later request either keeps returning 425 while
// packaging is in flight or streams the built archive once it exists.
func (s *Server) handleOutputArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("uuid")
	if !store.ValidJobID(id) {
		apierr.WriteJSON(w, apierr.New(apierr.KindClientValidation, fmt.Sprintf("invalid job id %q", id)))
		return
	}
	if !s.Store.Exists(id) {
		apierr.WriteJSON(w, apierr.New(apierr.KindNotFound, fmt.Sprintf("job %s not found", id)))
		return
	}

	if path, found, err := s.Store.ArchiveFile(id); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, err.Error()))
		return
	} else if found {
		http.ServeFile(w, r, path)
		return
	}

	meta, found, err := s.Backend.Get(ctx, id)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, err.Error()))
		return
	}
	if !found {
		apierr.WriteJSON(w, apierr.New(apierr.KindNotFound, fmt.Sprintf("job %s not found", id)))
		return
	}
	if !meta.Status.Terminal() {
		apierr.WriteJSON(w, apierr.New(apierr.KindTooEarly, "job has not reached a terminal state yet"))
		return
	}

	msg := &broker.Message{
		TaskID: uuid.NewString(),
		Queue:  types.QueueArchive,
		PC:     pctx.Context{"job_id": id, "format": "zip"},
	}
	if err := s.Broker.Enqueue(ctx, msg); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindBrokerUnavailable, "failed to enqueue archive packaging"))
		return
	}
	apierr.WriteJSON(w, apierr.New(apierr.KindTooEarly, "archive packaging in progress"))
}
