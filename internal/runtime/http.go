package runtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/orchestrator"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

func newMux(orch *orchestrator.Orchestrator, ready func() bool, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("GET /v1/voice-classes", func(w http.ResponseWriter, _ *http.Request) {
		reply, err := orchestrator.StatusReply(orch, "")
		writeStatus(w, reply, err)
	})
	mux.HandleFunc("GET /v1/voice-classes/{class}", func(w http.ResponseWriter, r *http.Request) {
		reply, err := orchestrator.StatusReply(orch, r.PathValue("class"))
		writeStatus(w, reply, err)
	})
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeStatus(w http.ResponseWriter, reply protocol.StatusReply, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, narration.ErrValidation) {
			code = http.StatusNotFound
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(protocol.StatusReply{ErrorKind: narration.Kind(err), Error: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(reply)
}
