package snapserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/function61/snaprestore/pkg/fssnapshot"
	"github.com/function61/snaprestore/pkg/restorer"
	"github.com/gorilla/mux"
)

func defineRestApi(core *restorer.Restorer, metrics *metricsController, logl *logex.Leveled) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/snapshots", func(w http.ResponseWriter, r *http.Request) {
		snapshots, err := core.ListSnapshots()
		if err != nil {
			respondError(w, err)
			return
		}

		respondJson(w, snapshots)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/snapshots", func(w http.ResponseWriter, r *http.Request) {
		request := struct {
			Description string `json:"description"`
		}{}
		if err := jsonfile.Unmarshal(r.Body, &request, true); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		snapshot, err := core.CreateSnapshot(request.Description)
		if err != nil {
			respondError(w, err)
			return
		}

		metrics.snapshotsCreated.Inc()

		respondJson(w, snapshot)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/snapshots/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := core.DeleteSnapshot(mux.Vars(r)["id"]); err != nil {
			respondError(w, err)
			return
		}

		metrics.snapshotsDeleted.Inc()

		respondJson(w, "ok")
	}).Methods(http.MethodDelete)

	router.HandleFunc("/api/restore", func(w http.ResponseWriter, r *http.Request) {
		request := struct {
			SnapshotID string `json:"snapshot_id"`
			TargetPath string `json:"target_path"`
		}{}
		if err := jsonfile.Unmarshal(r.Body, &request, true); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := core.Restore(r.Context(), request.SnapshotID, request.TargetPath)
		metrics.observeRestore(result, err)
		if err != nil {
			logl.Error.Printf("restore: %v", err)
			respondError(w, err)
			return
		}

		respondJson(w, result)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/restore/pending", func(w http.ResponseWriter, r *http.Request) {
		// null if no interrupted restore is waiting
		respondJson(w, core.CheckPendingRestore())
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/restore/resume", func(w http.ResponseWriter, r *http.Request) {
		result, err := core.ResumeRestore(r.Context())
		metrics.observeRestore(result, err)
		if err != nil {
			logl.Error.Printf("resume: %v", err)
			respondError(w, err)
			return
		}

		respondJson(w, result)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/restore/abandon", func(w http.ResponseWriter, r *http.Request) {
		if err := core.AbandonRestore(); err != nil {
			respondError(w, err)
			return
		}

		respondJson(w, "ok")
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/sweep", func(w http.ResponseWriter, r *http.Request) {
		live, failures, err := core.Sweep()
		if err != nil {
			respondError(w, err)
			return
		}

		respondJson(w, struct {
			Live     interface{} `json:"live"`
			Failures interface{} `json:"failures"`
		}{live, failures})
	}).Methods(http.MethodPost)

	router.Handle("/metrics", metrics.MetricsHTTPHandler())

	return router
}

func respondJson(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, restorer.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, fssnapshot.ErrSnapshotNotFound):
		code = http.StatusNotFound
	}

	http.Error(w, err.Error(), code)
}
