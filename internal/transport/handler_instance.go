package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/internal/workflow"
	"github.com/pitabwire/wardflow/model"
)

// CapabilityAdminInstances allows holding, resuming and failing instances.
const CapabilityAdminInstances = "instances:admin"

const maxBodyBytes = 1 << 20

func handleInstanceCreate(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req workflow.CreateRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}

		inst, err := engine.CreateInstance(r.Context(), actor, req)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceList(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.WorkflowFilters{
			Status:     q.Get("status"),
			TemplateID: q.Get("template_id"),
			SubjectRef: q.Get("subject_ref"),
			Page:       queryInt(r, "page", 1),
			PageSize:   queryInt(r, "page_size", 20),
		}

		instances, totalCount, err := engine.List(r.Context(), filters)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        instances,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleInstanceGet(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := engine.Get(r.Context(), chi.URLParam(r, "instanceID"))
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceStages(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stages, err := engine.Stages(r.Context(), chi.URLParam(r, "instanceID"))
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": stages})
	}
}

func handleInstanceStart(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		inst, err := engine.Start(r.Context(), actor, chi.URLParam(r, "instanceID"))
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceData(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Data map[string]any `json:"data"`
		}
		if !decodeBody(w, r, &body, false) {
			return
		}
		if len(body.Data) == 0 {
			WriteError(w, model.NewBadRequestError("data must not be empty"))
			return
		}

		instanceID := chi.URLParam(r, "instanceID")
		observability.LoggerFrom(r.Context(), logger).Debug("stage data submitted",
			zap.String("instance_id", instanceID),
			zap.Any("data", observability.RedactData(body.Data)),
		)
		stage, err := engine.SubmitData(r.Context(), actor, instanceID, body.Data)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, stage)
	}
}

func handleInstanceTransition(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req workflow.TransitionRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		req.InstanceID = chi.URLParam(r, "instanceID")

		res, err := engine.RequestTransition(r.Context(), actor, req)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// lifecycleFunc is the shape shared by Cancel, Hold and Fail.
type lifecycleFunc func(ctx context.Context, actor model.Actor, instanceID, reason string) (model.WorkflowInstance, error)

func handleInstanceLifecycle(op lifecycleFunc, capability string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		if !actor.Can(capability) {
			WriteForbidden(w, "this operation requires "+capability)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &body, true) {
			return
		}

		inst, err := op(r.Context(), actor, chi.URLParam(r, "instanceID"), body.Reason)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceResume(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		if !actor.Can(CapabilityAdminInstances) {
			WriteForbidden(w, "this operation requires "+CapabilityAdminInstances)
			return
		}
		inst, err := engine.Resume(r.Context(), actor, chi.URLParam(r, "instanceID"))
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// handleInstanceHistory streams the audit trail as newline-delimited JSON.
// Errors before the first event are rendered normally; later ones end the
// stream and are logged.
func handleInstanceHistory(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceID")
		events, err := engine.History(r.Context(), instanceID)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}

		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		started := false
		n := 0
		for ev, err := range events {
			if err != nil {
				if !started {
					writeRequestError(w, r, logger, err)
					return
				}
				observability.RequestLogger(r.Context(), logger).Error("history stream aborted",
					zap.String("instance_id", instanceID),
					zap.Int("events_written", n),
					zap.Error(err),
				)
				return
			}
			if !started {
				w.Header().Set("Content-Type", "application/x-ndjson")
				w.WriteHeader(http.StatusOK)
				started = true
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			n++
			if flusher != nil && n%100 == 0 {
				flusher.Flush()
			}
		}
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
		}
	}
}

// --- helpers ---

// requireActor returns the authenticated actor or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := model.ActorFrom(r.Context())
	if !ok {
		WriteError(w, model.NewUnauthorizedError("missing actor"))
		return model.Actor{}, false
	}
	return actor, true
}

// decodeBody decodes a JSON request body into dst. With optional set an
// empty body is accepted.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	WriteError(w, model.NewBadRequestError("invalid JSON body"))
	return false
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
