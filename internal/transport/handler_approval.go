package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/workflow"
)

func handleDecision(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req workflow.DecisionRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		req.StageInstanceID = chi.URLParam(r, "stageInstanceID")

		res, err := engine.Decide(r.Context(), actor, req)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleStageApprovals(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvals, err := engine.Approvals(r.Context(), chi.URLParam(r, "stageInstanceID"))
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": approvals})
	}
}

// handlePendingApprovals lists the caller's own undecided approvals.
func handlePendingApprovals(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		approvals, err := engine.Inbox(r.Context(), actor.ID)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": approvals})
	}
}
