package transport

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/template"
	"github.com/pitabwire/wardflow/model"
)

// CapabilityManageTemplates allows publishing and retiring templates.
const CapabilityManageTemplates = "templates:manage"

const maxTemplateBytes = 1 << 20

func handleTemplatePublish(reg *template.Registry, logger *zap.Logger, onChange func(int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		if !actor.Can(CapabilityManageTemplates) {
			WriteForbidden(w, "publishing templates requires "+CapabilityManageTemplates)
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTemplateBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("template body could not be read"))
			return
		}
		// JSON is valid YAML, so one parser covers both content types.
		tpl, err := template.Parse(data)
		if err != nil {
			WriteError(w, model.NewBadRequestError("invalid template document: "+err.Error()))
			return
		}

		published, err := reg.Publish(tpl)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		if onChange != nil {
			onChange(reg.Len())
		}
		logger.Info("template published",
			zap.String("template_id", published.ID),
			zap.Int("version", published.Version),
			zap.String("actor_id", actor.ID),
		)
		WriteJSON(w, http.StatusCreated, published)
	}
}

func handleTemplateList(reg *template.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     reg.List(),
			"checksum": reg.Checksum(),
		})
	}
}

func handleTemplateGet(reg *template.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "templateID")
		tpl, ok := reg.Get(id)
		if !ok {
			WriteNotFound(w, "template "+id+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateRetire(reg *template.Registry, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		if !actor.Can(CapabilityManageTemplates) {
			WriteForbidden(w, "retiring templates requires "+CapabilityManageTemplates)
			return
		}

		id := chi.URLParam(r, "templateID")
		if err := reg.Retire(id); err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		tpl, _ := reg.Get(id)
		logger.Info("template retired", zap.String("template_id", id), zap.String("actor_id", actor.ID))
		WriteJSON(w, http.StatusOK, tpl)
	}
}
