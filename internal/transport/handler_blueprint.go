package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/dealflow/internal/deal"
	"github.com/pitabwire/dealflow/model"
)

func handleAssignBlueprint(svc *deal.Service, resolver model.CapabilityResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, actor, err := requestActor(r, resolver)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var body struct {
			BlueprintID string `json:"blueprint_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.BlueprintID == "" {
			WriteValidationError(w, r, []model.FieldError{{
				Field: "blueprint_id", Code: "REQUIRED", Message: "blueprint_id is required",
			}})
			return
		}

		d, err := svc.AssignBlueprint(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"), body.BlueprintID, actor)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

func handleValidateBlueprintMove(svc *deal.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body moveRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if err := body.check(); err != nil {
			WriteError(w, r, err)
			return
		}

		res, err := svc.ValidateBlueprintMove(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"), body.TargetStageID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleExecuteBlueprintMove(svc *deal.Service, resolver model.CapabilityResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, actor, err := requestActor(r, resolver)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var body moveRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if err := body.check(); err != nil {
			WriteError(w, r, err)
			return
		}

		d, err := svc.ExecuteBlueprintMove(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"),
			body.TargetStageID, actor, body.Reason)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}
