package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/dealflow/internal/capability"
	"github.com/pitabwire/dealflow/internal/deal"
	"github.com/pitabwire/dealflow/model"
)

// requestActor returns the caller's request context and the engine actor
// built from their capabilities.
func requestActor(r *http.Request, resolver model.CapabilityResolver) (*model.RequestContext, model.Actor, error) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		return nil, model.Actor{}, model.NewUnauthorizedError("missing request context")
	}
	actor, err := capability.ActorFor(resolver, rctx)
	if err != nil {
		return nil, model.Actor{}, err
	}
	return rctx, actor, nil
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// unchanged.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

type moveRequest struct {
	TargetStageID string `json:"target_stage_id"`
	Override      bool   `json:"override"`
	Reason        string `json:"reason"`
}

func (m moveRequest) check() error {
	if m.TargetStageID == "" {
		return model.NewValidationError([]model.FieldError{{
			Field: "target_stage_id", Code: "REQUIRED", Message: "target_stage_id is required",
		}})
	}
	return nil
}

func handleCreateDeal(svc *deal.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body deal.NewDeal
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.OwnerID == "" {
			body.OwnerID = rctx.SubjectID
		}

		d, err := svc.CreateDeal(r.Context(), rctx.TenantID, body)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, d)
	}
}

func handleGetDeal(svc *deal.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		d, err := svc.GetDeal(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

func handleValidateMove(svc *deal.Service) http.HandlerFunc {
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

		res, err := svc.ValidateMove(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"), body.TargetStageID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleExecuteMove(svc *deal.Service, resolver model.CapabilityResolver) http.HandlerFunc {
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

		d, err := svc.ExecuteMove(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"),
			body.TargetStageID, actor, body.Override, body.Reason)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

func handleLogAction(svc *deal.Service, resolver model.CapabilityResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, actor, err := requestActor(r, resolver)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var body struct {
			ActionType string         `json:"action_type"`
			Data       map[string]any `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.ActionType == "" {
			WriteValidationError(w, r, []model.FieldError{{
				Field: "action_type", Code: "REQUIRED", Message: "action_type is required",
			}})
			return
		}

		action, err := svc.LogAction(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"),
			body.ActionType, actor, body.Data)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, action)
	}
}

func handleRecordTouchpoint(svc *deal.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		body := struct {
			Count int `json:"count"`
		}{Count: 1}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		d, err := svc.RecordTouchpoint(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"), body.Count)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}
