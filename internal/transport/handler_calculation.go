package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/dealflow/internal/deal"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

// calculationRejected is the 400 body for inputs that failed validation.
// The submission was persisted anyway, so it also carries the stored result
// and the deal as written, including an automatic return.
type calculationRejected struct {
	Error    *model.ErrorEnvelope    `json:"error"`
	Result   model.CalculationResult `json:"result"`
	Deal     model.Deal              `json:"deal"`
	Returned bool                    `json:"returned"`
}

// handleUpdateCalculation submits calculation inputs. Inputs that fail field
// validation are still stored; the response is then a 400 listing the field
// errors next to the stored result and the updated deal.
func handleUpdateCalculation(svc *deal.Service, resolver model.CapabilityResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, actor, err := requestActor(r, resolver)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var body struct {
			Inputs map[string]any `json:"inputs"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.Inputs == nil {
			body.Inputs = map[string]any{}
		}

		update, err := svc.UpdateCalculationInputs(r.Context(), rctx.TenantID,
			chi.URLParam(r, "dealId"), chi.URLParam(r, "slug"), body.Inputs, actor)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if update.Result.Status == model.CalculationError {
			env := model.NewValidationError(update.FieldErrors)
			WriteJSON(w, http.StatusBadRequest, calculationRejected{
				Error:    env.WithTraceID(observability.TraceIDFromContext(r.Context())),
				Result:   update.Result,
				Deal:     update.Deal,
				Returned: update.Returned,
			})
			return
		}
		WriteJSON(w, http.StatusOK, update)
	}
}

func handleGetCalculation(svc *deal.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		res, err := svc.GetCalculation(r.Context(), rctx.TenantID, chi.URLParam(r, "dealId"), chi.URLParam(r, "slug"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
