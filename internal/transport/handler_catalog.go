package transport

import (
	"net/http"

	"github.com/pitabwire/dealflow/internal/catalog"
	"github.com/pitabwire/dealflow/model"
)

// handleInvalidateCatalog drops the caller's tenant catalog from every
// cache layer so the next request reloads it from the source.
func handleInvalidateCatalog(inv catalog.Invalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		if inv == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := inv.Invalidate(r.Context(), rctx.TenantID); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
