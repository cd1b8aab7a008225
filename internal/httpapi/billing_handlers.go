package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"fraudsight.io/internal/audit"
	"fraudsight.io/internal/billing"
	"fraudsight.io/internal/config"
)

type createPurchaseRequest struct {
	PackageID string `json:"package_id"`
}

type purchaseListResponse struct {
	Items []*billing.Purchase `json:"items"`
}

// paymentWebhook mirrors the provider's event envelope.
type paymentWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		PaymentIntentID string `json:"payment_intent_id"`
	} `json:"data"`
}

func (a *API) handlePurchaseCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createPurchase(w, r)
	case http.MethodGet:
		a.listPurchases(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handlePurchaseResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/purchases/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if strings.HasSuffix(rest, "/confirm") {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.confirmPurchase(w, r, strings.TrimSuffix(rest, "/confirm"))
		return
	}
	if strings.Contains(rest, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.getPurchase(w, r, rest)
}

func (a *API) createPurchase(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireEmployer(w, r)
	if !ok {
		return
	}
	if !a.allow(w, r, config.RoutePurchase, p.OrganisationID) {
		return
	}
	var req createPurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	purchase, err := a.billing.Create(r.Context(), p.OrganisationID, p.UserID, req.PackageID)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "purchase.created", map[string]any{
		"purchase_id": purchase.ID,
		"package_id":  purchase.PackageID,
	})
	writeJSON(w, http.StatusCreated, purchase)
}

func (a *API) confirmPurchase(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.requireEmployer(w, r)
	if !ok {
		return
	}
	purchase, err := a.billing.Get(r.Context(), id)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	if purchase.OrganisationID != p.OrganisationID {
		// Foreign purchases are indistinguishable from unknown ones.
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "purchase not found")
		return
	}
	confirmed, err := a.billing.Confirm(r.Context(), id)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "purchase.confirmed", map[string]any{
		"purchase_id": confirmed.ID,
		"package_id":  confirmed.PackageID,
	})
	writeJSON(w, http.StatusOK, confirmed)
}

func (a *API) getPurchase(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.requireEmployer(w, r)
	if !ok {
		return
	}
	purchase, err := a.billing.Get(r.Context(), id)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	if purchase.OrganisationID != p.OrganisationID {
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "purchase not found")
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

func (a *API) listPurchases(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireEmployer(w, r)
	if !ok {
		return
	}
	purchases, err := a.billing.ListByOrganisation(r.Context(), p.OrganisationID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if purchases == nil {
		purchases = []*billing.Purchase{}
	}
	writeJSON(w, http.StatusOK, purchaseListResponse{Items: purchases})
}

func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var evt paymentWebhook
	if err := decodeJSON(w, r, &evt); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(evt.ID) == "" || strings.TrimSpace(evt.Type) == "" {
		writeError(w, r, http.StatusBadRequest, "id and type are required")
		return
	}
	result, err := a.billing.IngestWebhook(r.Context(), evt.ID, evt.Type, evt.Data.PaymentIntentID)
	if err != nil {
		// A 5xx makes the provider retry the delivery later.
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), "webhook.payment", map[string]any{
		"event_type": evt.Type,
		"result":     string(result),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"duplicate": result == billing.WebhookDuplicate,
	})
}

func (a *API) handleBillingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrUnknownPackage):
		writeError(w, r, http.StatusBadRequest, "unknown package")
	case errors.Is(err, billing.ErrNotFound):
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "purchase not found")
	case errors.Is(err, billing.ErrDuplicatePurchase):
		writeErrorCode(w, r, http.StatusConflict, "DUPLICATE_PURCHASE", "organisation already owns this package")
	case errors.Is(err, billing.ErrInvalidTransition):
		writeErrorCode(w, r, http.StatusConflict, "INVALID_STATE", "purchase cannot be confirmed from its current state")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
