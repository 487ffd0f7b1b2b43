package httpapi

import (
	"net/http"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/httputil"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
)

func (h *handler) createStrategy(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name     string            `json:"name"`
		Metadata map[string]string `json:"metadata"`
		FeeRate  uint64            `json:"fee_rate"`
		FeePayee string            `json:"fee_payee"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	payee, err := bodyAddress("fee_payee", payload.FeePayee)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	st, err := h.app.Registry.CreateStrategy(r.Context(), caller(r), payload.Name, payload.Metadata, payload.FeeRate, payee)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, newStrategyView(st))
}

func (h *handler) listStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Registry.ListStrategies(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newStrategyViews(list))
}

func (h *handler) strategyByName(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	registrar, err := bodyAddress("registrar", q.Get("registrar"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.app.Registry.GetStrategyByName(r.Context(), registrar, q.Get("name"))
	h.writeStrategy(w, st, err)
}

func (h *handler) getStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "strategyID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.app.Registry.GetStrategy(r.Context(), id)
	h.writeStrategy(w, st, err)
}

func (h *handler) offerOwner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		NewOwner string `json:"new_owner"`
	}
	id, err := h.strategyRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// An empty new_owner offers the zero address, which revokes ownership on claim.
	newOwner := chain.ZeroAddress
	if payload.NewOwner != "" {
		if newOwner, err = bodyAddress("new_owner", payload.NewOwner); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	st, err := h.app.Registry.OfferOwner(r.Context(), caller(r), id, newOwner)
	h.writeStrategy(w, st, err)
}

func (h *handler) cancelOwnerOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "strategyID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.app.Registry.CancelOwnerOffer(r.Context(), caller(r), id)
	h.writeStrategy(w, st, err)
}

func (h *handler) claimOwner(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "strategyID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.app.Registry.ClaimOwner(r.Context(), caller(r), id)
	h.writeStrategy(w, st, err)
}

func (h *handler) requestFeeChange(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FeeRate uint64 `json:"fee_rate"`
	}
	id, err := h.strategyRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.app.Registry.RequestFeeChange(r.Context(), caller(r), id, payload.FeeRate)
	h.writeStrategy(w, st, err)
}

func (h *handler) resolveFeeChange(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Approve bool `json:"approve"`
	}
	id, err := h.strategyRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.app.Registry.ResolveFeeChange(r.Context(), caller(r), id, payload.Approve)
	h.writeStrategy(w, st, err)
}

func (h *handler) changePaymentAssets(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Assets []string `json:"assets"`
	}
	id, err := h.strategyRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	assets := make([]ledger.AssetID, 0, len(payload.Assets))
	for _, raw := range payload.Assets {
		assets = append(assets, ledger.Normalize(raw))
	}
	st, err := h.app.Registry.ChangePaymentAssets(r.Context(), caller(r), id, assets)
	h.writeStrategy(w, st, err)
}

func (h *handler) changeFeePayee(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FeePayee string `json:"fee_payee"`
	}
	id, err := h.strategyRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	payee, err := bodyAddress("fee_payee", payload.FeePayee)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.app.Registry.ChangeFeePayee(r.Context(), caller(r), id, payee)
	h.writeStrategy(w, st, err)
}

// strategyRequest parses the strategy path parameter and decodes the body
// into payload.
func (h *handler) strategyRequest(r *http.Request, payload interface{}) (chain.Address, error) {
	id, err := pathAddress(r, "strategyID")
	if err != nil {
		return chain.ZeroAddress, err
	}
	if err := httputil.DecodeJSON(r, payload); err != nil {
		return chain.ZeroAddress, err
	}
	return id, nil
}

func (h *handler) writeStrategy(w http.ResponseWriter, st strategy.Strategy, err error) {
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.log.WithError(err).Error("strategy request failed")
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newStrategyView(st))
}
