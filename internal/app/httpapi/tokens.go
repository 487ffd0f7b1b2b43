package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/services/energy"
	"github.com/R3E-Network/strategy_layer/internal/app/services/tokens"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/httputil"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
)

// parseFixed reads a decimal energy amount such as "12.5" into raw 1e-8
// units. More than eight decimals, negatives and overflow are rejected.
func parseFixed(field, raw string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrInvalidArgument, "%s: %v", field, err)
	}
	if d.IsNegative() {
		return 0, apperr.Wrap(apperr.ErrInvalidArgument, "%s must not be negative", field)
	}
	scaled := d.Shift(energyDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, apperr.Wrap(apperr.ErrInvalidArgument, "%s has more than %d decimals", field, energyDecimals)
	}
	n := scaled.BigInt()
	if !n.IsUint64() {
		return 0, apperr.Wrap(apperr.ErrInvalidArgument, "%s is too large", field)
	}
	return n.Uint64(), nil
}

// optionalFixed is parseFixed with an empty string meaning zero.
func optionalFixed(field, raw string) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return parseFixed(field, raw)
}

func (h *handler) listStrategyTokens(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "strategyID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.app.Tokens.ListTokens(r.Context(), id)
	h.writeTokens(w, http.StatusOK, list, err)
}

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Count        uint64              `json:"count"`
		Energy       string              `json:"energy"`
		RefillCap    string              `json:"refill_capacity"`
		KRefill      uint64              `json:"k_refill"`
		KProfit      uint64              `json:"k_profit"`
		KVolume      uint64              `json:"k_volume"`
		KTime        uint64              `json:"k_time"`
		CompanyCode  string              `json:"company_code"`
		Mode         token.Mode          `json:"mode"`
		Role         token.Role          `json:"role"`
		RoyaltyPayee string              `json:"royalty_payee"`
		RoyaltyRate  *tokens.RoyaltyRate `json:"royalty_rate"`
	}
	id, err := h.strategyRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req := tokens.MintRequest{
		StrategyID:  id,
		Count:       payload.Count,
		KRefill:     payload.KRefill,
		KProfit:     payload.KProfit,
		KVolume:     payload.KVolume,
		KTime:       payload.KTime,
		CompanyCode: payload.CompanyCode,
		Mode:        payload.Mode,
		Role:        payload.Role,
		RoyaltyRate: payload.RoyaltyRate,
	}
	if req.Energy, err = optionalFixed("energy", payload.Energy); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.RefillCap, err = optionalFixed("refill_capacity", payload.RefillCap); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if payload.RoyaltyPayee != "" {
		payee, err := bodyAddress("royalty_payee", payload.RoyaltyPayee)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		req.RoyaltyPayee = &payee
	}

	minted, err := h.app.Tokens.Mint(r.Context(), caller(r), req)
	h.writeTokens(w, http.StatusCreated, minted, err)
}

func (h *handler) listHeld(w http.ResponseWriter, r *http.Request) {
	holder, err := pathAddress(r, "holder")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.app.Tokens.ListHeld(r.Context(), holder)
	h.writeTokens(w, http.StatusOK, list, err)
}

func (h *handler) getToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "tokenID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, err := h.app.Tokens.GetToken(r.Context(), id)
	h.writeToken(w, t, err)
}

func (h *handler) burn(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "tokenID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.app.Tokens.Burn(r.Context(), caller(r), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		To string `json:"to"`
	}
	id, err := h.tokenRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	to, err := bodyAddress("to", payload.To)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, err := h.app.Tokens.Transfer(r.Context(), caller(r), id, to)
	h.writeToken(w, t, err)
}

func (h *handler) borrow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Borrower string `json:"borrower"`
	}
	id, err := h.tokenRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// Under the fee_payee borrower mode the service ignores the borrower.
	borrower := chain.ZeroAddress
	if payload.Borrower != "" {
		if borrower, err = bodyAddress("borrower", payload.Borrower); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	t, err := h.app.Sessions.Borrow(r.Context(), caller(r), id, borrower)
	h.writeToken(w, t, err)
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	h.tokenAction(w, r, h.app.Sessions.Release)
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	h.tokenAction(w, r, h.app.Sessions.Start)
}

func (h *handler) stopSession(w http.ResponseWriter, r *http.Request) {
	h.tokenAction(w, r, h.app.Sessions.Stop)
}

func (h *handler) useEnergy(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Profit uint64 `json:"profit"`
		Volume uint64 `json:"volume"`
	}
	id, err := h.tokenRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, usage, err := h.app.Energy.UseEnergy(r.Context(), caller(r), id, payload.Profit, payload.Volume)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, usageView{Token: newTokenView(t), Usage: usage, Spent: fixed(usage.Total)})
}

func (h *handler) quoteRefill(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "tokenID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	amount, err := parseFixed("amount", q.Get("amount"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	quote, err := h.app.Energy.QuoteRefill(r.Context(), id, ledger.Normalize(q.Get("asset")), amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newQuoteView(quote))
}

func (h *handler) refillEnergy(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	id, err := h.tokenRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	amount, err := parseFixed("amount", payload.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.app.Energy.RefillEnergy(r.Context(), caller(r), id, ledger.Normalize(payload.Asset), amount)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.log.WithError(err).WithField("token_id", chain.Hex(id)).Error("refill failed")
		}
		httputil.WriteError(w, err)
		return
	}
	receipts := res.Receipts
	if receipts == nil {
		receipts = []ledger.Receipt{}
	}
	httputil.WriteJSON(w, http.StatusOK, refillView{
		Token:    newTokenView(res.Token),
		Quote:    newQuoteView(res.Quote),
		Receipts: receipts,
	})
}

func (h *handler) changeRefillCapacity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount string            `json:"amount"`
		Op     energy.CapacityOp `json:"op"`
	}
	id, err := h.tokenRequest(r, &payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	amount, err := parseFixed("amount", payload.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, err := h.app.Energy.ChangeRefillCapacity(r.Context(), caller(r), id, amount, payload.Op)
	h.writeToken(w, t, err)
}

// tokenAction runs a body-less token operation.
func (h *handler) tokenAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller, id chain.Address) (token.Token, error)) {
	id, err := pathAddress(r, "tokenID")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, err := op(r.Context(), caller(r), id)
	h.writeToken(w, t, err)
}

func (h *handler) tokenRequest(r *http.Request, payload interface{}) (chain.Address, error) {
	id, err := pathAddress(r, "tokenID")
	if err != nil {
		return chain.ZeroAddress, err
	}
	if err := httputil.DecodeJSON(r, payload); err != nil {
		return chain.ZeroAddress, err
	}
	return id, nil
}

func (h *handler) writeToken(w http.ResponseWriter, t token.Token, err error) {
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newTokenView(t))
}

func (h *handler) writeTokens(w http.ResponseWriter, status int, list []token.Token, err error) {
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, status, newTokenViews(list))
}
