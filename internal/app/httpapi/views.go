package httpapi

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/services/energy"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
)

// energyDecimals is the number of implied decimals of energy values.
const energyDecimals = 8

// fixed renders a raw 1e-8 fixed-point value as a decimal string.
func fixed(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -energyDecimals).StringFixed(energyDecimals)
}

func optHex(a *chain.Address) string {
	if a == nil {
		return ""
	}
	return chain.Hex(*a)
}

type strategyView struct {
	ID             string            `json:"id"`
	Address        string            `json:"address"`
	Registrar      string            `json:"registrar"`
	Name           string            `json:"name"`
	Version        string            `json:"version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	FeeRate        uint64            `json:"fee_rate"`
	PendingFeeRate *uint64           `json:"pending_fee_rate,omitempty"`
	FeePayee       string            `json:"fee_payee"`
	PaymentAssets  []ledger.AssetID  `json:"payment_assets"`
	Owner          string            `json:"owner"`
	PendingOwner   string            `json:"pending_owner,omitempty"`
	HasOwnerOffer  bool              `json:"has_owner_offer"`
	TokensMinted   uint64            `json:"tokens_minted"`
	Revision       uint64            `json:"revision"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newStrategyView(st strategy.Strategy) strategyView {
	return strategyView{
		ID:             chain.Hex(st.ID),
		Address:        chain.FormatAddress(st.ID),
		Registrar:      chain.Hex(st.Registrar),
		Name:           st.Name,
		Version:        st.Version,
		Metadata:       st.Metadata,
		FeeRate:        st.FeeRate,
		PendingFeeRate: st.PendingFeeRate,
		FeePayee:       chain.Hex(st.FeePayee),
		PaymentAssets:  st.PaymentAssets,
		Owner:          chain.Hex(st.Owner),
		PendingOwner:   optHex(st.PendingOwner),
		HasOwnerOffer:  st.PendingOwner != nil,
		TokensMinted:   st.TokensMinted,
		Revision:       st.Revision,
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
}

func newStrategyViews(list []strategy.Strategy) []strategyView {
	out := make([]strategyView, 0, len(list))
	for _, st := range list {
		out = append(out, newStrategyView(st))
	}
	return out
}

type royaltyView struct {
	Payee       string `json:"payee"`
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

type tokenView struct {
	ID          string       `json:"id"`
	StrategyID  string       `json:"strategy_id"`
	Name        string       `json:"name"`
	Sequence    uint64       `json:"sequence"`
	Holder      string       `json:"holder"`
	CompanyCode string       `json:"company_code,omitempty"`
	Mode        token.Mode   `json:"mode"`
	Role        token.Role   `json:"role"`
	Energy      string       `json:"energy"`
	EnergyRaw   uint64       `json:"energy_raw"`
	RefillCap   string       `json:"refill_capacity"`
	ProfitAccum uint64       `json:"profit_accum"`
	VolumeAccum uint64       `json:"volume_accum"`
	KRefill     uint64       `json:"k_refill"`
	KProfit     uint64       `json:"k_profit"`
	KVolume     uint64       `json:"k_volume"`
	KTime       uint64       `json:"k_time"`
	Borrowed    bool         `json:"borrowed"`
	Active      bool         `json:"session_active"`
	BorrowedBy  string       `json:"borrowed_by,omitempty"`
	Royalty     *royaltyView `json:"royalty,omitempty"`
	LastUpdate  time.Time    `json:"last_update"`
	Revision    uint64       `json:"revision"`
}

func newTokenView(t token.Token) tokenView {
	v := tokenView{
		ID:          chain.Hex(t.ID),
		StrategyID:  chain.Hex(t.StrategyID),
		Name:        t.Name,
		Sequence:    t.Sequence,
		Holder:      chain.Hex(t.Holder),
		CompanyCode: t.CompanyCode,
		Mode:        t.Mode,
		Role:        t.Role,
		Energy:      fixed(t.Energy),
		EnergyRaw:   t.Energy,
		RefillCap:   fixed(t.RefillCap),
		ProfitAccum: t.ProfitAccum,
		VolumeAccum: t.VolumeAccum,
		KRefill:     t.KRefill,
		KProfit:     t.KProfit,
		KVolume:     t.KVolume,
		KTime:       t.KTime,
		Borrowed:    t.Lock.Borrowed,
		Active:      t.Lock.Active,
		BorrowedBy:  optHex(t.BorrowedBy),
		LastUpdate:  t.LastUpdate,
		Revision:    t.Revision,
	}
	if t.Royalty != nil {
		v.Royalty = &royaltyView{
			Payee:       chain.Hex(t.Royalty.Payee),
			Numerator:   t.Royalty.Numerator,
			Denominator: t.Royalty.Denominator,
		}
	}
	return v
}

func newTokenViews(list []token.Token) []tokenView {
	out := make([]tokenView, 0, len(list))
	for _, t := range list {
		out = append(out, newTokenView(t))
	}
	return out
}

type legView struct {
	Label  string         `json:"label"`
	From   string         `json:"from"`
	To     string         `json:"to"`
	Asset  ledger.AssetID `json:"asset"`
	Amount uint64         `json:"amount"`
}

type quoteView struct {
	TokenID   string         `json:"token_id"`
	Asset     ledger.AssetID `json:"asset"`
	Requested string         `json:"requested"`
	Grant     string         `json:"grant"`
	Split     energy.Split   `json:"split"`
	Legs      []legView      `json:"legs"`
}

func newQuoteView(q energy.Quote) quoteView {
	legs := make([]legView, 0, len(q.Legs))
	for _, leg := range q.Legs {
		legs = append(legs, legView{
			Label:  leg.Memo,
			From:   chain.Hex(leg.From),
			To:     chain.Hex(leg.To),
			Asset:  leg.Asset,
			Amount: leg.Amount,
		})
	}
	return quoteView{
		TokenID:   chain.Hex(q.TokenID),
		Asset:     q.Asset,
		Requested: fixed(q.Requested),
		Grant:     fixed(q.Grant),
		Split:     q.Split,
		Legs:      legs,
	}
}

type usageView struct {
	Token tokenView    `json:"token"`
	Usage energy.Usage `json:"usage"`
	Spent string       `json:"spent"`
}

type refillView struct {
	Token    tokenView        `json:"token"`
	Quote    quoteView        `json:"quote"`
	Receipts []ledger.Receipt `json:"receipts"`
}
