package strategy

import (
	"sort"
	"time"

	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
)

// FeeDenominator is the denominator of FeeRate.
const FeeDenominator uint64 = 1_000_000

// Strategy is a named, owned product registered under a registrar. Its ID is
// derived from (Registrar, Name) and never changes. Strategies are never
// deleted.
type Strategy struct {
	ID        chain.Address
	Registrar chain.Address
	Name      string
	Version   string
	Metadata  map[string]string

	FeeRate        uint64
	PendingFeeRate *uint64
	FeePayee       chain.Address
	PaymentAssets  []ledger.AssetID

	Owner        chain.Address
	PendingOwner *chain.Address

	TokensMinted uint64
	Revision     uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AcceptsAsset reports whether asset is one of the payment assets.
func (s Strategy) AcceptsAsset(asset ledger.AssetID) bool {
	asset = ledger.Normalize(string(asset))
	i := sort.Search(len(s.PaymentAssets), func(i int) bool { return s.PaymentAssets[i] >= asset })
	return i < len(s.PaymentAssets) && s.PaymentAssets[i] == asset
}

// Clone returns a deep copy.
func (s Strategy) Clone() Strategy {
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	s.PaymentAssets = append([]ledger.AssetID(nil), s.PaymentAssets...)
	if s.PendingFeeRate != nil {
		v := *s.PendingFeeRate
		s.PendingFeeRate = &v
	}
	if s.PendingOwner != nil {
		v := *s.PendingOwner
		s.PendingOwner = &v
	}
	return s
}

// NormalizeAssets returns assets normalized, deduplicated and sorted.
func NormalizeAssets(assets []ledger.AssetID) []ledger.AssetID {
	seen := make(map[ledger.AssetID]struct{}, len(assets))
	out := make([]ledger.AssetID, 0, len(assets))
	for _, raw := range assets {
		a := ledger.Normalize(string(raw))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
