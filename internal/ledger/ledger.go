// Package ledger describes the value-transfer collaborator used to settle
// energy refills, and provides an in-memory ledger for local runs and tests.
//
// Transfers are all-or-nothing per call. A Batcher additionally commits a set
// of legs as one unit; callers without one fall back to sequential legs with
// compensation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/strategy_layer/internal/chain"
)

// AssetID names a fungible payment asset.
type AssetID string

// Normalize trims and upper-cases an asset identifier.
func Normalize(raw string) AssetID {
	return AssetID(strings.ToUpper(strings.TrimSpace(raw)))
}

// Leg is one movement of value.
type Leg struct {
	From   chain.Address `json:"from"`
	To     chain.Address `json:"to"`
	Asset  AssetID       `json:"asset"`
	Amount uint64        `json:"amount"`
	Memo   string        `json:"memo,omitempty"`
}

// Receipt records a committed leg.
type Receipt struct {
	ID        string    `json:"id"`
	Leg       Leg       `json:"leg"`
	CreatedAt time.Time `json:"created_at"`
}

// Transferer moves value between accounts.
type Transferer interface {
	Transfer(ctx context.Context, from, to chain.Address, asset AssetID, amount uint64) (Receipt, error)
}

// Batcher commits several legs atomically.
type Batcher interface {
	TransferBatch(ctx context.Context, legs []Leg) ([]Receipt, error)
}

// AssetRegistry reports the native precision of payment assets.
type AssetRegistry interface {
	Decimals(ctx context.Context, asset AssetID) (uint8, error)
}

// Ledger is the full collaborator surface consumed by the energy engine.
type Ledger interface {
	Transferer
	AssetRegistry
}

var (
	// ErrInsufficientFunds is returned when the payer cannot cover a leg.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnknownAsset is returned for assets that were never registered.
	ErrUnknownAsset = errors.New("ledger: unknown asset")
)

// Memory is an in-memory ledger. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	decimals map[AssetID]uint8
	balances map[chain.Address]map[AssetID]uint64
	receipts []Receipt
	now      func() time.Time
}

var _ Ledger = (*Memory)(nil)
var _ Batcher = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		decimals: make(map[AssetID]uint8),
		balances: make(map[chain.Address]map[AssetID]uint64),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterAsset declares an asset and its native decimals. Asset ids are
// normalized on every entry point of Memory.
func (m *Memory) RegisterAsset(asset AssetID, decimals uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decimals[Normalize(string(asset))] = decimals
}

// Deposit credits an account out of thin air. Used to fund payers.
func (m *Memory) Deposit(account chain.Address, asset AssetID, amount uint64) error {
	asset = Normalize(string(asset))
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.decimals[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	bal := m.balancesLocked(account)
	if bal[asset]+amount < bal[asset] {
		return fmt.Errorf("ledger: balance overflow for %s", asset)
	}
	bal[asset] += amount
	return nil
}

// Balance returns the holdings of account in asset.
func (m *Memory) Balance(account chain.Address, asset AssetID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account][Normalize(string(asset))]
}

// Decimals implements AssetRegistry.
func (m *Memory) Decimals(_ context.Context, asset AssetID) (uint8, error) {
	asset = Normalize(string(asset))
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decimals[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return d, nil
}

// Transfer implements Transferer.
func (m *Memory) Transfer(ctx context.Context, from, to chain.Address, asset AssetID, amount uint64) (Receipt, error) {
	receipts, err := m.TransferBatch(ctx, []Leg{{From: from, To: to, Asset: asset, Amount: amount}})
	if err != nil {
		return Receipt{}, err
	}
	return receipts[0], nil
}

// TransferBatch validates every leg against a scratch copy of the affected
// balances and commits only if all of them succeed.
func (m *Memory) TransferBatch(ctx context.Context, legs []Leg) ([]Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		account chain.Address
		asset   AssetID
	}
	scratch := make(map[key]uint64)
	read := func(k key) uint64 {
		if v, ok := scratch[k]; ok {
			return v
		}
		return m.balances[k.account][k.asset]
	}

	legs = append([]Leg(nil), legs...)
	for i := range legs {
		legs[i].Asset = Normalize(string(legs[i].Asset))
		leg := legs[i]
		if _, ok := m.decimals[leg.Asset]; !ok {
			return nil, fmt.Errorf("leg %d: %w: %s", i, ErrUnknownAsset, leg.Asset)
		}
		from := key{leg.From, leg.Asset}
		to := key{leg.To, leg.Asset}
		have := read(from)
		if have < leg.Amount {
			return nil, fmt.Errorf("leg %d: %w: have %d, need %d", i, ErrInsufficientFunds, have, leg.Amount)
		}
		scratch[from] = have - leg.Amount
		credited := read(to) + leg.Amount
		if credited < leg.Amount {
			return nil, fmt.Errorf("leg %d: ledger: balance overflow", i)
		}
		scratch[to] = credited
	}

	for k, v := range scratch {
		m.balancesLocked(k.account)[k.asset] = v
	}

	receipts := make([]Receipt, len(legs))
	now := m.now()
	for i, leg := range legs {
		receipts[i] = Receipt{ID: uuid.NewString(), Leg: leg, CreatedAt: now}
	}
	m.receipts = append(m.receipts, receipts...)
	return receipts, nil
}

// Receipts returns committed legs, oldest first.
func (m *Memory) Receipts() []Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Receipt(nil), m.receipts...)
}

// Assets lists registered assets in lexical order.
func (m *Memory) Assets() []AssetID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AssetID, 0, len(m.decimals))
	for a := range m.decimals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) balancesLocked(account chain.Address) map[AssetID]uint64 {
	bal, ok := m.balances[account]
	if !ok {
		bal = make(map[AssetID]uint64)
		m.balances[account] = bal
	}
	return bal
}
