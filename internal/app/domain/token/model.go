package token

import (
	"time"

	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/engine/domains/nft"
)

// Mode is the trading venue a token is licensed for.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeExchange   Mode = "exchange"
)

// Role is the kind of licensee.
type Role string

const (
	RoleIndividual Role = "individual"
	RoleCompany    Role = "company"
)

// SessionLock tracks the borrow/session state machine. Active implies
// Borrowed.
type SessionLock struct {
	Borrowed bool
	Active   bool
}

// Token is one minted access token of a strategy. Energy carries 8 implied
// decimals and stays within [0, EnergyMax].
type Token struct {
	ID          chain.Address
	StrategyID  chain.Address
	Name        string
	Sequence    uint64
	Holder      chain.Address
	CompanyCode string
	Mode        Mode
	Role        Role

	Energy      uint64
	RefillCap   uint64
	ProfitAccum uint64
	VolumeAccum uint64
	LastUpdate  time.Time

	KRefill uint64
	KProfit uint64
	KVolume uint64
	KTime   uint64

	BorrowedBy *chain.Address
	Royalty    *nft.Royalty
	Lock       SessionLock

	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsBorrowedBy reports whether addr currently holds the borrow.
func (t Token) IsBorrowedBy(addr chain.Address) bool {
	return t.Lock.Borrowed && t.BorrowedBy != nil && *t.BorrowedBy == addr
}

// Clone returns a deep copy.
func (t Token) Clone() Token {
	if t.BorrowedBy != nil {
		v := *t.BorrowedBy
		t.BorrowedBy = &v
	}
	if t.Royalty != nil {
		v := *t.Royalty
		t.Royalty = &v
	}
	return t
}
