// Package nft defines the collection and named-token metadata collaborator
// behind strategy access tokens, plus an in-memory implementation.
//
// The collaborator only records descriptive metadata and royalty terms.
// Ownership, locks and energy live in the token store.
package nft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/strategy_layer/internal/chain"
)

// TokenStandard identifies the token standard the metadata follows.
type TokenStandard string

// StandardNEP11 is the Neo N3 non-fungible standard.
const StandardNEP11 TokenStandard = "nep11"

// Royalty is a fraction of refill payments owed to a payee.
type Royalty struct {
	Payee       chain.Address `json:"payee"`
	Numerator   uint64        `json:"numerator"`
	Denominator uint64        `json:"denominator"`
}

// Validate requires a positive denominator and a fraction no greater than one.
func (r Royalty) Validate() error {
	if r.Denominator == 0 {
		return fmt.Errorf("royalty denominator must be positive")
	}
	if r.Numerator > r.Denominator {
		return fmt.Errorf("royalty %d/%d exceeds 100%%", r.Numerator, r.Denominator)
	}
	return nil
}

// Collection groups the tokens of one strategy.
type Collection struct {
	Creator     chain.Address `json:"creator"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	URI         string        `json:"uri,omitempty"`
	Standard    TokenStandard `json:"standard"`
	TotalSupply uint64        `json:"total_supply"`
	CreatedAt   time.Time     `json:"created_at"`
}

// NamedToken is the metadata record of one minted unit.
type NamedToken struct {
	ID          chain.Address     `json:"id"`
	Creator     chain.Address     `json:"creator"`
	Collection  string            `json:"collection"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Royalty     *Royalty          `json:"royalty,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ErrNotFound is returned for unknown collections and tokens.
var ErrNotFound = errors.New("nft: not found")

// Collections is the metadata collaborator used at mint time and by royalty
// lookups during refills.
type Collections interface {
	// CreateCollection registers a collection. Re-creating an existing
	// collection of the same creator is a no-op.
	CreateCollection(ctx context.Context, c Collection) error

	// CreateNamedToken records token metadata. Writing the same ID again
	// replaces the previous record.
	CreateNamedToken(ctx context.Context, t NamedToken) error

	// TokenRoyalty returns the royalty of a token, nil when it has none.
	TokenRoyalty(ctx context.Context, tokenID chain.Address) (*Royalty, error)
}

type collectionKey struct {
	creator chain.Address
	name    string
}

// Memory keeps collections and tokens in maps. It is safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	collections map[collectionKey]Collection
	tokens      map[chain.Address]NamedToken
	now         func() time.Time
}

var _ Collections = (*Memory)(nil)

// NewMemory creates an empty collaborator.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[collectionKey]Collection),
		tokens:      make(map[chain.Address]NamedToken),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateCollection implements Collections.
func (m *Memory) CreateCollection(_ context.Context, c Collection) error {
	if c.Name == "" {
		return fmt.Errorf("collection name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := collectionKey{creator: c.Creator, name: c.Name}
	if _, ok := m.collections[key]; ok {
		return nil
	}
	if c.Standard == "" {
		c.Standard = StandardNEP11
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	c.TotalSupply = 0
	m.collections[key] = c
	return nil
}

// CreateNamedToken implements Collections.
func (m *Memory) CreateNamedToken(_ context.Context, t NamedToken) error {
	if t.Royalty != nil {
		if err := t.Royalty.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := collectionKey{creator: t.Creator, name: t.Collection}
	coll, ok := m.collections[key]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrNotFound, t.Collection)
	}
	if _, exists := m.tokens[t.ID]; !exists {
		coll.TotalSupply++
		m.collections[key] = coll
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	m.tokens[t.ID] = cloneToken(t)
	return nil
}

// TokenRoyalty implements Collections.
func (m *Memory) TokenRoyalty(_ context.Context, tokenID chain.Address) (*Royalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrNotFound, chain.Hex(tokenID))
	}
	if t.Royalty == nil {
		return nil, nil
	}
	r := *t.Royalty
	return &r, nil
}

// GetCollection returns a collection by creator and name.
func (m *Memory) GetCollection(creator chain.Address, name string) (Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collectionKey{creator: creator, name: name}]
	if !ok {
		return Collection{}, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return c, nil
}

// Token returns the metadata of one token.
func (m *Memory) Token(id chain.Address) (NamedToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return NamedToken{}, fmt.Errorf("%w: token %s", ErrNotFound, chain.Hex(id))
	}
	return cloneToken(t), nil
}

// TokensInCollection lists token metadata of a collection ordered by name.
func (m *Memory) TokensInCollection(creator chain.Address, name string) []NamedToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NamedToken
	for _, t := range m.tokens {
		if t.Creator == creator && t.Collection == name {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneToken(t NamedToken) NamedToken {
	if t.Royalty != nil {
		r := *t.Royalty
		t.Royalty = &r
	}
	if t.Properties != nil {
		props := make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			props[k] = v
		}
		t.Properties = props
	}
	return t
}
