package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/strategy_layer/internal/app/domain/strategy"
	"github.com/R3E-Network/strategy_layer/internal/app/domain/token"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/engine/domains/nft"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
)

// Store implements the storage interfaces backed by PostgreSQL. Unsigned
// 64-bit quantities live in NUMERIC(20,0) columns and travel as decimal
// strings; addresses are stored as 0x-prefixed script hashes.
type Store struct {
	db *sqlx.DB
}

var _ storage.StrategyStore = (*Store)(nil)
var _ storage.TokenStore = (*Store)(nil)
var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return db, nil
}

// --- StrategyStore ----------------------------------------------------------

const strategyColumns = `id, registrar, name, version, metadata, fee_rate, pending_fee_rate, fee_payee,
	payment_assets, owner, pending_owner, tokens_minted, revision, created_at, updated_at`

type strategyRow struct {
	ID             string         `db:"id"`
	Registrar      string         `db:"registrar"`
	Name           string         `db:"name"`
	Version        string         `db:"version"`
	Metadata       []byte         `db:"metadata"`
	FeeRate        string         `db:"fee_rate"`
	PendingFeeRate sql.NullString `db:"pending_fee_rate"`
	FeePayee       string         `db:"fee_payee"`
	PaymentAssets  pq.StringArray `db:"payment_assets"`
	Owner          string         `db:"owner"`
	PendingOwner   sql.NullString `db:"pending_owner"`
	TokensMinted   string         `db:"tokens_minted"`
	Revision       int64          `db:"revision"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (s *Store) CreateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	st.Revision = 1

	metadataJSON, err := json.Marshal(nonNilMap(st.Metadata))
	if err != nil {
		return strategy.Strategy{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (`+strategyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		chain.Hex(st.ID), chain.Hex(st.Registrar), st.Name, st.Version, metadataJSON,
		u64(st.FeeRate), optU64(st.PendingFeeRate), chain.Hex(st.FeePayee),
		assetArray(st.PaymentAssets), chain.Hex(st.Owner), optAddr(st.PendingOwner),
		u64(st.TokensMinted), int64(st.Revision), st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return strategy.Strategy{}, fmt.Errorf("strategy %s: %w", chain.Hex(st.ID), storage.ErrExists)
		}
		return strategy.Strategy{}, err
	}
	return st, nil
}

func (s *Store) UpdateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	updated, err := casStrategy(ctx, s.db, st)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return strategy.Strategy{}, s.conflictOrMissing(ctx, "strategies", st.ID)
		}
		return strategy.Strategy{}, err
	}
	return updated, nil
}

func (s *Store) GetStrategy(ctx context.Context, id chain.Address) (strategy.Strategy, error) {
	var row strategyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+strategyColumns+` FROM strategies WHERE id = $1`, chain.Hex(id))
	if errors.Is(err, sql.ErrNoRows) {
		return strategy.Strategy{}, fmt.Errorf("strategy %s: %w", chain.Hex(id), storage.ErrNotFound)
	}
	if err != nil {
		return strategy.Strategy{}, err
	}
	return row.toDomain()
}

func (s *Store) ListStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	var rows []strategyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+strategyColumns+` FROM strategies ORDER BY name, id`); err != nil {
		return nil, err
	}
	out := make([]strategy.Strategy, 0, len(rows))
	for _, row := range rows {
		st, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// execer is satisfied by both *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func casStrategy(ctx context.Context, db execer, st strategy.Strategy) (strategy.Strategy, error) {
	metadataJSON, err := json.Marshal(nonNilMap(st.Metadata))
	if err != nil {
		return strategy.Strategy{}, err
	}
	now := time.Now().UTC()

	result, err := db.ExecContext(ctx, `
		UPDATE strategies
		SET version = $2, metadata = $3, fee_rate = $4, pending_fee_rate = $5, fee_payee = $6,
		    payment_assets = $7, owner = $8, pending_owner = $9, tokens_minted = $10,
		    revision = revision + 1, updated_at = $11
		WHERE id = $1 AND revision = $12
	`,
		chain.Hex(st.ID), st.Version, metadataJSON, u64(st.FeeRate), optU64(st.PendingFeeRate),
		chain.Hex(st.FeePayee), assetArray(st.PaymentAssets), chain.Hex(st.Owner),
		optAddr(st.PendingOwner), u64(st.TokensMinted), now, int64(st.Revision),
	)
	if err != nil {
		return strategy.Strategy{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return strategy.Strategy{}, storage.ErrConflict
	}
	st = st.Clone()
	st.Revision++
	st.UpdatedAt = now
	return st, nil
}

// --- TokenStore -------------------------------------------------------------

const tokenColumns = `id, strategy_id, name, sequence, holder, company_code, mode, role, energy, refill_cap,
	profit_accum, volume_accum, last_update, k_refill, k_profit, k_volume, k_time, borrowed_by,
	royalty_payee, royalty_num, royalty_den, lock_borrowed, lock_active, revision, created_at, updated_at`

type tokenRow struct {
	ID           string         `db:"id"`
	StrategyID   string         `db:"strategy_id"`
	Name         string         `db:"name"`
	Sequence     string         `db:"sequence"`
	Holder       string         `db:"holder"`
	CompanyCode  string         `db:"company_code"`
	Mode         string         `db:"mode"`
	Role         string         `db:"role"`
	Energy       string         `db:"energy"`
	RefillCap    string         `db:"refill_cap"`
	ProfitAccum  string         `db:"profit_accum"`
	VolumeAccum  string         `db:"volume_accum"`
	LastUpdate   time.Time      `db:"last_update"`
	KRefill      string         `db:"k_refill"`
	KProfit      string         `db:"k_profit"`
	KVolume      string         `db:"k_volume"`
	KTime        string         `db:"k_time"`
	BorrowedBy   sql.NullString `db:"borrowed_by"`
	RoyaltyPayee sql.NullString `db:"royalty_payee"`
	RoyaltyNum   sql.NullString `db:"royalty_num"`
	RoyaltyDen   sql.NullString `db:"royalty_den"`
	LockBorrowed bool           `db:"lock_borrowed"`
	LockActive   bool           `db:"lock_active"`
	Revision     int64          `db:"revision"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (s *Store) MintTokens(ctx context.Context, st strategy.Strategy, tokens []token.Token) (strategy.Strategy, []token.Token, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return strategy.Strategy{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := casStrategy(ctx, tx, st)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return strategy.Strategy{}, nil, fmt.Errorf("strategy %s: %w", chain.Hex(st.ID), storage.ErrConflict)
		}
		return strategy.Strategy{}, nil, err
	}

	now := updated.UpdatedAt
	out := make([]token.Token, len(tokens))
	for i, t := range tokens {
		t.Revision = 1
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := insertToken(ctx, tx, t); err != nil {
			if isUniqueViolation(err) {
				return strategy.Strategy{}, nil, fmt.Errorf("token %s: %w", chain.Hex(t.ID), storage.ErrExists)
			}
			return strategy.Strategy{}, nil, err
		}
		out[i] = t
	}

	if err := tx.Commit(); err != nil {
		return strategy.Strategy{}, nil, err
	}
	return updated, out, nil
}

func insertToken(ctx context.Context, db execer, t token.Token) error {
	payee, num, den := royaltyColumns(t.Royalty)
	_, err := db.ExecContext(ctx, `
		INSERT INTO strategy_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`,
		chain.Hex(t.ID), chain.Hex(t.StrategyID), t.Name, u64(t.Sequence), chain.Hex(t.Holder),
		t.CompanyCode, string(t.Mode), string(t.Role), u64(t.Energy), u64(t.RefillCap),
		u64(t.ProfitAccum), u64(t.VolumeAccum), t.LastUpdate, u64(t.KRefill), u64(t.KProfit),
		u64(t.KVolume), u64(t.KTime), optAddr(t.BorrowedBy), payee, num, den,
		t.Lock.Borrowed, t.Lock.Active, int64(t.Revision), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *Store) UpdateToken(ctx context.Context, t token.Token) (token.Token, error) {
	now := time.Now().UTC()
	payee, num, den := royaltyColumns(t.Royalty)

	result, err := s.db.ExecContext(ctx, `
		UPDATE strategy_tokens
		SET holder = $2, company_code = $3, mode = $4, role = $5, energy = $6, refill_cap = $7,
		    profit_accum = $8, volume_accum = $9, last_update = $10, borrowed_by = $11,
		    royalty_payee = $12, royalty_num = $13, royalty_den = $14,
		    lock_borrowed = $15, lock_active = $16, revision = revision + 1, updated_at = $17
		WHERE id = $1 AND revision = $18
	`,
		chain.Hex(t.ID), chain.Hex(t.Holder), t.CompanyCode, string(t.Mode), string(t.Role),
		u64(t.Energy), u64(t.RefillCap), u64(t.ProfitAccum), u64(t.VolumeAccum), t.LastUpdate,
		optAddr(t.BorrowedBy), payee, num, den, t.Lock.Borrowed, t.Lock.Active, now, int64(t.Revision),
	)
	if err != nil {
		return token.Token{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return token.Token{}, s.conflictOrMissing(ctx, "strategy_tokens", t.ID)
	}
	t = t.Clone()
	t.Revision++
	t.UpdatedAt = now
	return t, nil
}

func (s *Store) DeleteToken(ctx context.Context, t token.Token) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM strategy_tokens WHERE id = $1 AND revision = $2
	`, chain.Hex(t.ID), int64(t.Revision))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.conflictOrMissing(ctx, "strategy_tokens", t.ID)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, id chain.Address) (token.Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `SELECT `+tokenColumns+` FROM strategy_tokens WHERE id = $1`, chain.Hex(id))
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, fmt.Errorf("token %s: %w", chain.Hex(id), storage.ErrNotFound)
	}
	if err != nil {
		return token.Token{}, err
	}
	return row.toDomain()
}

func (s *Store) ListTokens(ctx context.Context, strategyID chain.Address) ([]token.Token, error) {
	return s.selectTokens(ctx, `SELECT `+tokenColumns+` FROM strategy_tokens WHERE strategy_id = $1 ORDER BY sequence`, chain.Hex(strategyID))
}

func (s *Store) ListTokensByHolder(ctx context.Context, holder chain.Address) ([]token.Token, error) {
	return s.selectTokens(ctx, `SELECT `+tokenColumns+` FROM strategy_tokens WHERE holder = $1 ORDER BY strategy_id, sequence`, chain.Hex(holder))
}

func (s *Store) selectTokens(ctx context.Context, query string, args ...interface{}) ([]token.Token, error) {
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]token.Token, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// conflictOrMissing resolves a zero-row CAS into ErrNotFound or ErrConflict.
func (s *Store) conflictOrMissing(ctx context.Context, table string, id chain.Address) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, chain.Hex(id)); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, chain.Hex(id), storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, chain.Hex(id), storage.ErrConflict)
}

// --- row mapping ------------------------------------------------------------

func (r strategyRow) toDomain() (strategy.Strategy, error) {
	var (
		st  strategy.Strategy
		err error
		p   parser
	)
	st.ID = p.addr(r.ID)
	st.Registrar = p.addr(r.Registrar)
	st.Name = r.Name
	st.Version = r.Version
	if len(r.Metadata) > 0 {
		if err = json.Unmarshal(r.Metadata, &st.Metadata); err != nil {
			return strategy.Strategy{}, fmt.Errorf("strategy %s metadata: %w", r.ID, err)
		}
	}
	st.FeeRate = p.u64(r.FeeRate)
	st.PendingFeeRate = p.optU64(r.PendingFeeRate)
	st.FeePayee = p.addr(r.FeePayee)
	for _, a := range r.PaymentAssets {
		st.PaymentAssets = append(st.PaymentAssets, ledger.AssetID(a))
	}
	st.Owner = p.addr(r.Owner)
	st.PendingOwner = p.optAddr(r.PendingOwner)
	st.TokensMinted = p.u64(r.TokensMinted)
	st.Revision = uint64(r.Revision)
	st.CreatedAt = r.CreatedAt.UTC()
	st.UpdatedAt = r.UpdatedAt.UTC()
	if p.err != nil {
		return strategy.Strategy{}, fmt.Errorf("strategy %s: %w", r.ID, p.err)
	}
	return st, nil
}

func (r tokenRow) toDomain() (token.Token, error) {
	var (
		t token.Token
		p parser
	)
	t.ID = p.addr(r.ID)
	t.StrategyID = p.addr(r.StrategyID)
	t.Name = r.Name
	t.Sequence = p.u64(r.Sequence)
	t.Holder = p.addr(r.Holder)
	t.CompanyCode = r.CompanyCode
	t.Mode = token.Mode(r.Mode)
	t.Role = token.Role(r.Role)
	t.Energy = p.u64(r.Energy)
	t.RefillCap = p.u64(r.RefillCap)
	t.ProfitAccum = p.u64(r.ProfitAccum)
	t.VolumeAccum = p.u64(r.VolumeAccum)
	t.LastUpdate = r.LastUpdate.UTC()
	t.KRefill = p.u64(r.KRefill)
	t.KProfit = p.u64(r.KProfit)
	t.KVolume = p.u64(r.KVolume)
	t.KTime = p.u64(r.KTime)
	t.BorrowedBy = p.optAddr(r.BorrowedBy)
	if r.RoyaltyPayee.Valid {
		t.Royalty = &nft.Royalty{
			Payee:       p.addr(r.RoyaltyPayee.String),
			Numerator:   p.u64(r.RoyaltyNum.String),
			Denominator: p.u64(r.RoyaltyDen.String),
		}
	}
	t.Lock = token.SessionLock{Borrowed: r.LockBorrowed, Active: r.LockActive}
	t.Revision = uint64(r.Revision)
	t.CreatedAt = r.CreatedAt.UTC()
	t.UpdatedAt = r.UpdatedAt.UTC()
	if p.err != nil {
		return token.Token{}, fmt.Errorf("token %s: %w", r.ID, p.err)
	}
	return t, nil
}

// parser keeps the first conversion error.
type parser struct{ err error }

func (p *parser) u64(raw string) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("parse numeric %q: %w", raw, err)
	}
	return v
}

func (p *parser) optU64(raw sql.NullString) *uint64 {
	if !raw.Valid {
		return nil
	}
	v := p.u64(raw.String)
	return &v
}

func (p *parser) addr(raw string) chain.Address {
	if p.err != nil {
		return chain.ZeroAddress
	}
	a, err := chain.ParseAddress(raw)
	if err != nil {
		p.err = err
	}
	return a
}

func (p *parser) optAddr(raw sql.NullString) *chain.Address {
	if !raw.Valid {
		return nil
	}
	a := p.addr(raw.String)
	return &a
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func optU64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return u64(*v)
}

func optAddr(a *chain.Address) interface{} {
	if a == nil {
		return nil
	}
	return chain.Hex(*a)
}

func royaltyColumns(r *nft.Royalty) (payee, num, den interface{}) {
	if r == nil {
		return nil, nil, nil
	}
	return chain.Hex(r.Payee), u64(r.Numerator), u64(r.Denominator)
}

func assetArray(assets []ledger.AssetID) pq.StringArray {
	out := make(pq.StringArray, len(assets))
	for i, a := range assets {
		out[i] = string(a)
	}
	return out
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
