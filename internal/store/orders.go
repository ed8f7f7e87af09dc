package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/unite-defi/relayer/internal/types"
)

// ErrNotFound is returned by Get/GetSecret when no row matches.
var ErrNotFound = errors.New("store: not found")

// OrderStore implements the C2 contract: save, get, listByStatus,
// expired, expiredCommitments, pendingReveal, saveSecret, getSecret,
// markRevealed, saveCommitment, updateCommitmentStatus, stats, prune.
// Writes to an individual order are serialized by Postgres row locking
// (single-statement UPSERT); cross-order list queries are eventually
// consistent, as the contract allows.
type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// Save upserts an order by id.
func (s *OrderStore) Save(order *types.Order) error {
	order.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO orders (
			id, maker, src_chain, src_token, src_amount, dst_chain, dst_token,
			secret_hash, min_acceptable_price, order_duration, nonce, deadline,
			status, fill_mode,
			auction_start_price, auction_end_price, auction_duration, auction_start_time, market_price,
			resolver, committed_price, commitment_time, commitment_deadline,
			src_escrow, dst_escrow,
			funds_moved_at, src_settlement_tx, dst_settlement_tx,
			secret_revealed_at, secret_reveal_tx, competition_deadline,
			created_at, expires_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,
			$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			fill_mode = EXCLUDED.fill_mode,
			resolver = EXCLUDED.resolver,
			committed_price = EXCLUDED.committed_price,
			commitment_time = EXCLUDED.commitment_time,
			commitment_deadline = EXCLUDED.commitment_deadline,
			src_escrow = EXCLUDED.src_escrow,
			dst_escrow = EXCLUDED.dst_escrow,
			funds_moved_at = EXCLUDED.funds_moved_at,
			src_settlement_tx = EXCLUDED.src_settlement_tx,
			dst_settlement_tx = EXCLUDED.dst_settlement_tx,
			secret_revealed_at = EXCLUDED.secret_revealed_at,
			secret_reveal_tx = EXCLUDED.secret_reveal_tx,
			competition_deadline = EXCLUDED.competition_deadline,
			updated_at = EXCLUDED.updated_at
	`,
		order.ID, order.Intent.Maker, order.Intent.SrcChain, order.Intent.SrcToken, order.Intent.SrcAmount.String(),
		order.Intent.DstChain, order.Intent.DstToken, order.Intent.SecretHash, order.Intent.MinAcceptablePrice.String(),
		order.Intent.OrderDuration, order.Intent.Nonce, order.Intent.Deadline,
		string(order.Status), string(order.FillMode),
		order.Auction.StartPrice.String(), order.Auction.EndPrice.String(), order.Auction.Duration, order.Auction.StartTime,
		order.MarketPrice.String(),
		nullableString(order.Resolver), committedPriceParam(order.CommittedPrice), order.CommitmentTime, order.CommitmentDeadline,
		nullableString(order.SrcEscrow), nullableString(order.DstEscrow),
		order.FundsMovedAt, nullableString(order.SrcSettlementTx), nullableString(order.DstSettlementTx),
		order.SecretRevealedAt, nullableString(order.SecretRevealTx), order.CompetitionDeadline,
		order.CreatedAt, order.ExpiresAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save order %s: %w", order.ID, err)
	}
	return nil
}

const selectColumns = `
	id, maker, src_chain, src_token, src_amount, dst_chain, dst_token,
	secret_hash, min_acceptable_price, order_duration, nonce, deadline,
	status, fill_mode,
	auction_start_price, auction_end_price, auction_duration, auction_start_time, market_price,
	resolver, committed_price, commitment_time, commitment_deadline,
	src_escrow, dst_escrow,
	funds_moved_at, src_settlement_tx, dst_settlement_tx,
	secret_revealed_at, secret_reveal_tx, competition_deadline,
	created_at, expires_at, updated_at
`

func (s *OrderStore) Get(orderID string) (*types.Order, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

// ListByStatus returns all orders in the given status.
func (s *OrderStore) ListByStatus(status types.Status) ([]*types.Order, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM orders WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list by status: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// Expired returns ACTIVE orders whose expiresAt has passed (drives
// OrderExpired, spec §4.5).
func (s *OrderStore) Expired(now time.Time) ([]*types.Order, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM orders WHERE status = $1 AND expires_at < $2`,
		string(types.StatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("store: expired: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ExpiredCommitments returns COMMITTED orders past commitmentDeadline
// (drives CommitmentLapsed, spec §4.5).
func (s *OrderStore) ExpiredCommitments(now time.Time) ([]*types.Order, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM orders WHERE status = $1 AND commitment_deadline < $2`,
		string(types.StatusCommitted), now)
	if err != nil {
		return nil, fmt.Errorf("store: expired commitments: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// PendingReveal returns SETTLING orders whose funds moved more than 120s
// ago with no reveal yet (drives RevealDue, spec §4.5).
func (s *OrderStore) PendingReveal(now time.Time) ([]*types.Order, error) {
	rows, err := s.db.Query(`
		SELECT `+selectColumns+` FROM orders
		WHERE status = $1
		  AND dst_settlement_tx IS NOT NULL
		  AND secret_revealed_at IS NULL
		  AND funds_moved_at IS NOT NULL
		  AND $2 - funds_moved_at > INTERVAL '120 seconds'
	`, string(types.StatusSettling), now)
	if err != nil {
		return nil, fmt.Errorf("store: pending reveal: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CompetitionExpired returns COMPETING orders past competitionDeadline
// (drives CompetitionTimeout, spec §4.5).
func (s *OrderStore) CompetitionExpired(now time.Time) ([]*types.Order, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM orders WHERE status = $1 AND competition_deadline < $2`,
		string(types.StatusCompeting), now)
	if err != nil {
		return nil, fmt.Errorf("store: competition expired: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *OrderStore) SaveSecret(secret *types.Secret) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (order_id, preimage, hash, created_at, revealed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE SET revealed_at = EXCLUDED.revealed_at
	`, secret.OrderID, secret.Preimage, secret.Hash, secret.CreatedAt, secret.RevealedAt)
	if err != nil {
		return fmt.Errorf("store: save secret for %s: %w", secret.OrderID, err)
	}
	return nil
}

func (s *OrderStore) GetSecret(orderID string) (*types.Secret, error) {
	row := s.db.QueryRow(`SELECT order_id, preimage, hash, created_at, revealed_at FROM secrets WHERE order_id = $1`, orderID)
	var secret types.Secret
	var revealedAt sql.NullTime
	if err := row.Scan(&secret.OrderID, &secret.Preimage, &secret.Hash, &secret.CreatedAt, &revealedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get secret for %s: %w", orderID, err)
	}
	if revealedAt.Valid {
		secret.RevealedAt = &revealedAt.Time
	}
	return &secret, nil
}

func (s *OrderStore) MarkRevealed(orderID string, revealedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE secrets SET revealed_at = $1 WHERE order_id = $2`, revealedAt, orderID)
	if err != nil {
		return fmt.Errorf("store: mark revealed %s: %w", orderID, err)
	}
	return nil
}

func (s *OrderStore) SaveCommitment(c *types.ResolverCommitment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO commitments (id, order_id, resolver, accepted_price, ts, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.OrderID, c.Resolver, c.AcceptedPrice.String(), c.Timestamp, string(c.Status))
	if err != nil {
		return fmt.Errorf("store: save commitment for %s: %w", c.OrderID, err)
	}
	return nil
}

func (s *OrderStore) UpdateCommitmentStatus(orderID, resolver string, status types.CommitmentStatus) error {
	_, err := s.db.Exec(`
		UPDATE commitments SET status = $1 WHERE order_id = $2 AND resolver = $3 AND status = $4
	`, string(status), orderID, resolver, string(types.CommitmentActive))
	if err != nil {
		return fmt.Errorf("store: update commitment status for %s: %w", orderID, err)
	}
	return nil
}

func (s *OrderStore) Stats() (Stats, error) {
	rows, err := s.db.Query(`SELECT status, count(*) FROM orders GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("store: scan stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// Prune deletes COMPLETED/FAILED orders older than `days`, mirroring the
// teacher's CleanupCompletedOrders but driven by a standalone reaper job
// rather than an ad-hoc call (spec §4.5 "Reaper runs a separate daily job
// calling Store.prune(30)").
func (s *OrderStore) Prune(days int) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM orders
		WHERE status IN ($1, $2) AND updated_at < now() - ($3 || ' days')::interval
	`, string(types.StatusCompleted), string(types.StatusFailed), days)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

func scanOrders(rows *sql.Rows) ([]*types.Order, error) {
	var out []*types.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// scanOrder decodes one row via scanner so Get (a *sql.Row) and the list
// queries (*sql.Rows) share one decoding path.
func scanOrder(row scanner) (*types.Order, error) {
	var o types.Order
	var srcAmount, minPrice, startPrice, endPrice, marketPrice string
	var resolver, committedPrice, srcEscrow, dstEscrow, srcTx, dstTx, revealTx sql.NullString
	var commitmentTime, commitmentDeadline, fundsMovedAt, secretRevealedAt, competitionDeadline sql.NullTime

	err := row.Scan(
		&o.ID, &o.Intent.Maker, &o.Intent.SrcChain, &o.Intent.SrcToken, &srcAmount, &o.Intent.DstChain, &o.Intent.DstToken,
		&o.Intent.SecretHash, &minPrice, &o.Intent.OrderDuration, &o.Intent.Nonce, &o.Intent.Deadline,
		&o.Status, &o.FillMode,
		&startPrice, &endPrice, &o.Auction.Duration, &o.Auction.StartTime, &marketPrice,
		&resolver, &committedPrice, &commitmentTime, &commitmentDeadline,
		&srcEscrow, &dstEscrow,
		&fundsMovedAt, &srcTx, &dstTx,
		&secretRevealedAt, &revealTx, &competitionDeadline,
		&o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if o.Intent.SrcAmount, err = types.ParseBigInt(srcAmount); err != nil {
		return nil, err
	}
	if o.Intent.MinAcceptablePrice, err = types.ParseBigInt(minPrice); err != nil {
		return nil, err
	}
	if o.Auction.StartPrice, err = types.ParseBigInt(startPrice); err != nil {
		return nil, err
	}
	if o.Auction.EndPrice, err = types.ParseBigInt(endPrice); err != nil {
		return nil, err
	}
	if o.MarketPrice, err = types.ParseBigInt(marketPrice); err != nil {
		return nil, err
	}

	o.Resolver = resolver.String
	o.SrcEscrow = srcEscrow.String
	o.DstEscrow = dstEscrow.String
	o.SrcSettlementTx = srcTx.String
	o.DstSettlementTx = dstTx.String
	o.SecretRevealTx = revealTx.String

	if committedPrice.Valid {
		v, err := types.ParseBigInt(committedPrice.String)
		if err != nil {
			return nil, err
		}
		o.CommittedPrice = v
	}
	if commitmentTime.Valid {
		o.CommitmentTime = &commitmentTime.Time
	}
	if commitmentDeadline.Valid {
		o.CommitmentDeadline = &commitmentDeadline.Time
	}
	if fundsMovedAt.Valid {
		o.FundsMovedAt = &fundsMovedAt.Time
	}
	if secretRevealedAt.Valid {
		o.SecretRevealedAt = &secretRevealedAt.Time
	}
	if competitionDeadline.Valid {
		o.CompetitionDeadline = &competitionDeadline.Time
	}

	return &o, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func committedPriceParam(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}
