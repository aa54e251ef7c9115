package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Every
// mutation is conditioned on the row's current status, so concurrent writers
// never clobber a transition made by someone else.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, wallet, chain_id, token, symbol, direction,
	entry_price, entry_amount, token_amount, entry_tx,
	stop_armed, trailing_stop_price, watermark_price,
	trailing_stop_percent, take_profit_price, take_profit_percent, profit_lock_percent,
	leverage, borrowed, health_factor,
	status, close_reason, opened_at, updated_at, closed_at,
	exit_price, exit_amount, pnl, pnl_percent, close_tx`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                    domain.Position
		direction, status    string
		closeReason          string
		stopPrice, watermark *float64
	)

	err := row.Scan(
		&p.ID, &p.Wallet, &p.Chain, &p.Token, &p.Symbol, &direction,
		&p.EntryPrice, &p.EntryAmount, &p.TokenAmount, &p.EntryTx,
		&p.Protection.Armed, &stopPrice, &watermark,
		&p.TrailingStopPercent, &p.TakeProfitPrice, &p.TakeProfitPercent, &p.ProfitLockPercent,
		&p.Leverage, &p.Borrowed, &p.HealthFactor,
		&status, &closeReason, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
		&p.ExitPrice, &p.ExitAmount, &p.PnL, &p.PnLPercent, &p.CloseTx,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	if p.Protection.Armed {
		if stopPrice != nil {
			p.Protection.StopPrice = *stopPrice
		}
		if watermark != nil {
			p.Protection.Watermark = *watermark
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// nullable returns a *float64 only when the protection state is armed, so the
// unarmed variant round-trips as SQL NULL.
func protectionCols(prot domain.Protection) (armed bool, stop, watermark *float64) {
	if !prot.Armed {
		return false, nil, nil
	}
	s, w := prot.StopPrice, prot.Watermark
	return true, &s, &w
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new position row. A duplicate entry transaction reference
// returns domain.ErrAlreadyExists without touching the ledger.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, wallet, chain_id, token, symbol, direction,
			entry_price, entry_amount, token_amount, entry_tx,
			stop_armed, trailing_stop_price, watermark_price,
			trailing_stop_percent, take_profit_price, take_profit_percent, profit_lock_percent,
			leverage, borrowed, health_factor,
			status, close_reason, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, $23, NOW()
		)`

	armed, stop, watermark := protectionCols(p.Protection)
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Wallet, p.Chain, p.Token, p.Symbol, string(p.Direction),
		p.EntryPrice, p.EntryAmount, p.TokenAmount, p.EntryTx,
		armed, stop, watermark,
		p.TrailingStopPercent, p.TakeProfitPrice, p.TakeProfitPercent, p.ProfitLockPercent,
		p.Leverage, p.Borrowed, p.HealthFactor,
		string(p.Status), string(p.CloseReason), p.OpenedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// FindActive returns all positions for (wallet, chain, token) whose status
// still claims collateral: open, closing, or failed. A failed row that
// reconciliation has already cleared (reason sync_failure) no longer blocks.
func (s *PositionStore) FindActive(ctx context.Context, wallet string, chain int64, token string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE wallet = $1 AND chain_id = $2 AND token = $3
		   AND (status IN ('open', 'closing')
		        OR (status = 'failed' AND close_reason <> 'sync_failure'))
		 ORDER BY opened_at DESC`, wallet, chain, token)
	if err != nil {
		return nil, fmt.Errorf("postgres: find active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListByStatus returns all positions in any of the given statuses.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = ANY($1)
		 ORDER BY opened_at ASC`, vals)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by status: %w", err)
	}
	return positions, nil
}

// CountOpen returns the number of open positions for the wallet on the chain.
func (s *PositionStore) CountOpen(ctx context.Context, wallet string, chain int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions
		 WHERE wallet = $1 AND chain_id = $2 AND status = 'open'`,
		wallet, chain,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions: %w", err)
	}
	return count, nil
}

// ListHistory returns positions for the given wallet with pagination and
// optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE wallet = $1`
	args := []any{wallet}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	if opts.ClosedSince != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.ClosedSince)
		argIdx++
	}
	if opts.ClosedUntil != nil {
		query += fmt.Sprintf(" AND closed_at < $%d", argIdx)
		args = append(args, *opts.ClosedUntil)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions whose closed_at precedes the
// cutoff, for archival.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed' AND closed_at < $1
		 ORDER BY closed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// UpdateProtection persists new protection state for a position that is still
// open. Returns domain.ErrStatusConflict if the position has left the open
// state since it was read.
func (s *PositionStore) UpdateProtection(ctx context.Context, id string, prot domain.Protection) error {
	const query = `
		UPDATE positions SET
			stop_armed          = $2,
			trailing_stop_price = $3,
			watermark_price     = $4,
			updated_at          = NOW()
		WHERE id = $1 AND status = 'open'`

	armed, stop, watermark := protectionCols(prot)
	tag, err := s.pool.Exec(ctx, query, id, armed, stop, watermark)
	if err != nil {
		return fmt.Errorf("postgres: update protection %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// MarkClosing transitions an open position to closing before the close
// transaction is submitted.
func (s *PositionStore) MarkClosing(ctx context.Context, id string, reason domain.CloseReason) error {
	const query = `
		UPDATE positions SET
			status       = 'closing',
			close_reason = $2,
			updated_at   = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, string(reason))
	if err != nil {
		return fmt.Errorf("postgres: mark closing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// Reopen returns a closing position to the open state after a close attempt
// failed while the on-chain position is still live. Protection columns are
// untouched, so a still-breached stop retriggers the close on the next tick.
func (s *PositionStore) Reopen(ctx context.Context, id string) error {
	const query = `
		UPDATE positions SET
			status       = 'open',
			close_reason = '',
			updated_at   = NOW()
		WHERE id = $1 AND status = 'closing'`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: reopen %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// CloseOut finalizes a position with its exit data. Accepts both open and
// closing rows so reconciliation can complete a close the monitor started.
func (s *PositionStore) CloseOut(ctx context.Context, id string, res domain.CloseResult) error {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			close_reason = $2,
			exit_price   = $3,
			exit_amount  = $4,
			pnl          = $5,
			pnl_percent  = $6,
			close_tx     = $7,
			closed_at    = NOW(),
			updated_at   = NOW()
		WHERE id = $1 AND status IN ('open', 'closing')`

	tag, err := s.pool.Exec(ctx, query, id,
		string(res.Reason), res.ExitPrice, res.ExitAmount,
		res.PnL, res.PnLPercent, res.CloseTx,
	)
	if err != nil {
		return fmt.Errorf("postgres: close out %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// MarkFailed transitions an active position to failed, or re-tags an already
// failed row with a clearing reason.
func (s *PositionStore) MarkFailed(ctx context.Context, id string, reason domain.CloseReason) error {
	const query = `
		UPDATE positions SET
			status       = 'failed',
			close_reason = $2,
			updated_at   = NOW()
		WHERE id = $1 AND status IN ('open', 'closing', 'failed') AND close_reason <> $2`

	tag, err := s.pool.Exec(ctx, query, id, string(reason))
	if err != nil {
		return fmt.Errorf("postgres: mark failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
