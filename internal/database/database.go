package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"flash-sale-api/internal/ledger"
	"flash-sale-api/internal/models"
)

// DB wraps the database connection and provides the durable offer ledger
// and the interest store.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent claim traffic.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			product_id TEXT NOT NULL,
			product_name TEXT NOT NULL,
			category TEXT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			locality INTEGER NOT NULL,
			original_price REAL NOT NULL,
			recovery_cost REAL NOT NULL,
			discount_amount REAL NOT NULL,
			discount_percent REAL NOT NULL,
			discounted_price REAL NOT NULL,
			status TEXT NOT NULL,
			winner_id TEXT NOT NULL DEFAULT '',
			winning_timestamp INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			sold_at TEXT,
			expired_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS offer_claimants (
			offer_id TEXT NOT NULL,
			claimant_id TEXT NOT NULL,
			PRIMARY KEY (offer_id, claimant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS claim_attempts (
			offer_id TEXT NOT NULL,
			claimant_id TEXT NOT NULL,
			claim_timestamp INTEGER NOT NULL,
			status TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (offer_id, claimant_id, claim_timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS interests (
			claimant_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			product_id TEXT NOT NULL DEFAULT '',
			locality INTEGER NOT NULL,
			last_active_at TEXT NOT NULL,
			PRIMARY KEY (claimant_id, category, product_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_status ON offers(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_claimants_claimant ON offer_claimants(claimant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interests_category ON interests(category)`,
		`CREATE INDEX IF NOT EXISTS idx_interests_product ON interests(product_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// CreateOffer inserts the offer if no offer exists for its source order yet.
// The insert is keyed on order_id, so a retried generation job lands on the
// existing row. Returns the canonical offer and whether this call created it.
func (db *DB) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO offers (
		id, order_id, product_id, product_name, category, image_url, locality,
		original_price, recovery_cost, discount_amount, discount_percent,
		discounted_price, status, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(order_id) DO NOTHING`,
		offer.ID,
		offer.OrderID,
		offer.ProductID,
		offer.ProductName,
		offer.Category,
		offer.ImageURL,
		offer.Locality,
		offer.OriginalPrice,
		offer.RecoveryCost,
		offer.DiscountAmount,
		offer.DiscountPercent,
		offer.DiscountedPrice,
		string(offer.Status),
		offer.CreatedAt.UTC().Format(time.RFC3339Nano),
		offer.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("failed to insert offer: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	// Resolve the canonical row: ours or the one a previous run inserted.
	var canonicalID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM offers WHERE order_id = ?`, offer.OrderID,
	).Scan(&canonicalID); err != nil {
		return models.Offer{}, false, fmt.Errorf("failed to resolve offer for order %s: %w", offer.OrderID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO offer_claimants (offer_id, claimant_id)
		VALUES (?, ?) ON CONFLICT(offer_id, claimant_id) DO NOTHING`)
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("failed to prepare claimant statement: %w", err)
	}
	defer stmt.Close()

	for _, claimantID := range offer.EligibleClaimants {
		if _, err := stmt.ExecContext(ctx, canonicalID, claimantID); err != nil {
			return models.Offer{}, false, fmt.Errorf("failed to insert claimant %s: %w", claimantID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Offer{}, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	canonical, err := db.GetOffer(ctx, canonicalID)
	if err != nil {
		return models.Offer{}, false, err
	}

	return canonical, inserted > 0, nil
}

// GetOffer returns the offer with the given id, or ledger.ErrOfferNotFound.
func (db *DB) GetOffer(ctx context.Context, offerID string) (models.Offer, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, order_id, product_id, product_name,
		category, image_url, locality, original_price, recovery_cost, discount_amount,
		discount_percent, discounted_price, status, winner_id, winning_timestamp,
		created_at, expires_at, sold_at, expired_at
		FROM offers WHERE id = ?`, offerID)

	offer, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return models.Offer{}, ledger.ErrOfferNotFound
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("failed to get offer: %w", err)
	}

	offer.EligibleClaimants, err = db.claimantsFor(ctx, offerID)
	if err != nil {
		return models.Offer{}, err
	}

	return offer, nil
}

// GetOfferByOrder returns the offer derived from the given source order.
func (db *DB) GetOfferByOrder(ctx context.Context, orderID string) (models.Offer, error) {
	var offerID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM offers WHERE order_id = ?`, orderID,
	).Scan(&offerID)
	if err == sql.ErrNoRows {
		return models.Offer{}, ledger.ErrOfferNotFound
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("failed to get offer by order: %w", err)
	}

	return db.GetOffer(ctx, offerID)
}

// ListActiveForClaimant returns unexpired active offers the claimant is
// eligible for, newest first.
func (db *DB) ListActiveForClaimant(ctx context.Context, claimantID string, now time.Time) ([]models.Offer, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT o.id FROM offers o
		JOIN offer_claimants oc ON oc.offer_id = o.id
		WHERE oc.claimant_id = ? AND o.status = ? AND o.expires_at > ?
		ORDER BY o.created_at DESC`,
		claimantID, string(models.OfferStatusActive), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query offers for claimant: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan offer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}

	offers := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		offer, err := db.GetOffer(ctx, id)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}

	return offers, nil
}

// RecordAttempt stores a claim attempt. Re-recording an identical
// (offer, claimant, timestamp) triple is a no-op.
func (db *DB) RecordAttempt(ctx context.Context, attempt models.ClaimAttempt) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO claim_attempts (
		offer_id, claimant_id, claim_timestamp, status, recorded_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(offer_id, claimant_id, claim_timestamp) DO NOTHING`,
		attempt.OfferID,
		attempt.ClaimantID,
		attempt.Timestamp,
		string(attempt.Status),
		attempt.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record claim attempt: %w", err)
	}
	return nil
}

// AttemptsFor returns all claim attempts recorded for an offer.
func (db *DB) AttemptsFor(ctx context.Context, offerID string) ([]models.ClaimAttempt, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT offer_id, claimant_id,
		claim_timestamp, status, recorded_at
		FROM claim_attempts WHERE offer_id = ?
		ORDER BY claim_timestamp ASC`, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.ClaimAttempt
	for rows.Next() {
		var attempt models.ClaimAttempt
		var status, recordedAt string
		if err := rows.Scan(&attempt.OfferID, &attempt.ClaimantID, &attempt.Timestamp, &status, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim attempt: %w", err)
		}
		attempt.Status = models.AttemptStatus(status)
		attempt.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recorded_at: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claim attempts: %w", err)
	}

	return attempts, nil
}

// SetAttemptStatus updates the lifecycle state of a recorded attempt.
func (db *DB) SetAttemptStatus(ctx context.Context, offerID, claimantID string, timestamp int64, status models.AttemptStatus) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE claim_attempts SET status = ?
		WHERE offer_id = ? AND claimant_id = ? AND claim_timestamp = ?`,
		string(status), offerID, claimantID, timestamp)
	if err != nil {
		return fmt.Errorf("failed to update claim attempt: %w", err)
	}
	return nil
}

// MarkSold atomically transitions the offer from active to sold with the
// given winner. The conditional update is the check-and-set: if another
// writer got there first, zero rows change and false is returned.
func (db *DB) MarkSold(ctx context.Context, offerID, winnerID string, winningTimestamp int64, soldAt time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `UPDATE offers
		SET status = ?, winner_id = ?, winning_timestamp = ?, sold_at = ?
		WHERE id = ? AND status = ?`,
		string(models.OfferStatusSold), winnerID, winningTimestamp,
		soldAt.UTC().Format(time.RFC3339Nano),
		offerID, string(models.OfferStatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to mark offer sold: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkExpired atomically transitions the offer from active to expired. It
// goes through the same conditional update as MarkSold so an expiry cannot
// race past a concurrent claim.
func (db *DB) MarkExpired(ctx context.Context, offerID string, expiredAt time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `UPDATE offers
		SET status = ?, expired_at = ?
		WHERE id = ? AND status = ?`,
		string(models.OfferStatusExpired),
		expiredAt.UTC().Format(time.RFC3339Nano),
		offerID, string(models.OfferStatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to mark offer expired: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// DueForExpiry returns ids of active offers whose expiry timestamp has passed.
func (db *DB) DueForExpiry(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM offers WHERE status = ? AND expires_at <= ?`,
		string(models.OfferStatusActive), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query due offers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan offer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due offers: %w", err)
	}

	return ids, nil
}

// RejectProcessingAttempts marks any lingering processing attempts for an
// offer as rejected.
func (db *DB) RejectProcessingAttempts(ctx context.Context, offerID string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE claim_attempts SET status = ?
		WHERE offer_id = ? AND status = ?`,
		string(models.AttemptStatusRejected), offerID, string(models.AttemptStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to reject processing attempts: %w", err)
	}
	return nil
}

// PurgeBefore removes terminal offers whose expiry passed before the cutoff,
// along with their claimant sets and attempts. Returns the number of offers
// removed.
func (db *DB) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM offers WHERE status != ? AND expires_at <= ?`,
		string(models.OfferStatusActive), cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("failed to query purgeable offers: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan offer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating purgeable offers: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM claim_attempts WHERE offer_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to purge attempts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offer_claimants WHERE offer_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to purge claimants: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offers WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to purge offer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return len(ids), nil
}

// InsertInterests upserts interest records in a single transaction.
func (db *DB) InsertInterests(ctx context.Context, interests []models.Interest) (int, error) {
	if len(interests) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO interests (
		claimant_id, category, product_id, locality, last_active_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(claimant_id, category, product_id) DO UPDATE SET
		locality = excluded.locality,
		last_active_at = excluded.last_active_at`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, interest := range interests {
		_, err := stmt.ExecContext(ctx,
			interest.ClaimantID,
			interest.Category,
			interest.ProductID,
			interest.Locality,
			interest.LastActiveAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert interest for %s: %w", interest.ClaimantID, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

// MatchingInterests returns interest records matching the category or exact
// product, within the locality proximity threshold, active since the given
// time.
func (db *DB) MatchingInterests(ctx context.Context, category, productID string, locality, proximity int64, since time.Time) ([]models.Interest, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT claimant_id, category, product_id,
		locality, last_active_at
		FROM interests
		WHERE (category = ? OR product_id = ?)
		AND ABS(locality - ?) < ?
		AND last_active_at > ?`,
		category, productID, locality, proximity,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query interests: %w", err)
	}
	defer rows.Close()

	var interests []models.Interest
	for rows.Next() {
		var interest models.Interest
		var lastActiveAt string
		if err := rows.Scan(&interest.ClaimantID, &interest.Category, &interest.ProductID, &interest.Locality, &lastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan interest: %w", err)
		}
		interest.LastActiveAt, err = time.Parse(time.RFC3339Nano, lastActiveAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_active_at: %w", err)
		}
		interests = append(interests, interest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interests: %w", err)
	}

	return interests, nil
}

// scanner abstracts *sql.Row and *sql.Rows for offer scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (models.Offer, error) {
	var offer models.Offer
	var status, createdAt, expiresAt string
	var soldAt, expiredAt sql.NullString

	err := s.Scan(
		&offer.ID,
		&offer.OrderID,
		&offer.ProductID,
		&offer.ProductName,
		&offer.Category,
		&offer.ImageURL,
		&offer.Locality,
		&offer.OriginalPrice,
		&offer.RecoveryCost,
		&offer.DiscountAmount,
		&offer.DiscountPercent,
		&offer.DiscountedPrice,
		&status,
		&offer.WinnerID,
		&offer.WinningTimestamp,
		&createdAt,
		&expiresAt,
		&soldAt,
		&expiredAt,
	)
	if err != nil {
		return models.Offer{}, err
	}

	offer.Status = models.OfferStatus(status)

	offer.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return models.Offer{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	offer.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return models.Offer{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	if soldAt.Valid && soldAt.String != "" {
		offer.SoldAt, err = time.Parse(time.RFC3339Nano, soldAt.String)
		if err != nil {
			return models.Offer{}, fmt.Errorf("failed to parse sold_at: %w", err)
		}
	}
	if expiredAt.Valid && expiredAt.String != "" {
		offer.ExpiredAt, err = time.Parse(time.RFC3339Nano, expiredAt.String)
		if err != nil {
			return models.Offer{}, fmt.Errorf("failed to parse expired_at: %w", err)
		}
	}

	return offer, nil
}

func (db *DB) claimantsFor(ctx context.Context, offerID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT claimant_id FROM offer_claimants WHERE offer_id = ? ORDER BY claimant_id`, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offer claimants: %w", err)
	}
	defer rows.Close()

	var claimants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan claimant id: %w", err)
		}
		claimants = append(claimants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimants: %w", err)
	}

	return claimants, nil
}
