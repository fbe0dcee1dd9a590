/*
Package sqlite provides the SQLite-backed ledger store.

PURPOSE:
  Implements the order.Store and order.ReportingStore contracts using
  SQLite. In production the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

COMPARE-AND-SWAP ENFORCEMENT:
  ApplyTransition runs one database transaction:
    UPDATE orders SET ... WHERE id = ? AND status = ?
  Zero rows affected means the status moved under the caller; the
  transaction aborts with a ConflictError carrying the status actually
  found. The membership upsert and the audit insert ride in the same
  transaction, so a settlement either grants and records everything or
  nothing.

AUDIT ENFORCEMENT:
  audit_entries is append-only: no UPDATE, no DELETE statements exist
  against it anywhere in this package.

PARAMETERIZATION:
  Every query uses bound parameters. Caller-supplied identifiers
  (order ids, owner ids, admin ids) never reach the SQL text - a hard
  constraint inherited from the authorization checks above this layer.

KEY TABLES:
  orders:        One row per order; status fields mutate via CAS only
  memberships:   One row per owner; written only inside ApplyTransition
  audit_entries: Immutable transition log

WAL MODE:
  Opened with WAL for better concurrency: readers don't block, single
  writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a versioned
  migration tool.

SEE ALSO:
  - order/store.go: Interface definitions and the CAS contract
  - order/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/settlement-engine/order"
)

// Store implements order.Store and order.ReportingStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,

		proof_file_ref TEXT,
		proof_file_type TEXT,
		proof_file_size INTEGER,
		proof_uploaded_at TEXT,
		proof_tx_ref TEXT,
		proof_remark TEXT,

		decision_admin_id TEXT,
		decision_notes TEXT,
		decision_at TEXT,

		refund_amount_cents INTEGER,
		refund_reason TEXT,
		refund_initiated_by TEXT,
		refund_initiated_at TEXT,
		refund_settled_at TEXT,

		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Review queue and the expiry sweep both scan by (status, age)
	CREATE INDEX IF NOT EXISTS idx_orders_status_created
		ON orders(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_owner
		ON orders(owner_id);

	CREATE TABLE IF NOT EXISTS memberships (
		owner_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		expires_at TEXT,
		prior_tier TEXT,
		prior_expires_at TEXT,
		grant_order_id TEXT NOT NULL,
		grant_months INTEGER NOT NULL,
		grant_base TEXT NOT NULL
	);

	-- Append-only transition log
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_order
		ON audit_entries(order_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ORDER READS/WRITES (order.Store interface)
// =============================================================================

const orderColumns = `id, owner_id, tier, duration_months, amount_cents, channel, status,
	proof_file_ref, proof_file_type, proof_file_size, proof_uploaded_at, proof_tx_ref, proof_remark,
	decision_admin_id, decision_notes, decision_at,
	refund_amount_cents, refund_reason, refund_initiated_by, refund_initiated_at, refund_settled_at,
	created_at, updated_at`

// CreateOrder persists a new order row.
func (s *Store) CreateOrder(ctx context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO orders
		(id, owner_id, tier, duration_months, amount_cents, channel, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.OwnerID, string(o.Tier), o.DurationMonths, o.AmountCents,
		string(o.Channel), string(o.Status),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &order.ValidationError{Field: "id", Message: "order already exists"}
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder returns the order or order.ErrNotFound.
func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// ListByStatus returns orders in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status order.Status, limit int) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + `
		FROM orders WHERE status = ?
		ORDER BY created_at ASC LIMIT ?`
	return s.queryOrders(ctx, query, string(status), limit)
}

// ListExpiredCandidates returns CREATED orders at or older than cutoff.
func (s *Store) ListExpiredCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + `
		FROM orders WHERE status = ? AND created_at <= ?
		ORDER BY created_at ASC LIMIT ?`
	return s.queryOrders(ctx, query, string(order.StatusCreated), formatTime(cutoff), limit)
}

// ApplyTransition performs the compare-and-swap commit: order update,
// optional membership upsert, and audit append in one transaction.
func (s *Store) ApplyTransition(ctx context.Context, set order.TransitionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	o := set.Order

	var proofRef, proofType, proofUploadedAt, proofTxRef, proofRemark sql.NullString
	var proofSize sql.NullInt64
	if o.Proof != nil {
		proofRef = nullString(o.Proof.FileRef)
		proofType = nullString(o.Proof.FileType)
		proofSize = sql.NullInt64{Int64: o.Proof.FileSizeBytes, Valid: true}
		proofUploadedAt = nullString(formatTime(o.Proof.UploadedAt))
		proofTxRef = nullString(o.Proof.TransactionReference)
		proofRemark = nullString(o.Proof.Remark)
	}

	var decAdmin, decNotes, decAt sql.NullString
	if o.Decision != nil {
		decAdmin = nullString(o.Decision.AdminID)
		decNotes = nullString(o.Decision.Notes)
		decAt = nullString(formatTime(o.Decision.DecidedAt))
	}

	var refAmount sql.NullInt64
	var refReason, refBy, refInitiatedAt, refSettledAt sql.NullString
	if o.Refund != nil {
		refAmount = sql.NullInt64{Int64: o.Refund.AmountCents, Valid: true}
		refReason = nullString(o.Refund.Reason)
		refBy = nullString(o.Refund.InitiatedBy)
		refInitiatedAt = nullString(formatTime(o.Refund.InitiatedAt))
		refSettledAt = nullTime(o.Refund.SettledAt)
	}

	// The CAS: only one concurrent writer sees this row affected.
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = ?,
			proof_file_ref = ?, proof_file_type = ?, proof_file_size = ?,
			proof_uploaded_at = ?, proof_tx_ref = ?, proof_remark = ?,
			decision_admin_id = ?, decision_notes = ?, decision_at = ?,
			refund_amount_cents = ?, refund_reason = ?, refund_initiated_by = ?,
			refund_initiated_at = ?, refund_settled_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(o.Status),
		proofRef, proofType, proofSize, proofUploadedAt, proofTxRef, proofRemark,
		decAdmin, decNotes, decAt,
		refAmount, refReason, refBy, refInitiatedAt, refSettledAt,
		formatTime(o.UpdatedAt),
		o.ID, string(set.From),
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		var actual string
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, o.ID).Scan(&actual)
		if err == sql.ErrNoRows {
			return order.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read order status: %w", err)
		}
		return &order.ConflictError{OrderID: o.ID, Expected: set.From, Actual: order.Status(actual)}
	}

	if set.Membership != nil {
		m := set.Membership
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memberships
			(owner_id, tier, expires_at, prior_tier, prior_expires_at, grant_order_id, grant_months, grant_base)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_id) DO UPDATE SET
				tier = excluded.tier,
				expires_at = excluded.expires_at,
				prior_tier = excluded.prior_tier,
				prior_expires_at = excluded.prior_expires_at,
				grant_order_id = excluded.grant_order_id,
				grant_months = excluded.grant_months,
				grant_base = excluded.grant_base`,
			m.OwnerID, string(m.Tier), nullTime(m.ExpiresAt),
			string(m.PriorTier), nullTime(m.PriorExpiresAt),
			m.GrantOrderID, m.GrantMonths, formatTime(m.GrantBase),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert membership: %w", err)
		}
	}

	a := set.Audit
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, order_id, from_status, to_status, actor, timestamp, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrderID, string(a.FromStatus), string(a.ToStatus),
		a.Actor, formatTime(a.Timestamp), a.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return tx.Commit()
}

// GetMembership returns the owner's record, nil if never held.
func (s *Store) GetMembership(ctx context.Context, ownerID string) (*order.MembershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, tier, expires_at, prior_tier, prior_expires_at, grant_order_id, grant_months, grant_base
		FROM memberships WHERE owner_id = ?`, ownerID)

	var m order.MembershipRecord
	var tier, priorTier, grantBase string
	var expiresAt, priorExpiresAt sql.NullString
	err := row.Scan(&m.OwnerID, &tier, &expiresAt, &priorTier, &priorExpiresAt, &m.GrantOrderID, &m.GrantMonths, &grantBase)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read membership: %w", err)
	}
	m.Tier = order.Tier(tier)
	m.PriorTier = order.Tier(priorTier)
	if m.GrantBase, err = parseTime(grantBase); err != nil {
		return nil, err
	}
	if m.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if m.PriorExpiresAt, err = parseNullTime(priorExpiresAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// AuditTrail returns the order's audit entries in append order.
func (s *Store) AuditTrail(ctx context.Context, orderID string) ([]order.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, actor, timestamp, notes
		FROM audit_entries WHERE order_id = ?
		ORDER BY timestamp ASC, rowid ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []order.AuditEntry
	for rows.Next() {
		var e order.AuditEntry
		var from, to, ts string
		var notes sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &from, &to, &e.Actor, &ts, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.FromStatus = order.Status(from)
		e.ToStatus = order.Status(to)
		e.Notes = notes.String
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		e.Timestamp = t
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// REPORTING READS (order.ReportingStore interface)
// =============================================================================

// CountByStatus counts orders created in [from, to) per status.
func (s *Store) CountByStatus(ctx context.Context, from, to time.Time) ([]order.StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := rangeQuery(`SELECT status, COUNT(*) FROM orders`, from, to)
	query += ` GROUP BY status ORDER BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	defer rows.Close()

	var out []order.StatusCount
	for rows.Next() {
		var c order.StatusCount
		var status string
		if err := rows.Scan(&status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		c.Status = order.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RevenueRows returns the money fields of orders created in [from, to).
func (s *Store) RevenueRows(ctx context.Context, from, to time.Time) ([]order.RevenueRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := rangeQuery(
		`SELECT id, status, amount_cents, COALESCE(refund_amount_cents, 0) FROM orders`, from, to)
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue rows: %w", err)
	}
	defer rows.Close()

	var out []order.RevenueRow
	for rows.Next() {
		var r order.RevenueRow
		var status string
		if err := rows.Scan(&r.OrderID, &status, &r.AmountCents, &r.RefundAmountCents); err != nil {
			return nil, fmt.Errorf("failed to scan revenue row: %w", err)
		}
		r.Status = order.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// rangeQuery appends created_at bounds with bound parameters. Zero
// times mean unbounded.
func rangeQuery(base string, from, to time.Time) (string, []any) {
	var clauses []string
	var args []any
	if !from.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatTime(to))
	}
	if len(clauses) > 0 {
		base += " WHERE " + strings.Join(clauses, " AND ")
	}
	return base, args
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var o order.Order
	var tier, channel, status, createdAt, updatedAt string

	var proofRef, proofType, proofUploadedAt, proofTxRef, proofRemark sql.NullString
	var proofSize sql.NullInt64
	var decAdmin, decNotes, decAt sql.NullString
	var refAmount sql.NullInt64
	var refReason, refBy, refInitiatedAt, refSettledAt sql.NullString

	err := row.Scan(
		&o.ID, &o.OwnerID, &tier, &o.DurationMonths, &o.AmountCents, &channel, &status,
		&proofRef, &proofType, &proofSize, &proofUploadedAt, &proofTxRef, &proofRemark,
		&decAdmin, &decNotes, &decAt,
		&refAmount, &refReason, &refBy, &refInitiatedAt, &refSettledAt,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.Tier = order.Tier(tier)
	o.Channel = order.Channel(channel)
	o.Status = order.Status(status)
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if proofRef.Valid {
		uploadedAt, err := parseTime(proofUploadedAt.String)
		if err != nil {
			return nil, err
		}
		o.Proof = &order.Proof{
			FileRef:              proofRef.String,
			FileType:             proofType.String,
			FileSizeBytes:        proofSize.Int64,
			UploadedAt:           uploadedAt,
			TransactionReference: proofTxRef.String,
			Remark:               proofRemark.String,
		}
	}
	if decAdmin.Valid {
		decidedAt, err := parseTime(decAt.String)
		if err != nil {
			return nil, err
		}
		o.Decision = &order.Decision{
			AdminID:   decAdmin.String,
			Notes:     decNotes.String,
			DecidedAt: decidedAt,
		}
	}
	if refAmount.Valid {
		initiatedAt, err := parseTime(refInitiatedAt.String)
		if err != nil {
			return nil, err
		}
		o.Refund = &order.Refund{
			AmountCents: refAmount.Int64,
			Reason:      refReason.String,
			InitiatedBy: refBy.String,
			InitiatedAt: initiatedAt,
		}
		if o.Refund.SettledAt, err = parseNullTime(refSettledAt); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

// timeLayout is fixed-width so the stored strings sort
// lexicographically: RFC3339Nano trims trailing zeros, which would put
// "...T00:00:00.5Z" before "...T00:00:00Z" in the text comparisons of
// rangeQuery and every ORDER BY created_at.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
