package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Schema creates the wallet tables. Audit records have no update or delete path.
const Schema = `
CREATE TABLE IF NOT EXISTS wallet_identities (
	user_id     TEXT PRIMARY KEY,
	email       TEXT UNIQUE,
	address     TEXT NOT NULL,
	public_key  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_audit_records (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	operation            TEXT NOT NULL,
	address              TEXT NOT NULL DEFAULT '',
	public_key           TEXT NOT NULL DEFAULT '',
	message              TEXT NOT NULL DEFAULT '',
	signature            TEXT NOT NULL DEFAULT '',
	attestation_quote    TEXT NOT NULL DEFAULT '',
	event_log            TEXT NOT NULL DEFAULT '',
	attestation_checksum TEXT NOT NULL DEFAULT '',
	verification_urls    TEXT[] NOT NULL DEFAULT '{}',
	verification_status  TEXT NOT NULL DEFAULT '',
	application_data     JSONB,
	created_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS wallet_audit_records_user_created_idx
	ON wallet_audit_records (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS wallet_audit_records_created_idx
	ON wallet_audit_records (created_at DESC);
`

const auditColumns = `id, user_id, operation, address, public_key, message, signature,
	attestation_quote, event_log, attestation_checksum, verification_urls,
	verification_status, application_data, created_at`

// PostgresStore is an interfaces.Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, identity *interfaces.Identity) error {
	email := sql.NullString{String: strings.ToLower(identity.Email), Valid: identity.Email != ""}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet_identities (user_id, email, address, public_key, created_at) VALUES ($1, $2, $3, $4, $5)`,
		identity.UserID, email, identity.Address, identity.PublicKeyHex, identity.CreatedAt)
	if isUniqueViolation(err) {
		return interfaces.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("%w: insert identity: %w", interfaces.ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, userID string) (*interfaces.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, address, public_key, created_at FROM wallet_identities WHERE user_id = $1`, userID)
	return scanIdentity(row)
}

func (s *PostgresStore) GetIdentityByEmail(ctx context.Context, email string) (*interfaces.Identity, error) {
	if email == "" {
		return nil, interfaces.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, address, public_key, created_at FROM wallet_identities WHERE email = $1`, strings.ToLower(email))
	return scanIdentity(row)
}

func scanIdentity(row *sql.Row) (*interfaces.Identity, error) {
	var (
		identity interfaces.Identity
		email    sql.NullString
	)
	err := row.Scan(&identity.UserID, &email, &identity.Address, &identity.PublicKeyHex, &identity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select identity: %w", interfaces.ErrPersistence, err)
	}
	identity.Email = email.String
	identity.CreatedAt = identity.CreatedAt.UTC()
	return &identity, nil
}

func (s *PostgresStore) InsertAuditRecord(ctx context.Context, r *interfaces.AuditRecord) error {
	var appData any
	if len(r.ApplicationData) > 0 {
		appData = []byte(r.ApplicationData)
	}
	urls := r.VerificationURLs
	if urls == nil {
		urls = []string{}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO wallet_audit_records (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.UserID, string(r.Operation), r.Address, r.PublicKey, r.Message, r.Signature,
		r.AttestationQuote, r.EventLog, r.AttestationChecksum, pq.Array(urls),
		string(r.VerificationStatus), appData, r.CreatedAt)
	if isUniqueViolation(err) {
		return interfaces.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("%w: insert audit record: %w", interfaces.ErrPersistence, err)
	}
	return nil
}

// auditWhere builds the WHERE clause for filter, ignoring pagination.
func auditWhere(filter interfaces.AuditFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Operation != "" {
		add("operation = $%d", string(filter.Operation))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (s *PostgresStore) QueryAuditRecords(ctx context.Context, filter interfaces.AuditFilter) ([]*interfaces.AuditRecord, error) {
	where, args := auditWhere(filter)
	query := `SELECT ` + auditColumns + ` FROM wallet_audit_records` + where + ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query audit records: %w", interfaces.ErrPersistence, err)
	}
	defer rows.Close()

	records := make([]*interfaces.AuditRecord, 0)
	for rows.Next() {
		var (
			r         interfaces.AuditRecord
			operation string
			status    string
			urls      []string
			appData   []byte
		)
		if err := rows.Scan(&r.ID, &r.UserID, &operation, &r.Address, &r.PublicKey, &r.Message, &r.Signature,
			&r.AttestationQuote, &r.EventLog, &r.AttestationChecksum, pq.Array(&urls),
			&status, &appData, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan audit record: %w", interfaces.ErrPersistence, err)
		}
		r.Operation = interfaces.Operation(operation)
		r.VerificationStatus = interfaces.VerificationStatus(status)
		if len(urls) > 0 {
			r.VerificationURLs = urls
		}
		if len(appData) > 0 {
			r.ApplicationData = json.RawMessage(appData)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate audit records: %w", interfaces.ErrPersistence, err)
	}
	return records, nil
}

func (s *PostgresStore) AuditStats(ctx context.Context, userID string) (*interfaces.AuditStats, error) {
	where, args := auditWhere(interfaces.AuditFilter{UserID: userID})
	query := `SELECT operation, COUNT(*), COUNT(*) FILTER (WHERE attestation_quote <> '')
		FROM wallet_audit_records` + where + ` GROUP BY operation`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: audit stats: %w", interfaces.ErrPersistence, err)
	}
	defer rows.Close()

	byOperation := make(map[interfaces.Operation]int)
	attested := 0
	for rows.Next() {
		var (
			operation     string
			count, withAt int
		)
		if err := rows.Scan(&operation, &count, &withAt); err != nil {
			return nil, fmt.Errorf("%w: scan audit stats: %w", interfaces.ErrPersistence, err)
		}
		byOperation[interfaces.Operation(operation)] = count
		attested += withAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate audit stats: %w", interfaces.ErrPersistence, err)
	}

	stats := interfaces.NewAuditStats(userID)
	stats.SetCounts(byOperation, attested)
	return stats, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
