package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/draftdesk/licensing/pkg/licensing"
)

// keyGenerationAttempts bounds the uniqueness retry loop in CreateLicense.
const keyGenerationAttempts = 10

// Store is the durable source of truth for customers, licenses and
// activations, backed by SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the authority database at path.
func NewStore(path string) (*Store, error) {
	// Pragmas in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open authority database: %w", err)
	}

	// SQLite works best with a single writer connection. This also makes the
	// seat-limit transaction serialize naturally across concurrent requests.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize authority schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS licenses (
		key TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		plan_type TEXT NOT NULL,
		status TEXT NOT NULL,
		max_activations INTEGER NOT NULL CHECK (max_activations >= 1),
		features TEXT NOT NULL DEFAULT '[]',
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		subscription_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_subscription ON licenses(subscription_id) WHERE subscription_id != '';
	CREATE TABLE IF NOT EXISTS activations (
		id TEXT PRIMARY KEY,
		license_key TEXT NOT NULL REFERENCES licenses(key),
		machine_id TEXT NOT NULL,
		activated_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		UNIQUE(license_key, machine_id)
	);
	CREATE INDEX IF NOT EXISTS idx_activations_machine ON activations(machine_id);
	CREATE TABLE IF NOT EXISTS billing_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateLicenseParams describes a new license grant.
type CreateLicenseParams struct {
	Email          string
	Name           string
	Company        string
	PlanType       licensing.Plan
	ExpirationDays int
	MaxActivations int
	Features       []string
	Notes          string
	SubscriptionID string
	Status         licensing.Status
}

// CreateLicense mints a new license with a freshly generated, globally unique
// key and zero activations. The customer row is created or reused by email.
func (s *Store) CreateLicense(ctx context.Context, p CreateLicenseParams) (*licensing.License, error) {
	if !licensing.ValidPlan(p.PlanType) {
		return nil, fmt.Errorf("unknown plan type %q", p.PlanType)
	}
	if p.MaxActivations < 1 {
		p.MaxActivations = 1
	}
	if p.Status == "" {
		p.Status = licensing.StatusActive
	}
	now := time.Now()
	expiresAt := now.Add(time.Duration(p.ExpirationDays) * 24 * time.Hour)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	customerID, err := upsertCustomer(ctx, tx, p.Email, p.Name, p.Company, now)
	if err != nil {
		return nil, err
	}

	key, err := s.uniqueKey(ctx, tx)
	if err != nil {
		return nil, err
	}

	featuresJSON, err := json.Marshal(normalizeFeatures(p.Features))
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO licenses (key, customer_id, plan_type, status, max_activations,
			features, issued_at, expires_at, subscription_id, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, customerID, string(p.PlanType), string(p.Status), p.MaxActivations,
		string(featuresJSON), now.Unix(), expiresAt.Unix(), p.SubscriptionID, p.Notes, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert license: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &licensing.License{
		Key:            key,
		Email:          p.Email,
		Name:           p.Name,
		Company:        p.Company,
		PlanType:       p.PlanType,
		Status:         p.Status,
		MaxActivations: p.MaxActivations,
		MachineIDs:     []string{},
		Features:       normalizeFeatures(p.Features),
		IssuedAt:       now,
		ExpiresAt:      expiresAt,
		Notes:          p.Notes,
	}, nil
}

// uniqueKey generates a key and confirms it does not collide with an existing
// license before accepting it.
func (s *Store) uniqueKey(ctx context.Context, tx *sql.Tx) (string, error) {
	for i := 0; i < keyGenerationAttempts; i++ {
		key, err := licensing.GenerateKey()
		if err != nil {
			return "", err
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses WHERE key = ?`, key).Scan(&exists)
		if err != nil {
			return "", err
		}
		if exists == 0 {
			return key, nil
		}
	}
	return "", errors.New("could not generate a unique license key")
}

func upsertCustomer(ctx context.Context, tx *sql.Tx, email, name, company string, now time.Time) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM customers WHERE email = ?`, email).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO customers (id, email, name, company, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, email, name, company, now.Unix())
	if err != nil {
		return "", fmt.Errorf("insert customer: %w", err)
	}
	return id, nil
}

// GetLicense loads a license and its machine bindings by key.
// Returns licensing.ErrInvalidKey when the key is unknown.
func (s *Store) GetLicense(ctx context.Context, key string) (*licensing.License, error) {
	return s.getLicenseWhere(ctx, `l.key = ?`, key)
}

// LicenseBySubscription loads the license created for a billing subscription,
// or licensing.ErrInvalidKey if none exists yet.
func (s *Store) LicenseBySubscription(ctx context.Context, subscriptionID string) (*licensing.License, error) {
	return s.getLicenseWhere(ctx, `l.subscription_id = ? AND l.subscription_id != ''`, subscriptionID)
}

func (s *Store) getLicenseWhere(ctx context.Context, where string, arg any) (*licensing.License, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT l.key, c.email, c.name, c.company, l.plan_type, l.status,
			l.max_activations, l.features, l.issued_at, l.expires_at, l.notes
		FROM licenses l JOIN customers c ON c.id = l.customer_id
		WHERE `+where, arg)
	lic, err := scanLicense(row)
	if err != nil {
		return nil, err
	}
	machines, err := s.machineIDs(ctx, lic.Key)
	if err != nil {
		return nil, err
	}
	lic.MachineIDs = machines
	return lic, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*licensing.License, error) {
	var (
		lic                 licensing.License
		plan, status, feats string
		issuedAt, expiresAt int64
	)
	err := row.Scan(&lic.Key, &lic.Email, &lic.Name, &lic.Company, &plan, &status,
		&lic.MaxActivations, &feats, &issuedAt, &expiresAt, &lic.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, licensing.ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	lic.PlanType = licensing.Plan(plan)
	lic.Status = licensing.Status(status)
	lic.IssuedAt = time.Unix(issuedAt, 0)
	lic.ExpiresAt = time.Unix(expiresAt, 0)
	if feats != "" {
		if err := json.Unmarshal([]byte(feats), &lic.Features); err != nil {
			return nil, fmt.Errorf("decode license features: %w", err)
		}
	}
	return &lic, nil
}

func (s *Store) machineIDs(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id FROM activations WHERE license_key = ? ORDER BY activated_at`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLicenses returns every license, newest first.
func (s *Store) ListLicenses(ctx context.Context) ([]*licensing.License, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.key, c.email, c.name, c.company, l.plan_type, l.status,
			l.max_activations, l.features, l.issued_at, l.expires_at, l.notes
		FROM licenses l JOIN customers c ON c.id = l.customer_id
		ORDER BY l.issued_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses := []*licensing.License{}
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, lic)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, lic := range licenses {
		machines, err := s.machineIDs(ctx, lic.Key)
		if err != nil {
			return nil, err
		}
		lic.MachineIDs = machines
	}
	return licenses, nil
}

// Activate binds machineID to the license. Idempotent per machine: an already
// bound machine returns the existing record unchanged. The seat-limit check
// and the binding insert happen in one transaction so two concurrent
// activations cannot both observe a free seat and overshoot the limit.
func (s *Store) Activate(ctx context.Context, key, machineID string) (*licensing.License, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxActivations int
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT max_activations, expires_at FROM licenses WHERE key = ?`, key).
		Scan(&maxActivations, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, licensing.ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if !now.Before(time.Unix(expiresAt, 0)) {
		return nil, licensing.ErrExpired
	}

	var bound int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activations WHERE license_key = ? AND machine_id = ?`,
		key, machineID).Scan(&bound)
	if err != nil {
		return nil, err
	}
	if bound == 0 {
		var used int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM activations WHERE license_key = ?`, key).Scan(&used)
		if err != nil {
			return nil, err
		}
		if used >= maxActivations {
			return nil, licensing.ErrSeatLimitReached
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO activations (id, license_key, machine_id, activated_at, last_seen)
			VALUES (?, ?, ?, ?, ?)`,
			ulid.Make().String(), key, machineID, now.Unix(), now.Unix())
		if err != nil {
			return nil, fmt.Errorf("insert activation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetLicense(ctx, key)
}

// VerifyResult is the outcome of a verification check.
type VerifyResult struct {
	Valid  bool
	Reason string
}

// Verification failure reasons returned to agents.
const (
	ReasonNotFound     = "not_found"
	ReasonExpired      = "expired"
	ReasonNotActivated = "not_activated"
	ReasonRevoked      = "revoked"
)

// Verify checks that the license exists, is not expired, still grants use and
// is bound to machineID. On success the activation's last_seen is refreshed.
func (s *Store) Verify(ctx context.Context, key, machineID string) (VerifyResult, error) {
	lic, err := s.GetLicense(ctx, key)
	if errors.Is(err, licensing.ErrInvalidKey) {
		return VerifyResult{Valid: false, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if !licensing.StatusGrantsUse(lic.Status) {
		return VerifyResult{Valid: false, Reason: ReasonRevoked}, nil
	}
	if lic.IsExpired() {
		return VerifyResult{Valid: false, Reason: ReasonExpired}, nil
	}
	if !lic.HasMachine(machineID) {
		return VerifyResult{Valid: false, Reason: ReasonNotActivated}, nil
	}

	// Last-writer-wins on last_seen is fine; membership changes are not racy
	// here because this only touches an existing row.
	_, err = s.db.ExecContext(ctx, `
		UPDATE activations SET last_seen = ? WHERE license_key = ? AND machine_id = ?`,
		time.Now().Unix(), key, machineID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Valid: true}, nil
}

// Deactivate unbinds machineID from the license, freeing one seat.
// Fails with ErrWrongMachine if the machine was never activated for this key.
func (s *Store) Deactivate(ctx context.Context, key, machineID string) (remaining int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses WHERE key = ?`, key).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, licensing.ErrInvalidKey
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM activations WHERE license_key = ? AND machine_id = ?`, key, machineID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, licensing.ErrWrongMachine
	}

	var used, max int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM activations WHERE license_key = ?`, key).Scan(&used)
	if err != nil {
		return 0, err
	}
	err = tx.QueryRowContext(ctx, `SELECT max_activations FROM licenses WHERE key = ?`, key).Scan(&max)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return max - used, nil
}

// StartTrial mints a 14-day trial license pre-bound to machineID. A machine
// that already holds a trial-type license is rejected with ErrTrialAlreadyUsed
// regardless of what the device's local state claims.
func (s *Store) StartTrial(ctx context.Context, email, name, machineID string) (*licensing.License, error) {
	var prior int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activations a
		JOIN licenses l ON l.key = a.license_key
		WHERE l.plan_type = ? AND a.machine_id = ?`,
		string(licensing.PlanTrial), machineID).Scan(&prior)
	if err != nil {
		return nil, err
	}
	if prior > 0 {
		return nil, licensing.ErrTrialAlreadyUsed
	}

	lic, err := s.CreateLicense(ctx, CreateLicenseParams{
		Email:          email,
		Name:           name,
		PlanType:       licensing.PlanTrial,
		ExpirationDays: int(licensing.DefaultTrialDuration.Hours() / 24),
		MaxActivations: licensing.DefaultTrialActivations,
		Status:         licensing.StatusTrialing,
	})
	if err != nil {
		return nil, err
	}
	return s.Activate(ctx, lic.Key, machineID)
}

// UpdateLicenseStatus mutates status and, when periodEnd is non-zero, the
// expiration instant. Used by billing-event ingestion; keyed by license key.
func (s *Store) UpdateLicenseStatus(ctx context.Context, key string, status licensing.Status, periodEnd time.Time) error {
	var res sql.Result
	var err error
	if periodEnd.IsZero() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE licenses SET status = ?, updated_at = ? WHERE key = ?`,
			string(status), time.Now().Unix(), key)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE licenses SET status = ?, expires_at = ?, updated_at = ? WHERE key = ?`,
			string(status), periodEnd.Unix(), time.Now().Unix(), key)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return licensing.ErrInvalidKey
	}
	return nil
}

// MarkBillingEventProcessed records a billing event id, reporting whether it
// was seen before. Processing is idempotent per event.
func (s *Store) MarkBillingEventProcessed(ctx context.Context, eventID, eventType string) (already bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO billing_events (id, event_type, processed_at)
		VALUES (?, ?, ?)`, eventID, eventType, time.Now().Unix())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 0, nil
}

func normalizeFeatures(features []string) []string {
	out := []string{}
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
