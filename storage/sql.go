package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/logger"
	"junior.app/backend/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type SQLStorage struct {
	*queries
	db *sql.DB
}

type queries struct {
	q querier
	d dialect
}

var (
	_ Storage = (*SQLStorage)(nil)
	_ Tx      = (*queries)(nil)
)

// Open connects with driverName ("sqlite3" or "pgx") and applies migrations.
func Open(ctx context.Context, driverName, dsn string) (*SQLStorage, error) {
	switch driverName {
	case "sqlite3":
		return NewSQLiteStorage(ctx, dsn)
	case "pgx":
		return NewPostgresStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}
}

func NewSQLiteStorage(ctx context.Context, path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	return newSQLStorage(ctx, db, sqliteDialect{})
}

func NewPostgresStorage(ctx context.Context, dsn string) (*SQLStorage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStorage(ctx, db, postgresDialect{})
}

func newSQLStorage(ctx context.Context, db *sql.DB, d dialect) (*SQLStorage, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrateUp(db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLStorage{queries: &queries{q: db, d: d}, db: db}, nil
}

// sqliteDSN forces BEGIN IMMEDIATE so concurrent writers queue on the
// database lock instead of failing on upgrade from a read lock.
func sqliteDSN(path string) string {
	params := "_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	if path != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	if strings.HasPrefix(path, "file:") {
		return path + "?" + params
	}
	return "file:" + path + "?" + params
}

func (s *SQLStorage) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Error("Failed to roll back transaction", map[string]interface{}{
					"error": rbErr.Error(),
				})
			}
		}
	}()

	if err = fn(&queries{q: sqlTx, d: s.d}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		if s.d.isUniqueViolation(err) {
			return apperr.ConflictErr("storage.Commit", err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStorage) Close() error {
	var result *multierror.Error
	if s.d.name() == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
			result = multierror.Append(result, fmt.Errorf("optimize: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close: %w", err))
	}
	return result.ErrorOrNil()
}

func (q *queries) exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	res, err := q.q.ExecContext(ctx, q.d.rebind(query), args...)
	if err != nil {
		return nil, q.wrap(op, err)
	}
	return res, nil
}

func (q *queries) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return q.q.QueryRowContext(ctx, q.d.rebind(query), args...)
}

func (q *queries) wrap(op string, err error) error {
	if q.d.isUniqueViolation(err) {
		return apperr.ConflictErr(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (q *queries) notFound(op string, err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFoundf(op, "%s not found", what)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// Users

const userColumns = `id, email, stripe_customer_id, created_at, updated_at`

func scanUser(row scanner) (*models.User, error) {
	var user models.User
	var customerID sql.NullString
	if err := row.Scan(&user.ID, &user.Email, &customerID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	if customerID.Valid {
		user.StripeCustomerID = &customerID.String
	}
	return &user, nil
}

func (q *queries) getUserBy(ctx context.Context, op, column, value string) (*models.User, error) {
	row := q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value)
	user, err := scanUser(row)
	if err != nil {
		return nil, q.notFound(op, err, "user")
	}
	return user, nil
}

func (q *queries) GetUser(ctx context.Context, id string) (*models.User, error) {
	return q.getUserBy(ctx, "storage.GetUser", "id", id)
}

func (q *queries) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return q.getUserBy(ctx, "storage.FindUserByEmail", "email", email)
}

func (q *queries) FindUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	return q.getUserBy(ctx, "storage.FindUserByStripeCustomerID", "stripe_customer_id", customerID)
}

func (q *queries) CreateUser(ctx context.Context, user *models.User) error {
	var customerID interface{}
	if user.StripeCustomerID != nil {
		customerID = *user.StripeCustomerID
	}
	_, err := q.exec(ctx, "storage.CreateUser",
		`INSERT INTO users (id, email, stripe_customer_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, customerID, q.d.bindTime(user.CreatedAt), q.d.bindTime(user.UpdatedAt),
	)
	return err
}

func (q *queries) BindStripeCustomer(ctx context.Context, userID, customerID string) error {
	res, err := q.exec(ctx, "storage.BindStripeCustomer",
		`UPDATE users SET stripe_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, q.d.bindTime(time.Now()), userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "storage.BindStripeCustomer", "user")
}

// Subscriptions

const subscriptionColumns = `id, user_id, stripe_subscription_id, stripe_price_id, status,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func scanSubscription(row scanner) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.StripeSubscriptionID,
		&sub.StripePriceID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (q *queries) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	row := q.queryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = ?`, stripeSubscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, q.notFound("storage.FindSubscriptionByStripeID", err, "subscription")
	}
	return sub, nil
}

func (q *queries) FindSubscriptionsByUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	rows, err := q.q.QueryContext(ctx, q.d.rebind(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? ORDER BY created_at`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer closeRows(rows)

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

func (q *queries) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	row := q.queryRow(ctx, `
		INSERT INTO subscriptions (id, user_id, stripe_subscription_id, stripe_price_id, status,
			current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			stripe_price_id = excluded.stripe_price_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			updated_at = excluded.updated_at
		RETURNING `+subscriptionColumns,
		sub.ID,
		sub.UserID,
		sub.StripeSubscriptionID,
		sub.StripePriceID,
		sub.Status,
		q.d.bindTime(sub.CurrentPeriodStart),
		q.d.bindTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd,
		q.d.bindTime(sub.CreatedAt),
		q.d.bindTime(sub.UpdatedAt),
	)

	stored, err := scanSubscription(row)
	if err != nil {
		return q.wrap("storage.UpsertSubscription", err)
	}
	*sub = *stored
	return nil
}

func (q *queries) SetSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error {
	res, err := q.exec(ctx, "storage.SetSubscriptionStatus",
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE stripe_subscription_id = ?`,
		status, q.d.bindTime(time.Now()), stripeSubscriptionID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "storage.SetSubscriptionStatus", "subscription")
}

// Payments

const paymentColumns = `id, user_id, stripe_payment_intent_id, amount_cents, currency, status, description, created_at`

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var description sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.StripePaymentIntentID, &p.AmountCents, &p.Currency, &p.Status, &description, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	return &p, nil
}

func (q *queries) FindPaymentByStripeID(ctx context.Context, paymentIntentID string) (*models.Payment, error) {
	row := q.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE stripe_payment_intent_id = ?`, paymentIntentID)
	p, err := scanPayment(row)
	if err != nil {
		return nil, q.notFound("storage.FindPaymentByStripeID", err, "payment")
	}
	return p, nil
}

func (q *queries) FindPaymentsByUser(ctx context.Context, userID string) ([]*models.Payment, error) {
	rows, err := q.q.QueryContext(ctx, q.d.rebind(`SELECT `+paymentColumns+` FROM payments WHERE user_id = ? ORDER BY created_at`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer closeRows(rows)

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

func (q *queries) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := q.exec(ctx, "storage.InsertPayment",
		`INSERT INTO payments (id, user_id, stripe_payment_intent_id, amount_cents, currency, status, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.StripePaymentIntentID, p.AmountCents, p.Currency, p.Status, p.Description, q.d.bindTime(p.CreatedAt),
	)
	return err
}

// Download tokens

const downloadTokenColumns = `id, user_id, token, downloads_remaining, expires_at, created_at`

func scanDownloadToken(row scanner) (*models.DownloadToken, error) {
	var t models.DownloadToken
	if err := row.Scan(&t.ID, &t.UserID, &t.Token, &t.DownloadsRemaining, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *queries) FindDownloadToken(ctx context.Context, token string) (*models.DownloadToken, error) {
	row := q.queryRow(ctx, `SELECT `+downloadTokenColumns+` FROM download_tokens WHERE token = ?`, token)
	t, err := scanDownloadToken(row)
	if err != nil {
		return nil, q.notFound("storage.FindDownloadToken", err, "download token")
	}
	return t, nil
}

func (q *queries) FindDownloadTokensByUser(ctx context.Context, userID string) ([]*models.DownloadToken, error) {
	rows, err := q.q.QueryContext(ctx, q.d.rebind(`SELECT `+downloadTokenColumns+` FROM download_tokens WHERE user_id = ? ORDER BY created_at`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query download tokens: %w", err)
	}
	defer closeRows(rows)

	var tokens []*models.DownloadToken
	for rows.Next() {
		t, err := scanDownloadToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating download tokens: %w", err)
	}
	return tokens, nil
}

func (q *queries) InsertDownloadToken(ctx context.Context, t *models.DownloadToken) error {
	_, err := q.exec(ctx, "storage.InsertDownloadToken",
		`INSERT INTO download_tokens (id, user_id, token, downloads_remaining, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Token, t.DownloadsRemaining, q.d.bindTime(t.ExpiresAt), q.d.bindTime(t.CreatedAt),
	)
	return err
}

func (q *queries) RedeemDownloadToken(ctx context.Context, token string, now time.Time) (*models.DownloadToken, error) {
	row := q.queryRow(ctx, `
		UPDATE download_tokens
		SET downloads_remaining = downloads_remaining - 1
		WHERE token = ? AND downloads_remaining > 0 AND expires_at > ?
		RETURNING `+downloadTokenColumns,
		token, q.d.bindTime(now),
	)
	t, err := scanDownloadToken(row)
	if err != nil {
		return nil, q.notFound("storage.RedeemDownloadToken", err, "download token")
	}
	return t, nil
}

// License keys

const licenseColumns = `id, user_id, license_key, plan_type, status, machine_id, created_at, last_used_at`

func scanLicense(row scanner) (*models.LicenseKey, error) {
	var l models.LicenseKey
	var machineID sql.NullString
	var lastUsed sql.NullTime
	if err := row.Scan(&l.ID, &l.UserID, &l.Key, &l.PlanType, &l.Status, &machineID, &l.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	if machineID.Valid {
		l.MachineID = &machineID.String
	}
	if lastUsed.Valid {
		l.LastUsedAt = &lastUsed.Time
	}
	return &l, nil
}

func (q *queries) FindLicenseByKey(ctx context.Context, key string) (*models.LicenseKey, error) {
	row := q.queryRow(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE license_key = ?`, key)
	l, err := scanLicense(row)
	if err != nil {
		return nil, q.notFound("storage.FindLicenseByKey", err, "license key")
	}
	return l, nil
}

func (q *queries) FindLicensesByUser(ctx context.Context, userID string) ([]*models.LicenseKey, error) {
	rows, err := q.q.QueryContext(ctx, q.d.rebind(`SELECT `+licenseColumns+` FROM license_keys WHERE user_id = ? ORDER BY created_at`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer closeRows(rows)

	var licenses []*models.LicenseKey
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}
	return licenses, nil
}

func (q *queries) FindActiveLicense(ctx context.Context, userID string) (*models.LicenseKey, error) {
	row := q.queryRow(ctx,
		`SELECT `+licenseColumns+` FROM license_keys WHERE user_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		userID, models.StatusActive,
	)
	l, err := scanLicense(row)
	if err != nil {
		return nil, q.notFound("storage.FindActiveLicense", err, "active license")
	}
	return l, nil
}

func (q *queries) InsertLicenseKey(ctx context.Context, l *models.LicenseKey) error {
	var machineID interface{}
	if l.MachineID != nil {
		machineID = *l.MachineID
	}
	_, err := q.exec(ctx, "storage.InsertLicenseKey",
		`INSERT INTO license_keys (id, user_id, license_key, plan_type, status, machine_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.Key, l.PlanType, l.Status, machineID, q.d.bindTime(l.CreatedAt),
	)
	return err
}

func (q *queries) SetLicenseStatusForUser(ctx context.Context, userID, from, to string) (int64, error) {
	res, err := q.exec(ctx, "storage.SetLicenseStatusForUser",
		`UPDATE license_keys SET status = ? WHERE user_id = ? AND status = ?`,
		to, userID, from,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Processed events

func (q *queries) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists int
	err := q.queryRow(ctx, `SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage.IsEventProcessed: %w", err)
	}
	return true, nil
}

func (q *queries) MarkEventProcessed(ctx context.Context, event *models.ProcessedEvent) error {
	_, err := q.exec(ctx, "storage.MarkEventProcessed",
		`INSERT INTO processed_events (event_id, type, processed_at) VALUES (?, ?, ?)`,
		event.EventID, event.Type, q.d.bindTime(event.ProcessedAt),
	)
	return err
}

func requireRow(res sql.Result, op, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return apperr.NotFoundf(op, "%s not found", what)
	}
	return nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logger.Warn("Failed to close rows", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
