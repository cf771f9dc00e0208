package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"walink/internal/constants"
	apperrors "walink/internal/errors"
	"walink/internal/migrations"
	"walink/internal/models"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrUpdateConflict is returned when a row kept changing underneath an update
var ErrUpdateConflict = errors.New("connection changed concurrently")

// Mutator edits a connection in place and reports whether it changed anything
type Mutator func(conn *models.Connection) bool

// Database is the Connection Store
type Database struct {
	db              *sql.DB
	driver          string
	encryptor       *encryptor
	conflictRetries int
	now             func() time.Time
}

// New opens the store, applies pending migrations and prepares phone encryption
func New(cfg models.DatabaseConfig, logger *logrus.Logger) (*Database, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = constants.DefaultDatabaseDriver
	}
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	dsn := cfg.DSN
	if dsn == "" || dsn[0] == '\x00' {
		return nil, fmt.Errorf("invalid database dsn")
	}

	if driver == "sqlite3" {
		var err error
		if dsn, err = prepareSQLiteFile(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	closeWith := func(err error) (*Database, error) {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", err, closeErr)
		}
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultDatabasePingTimeoutSec*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return closeWith(fmt.Errorf("failed to ping database: %w", err))
	}

	if err := migrations.Up(db, driver, logger); err != nil {
		return closeWith(fmt.Errorf("failed to initialize schema: %w", err))
	}

	enc, err := NewEncryptor()
	if err != nil {
		return closeWith(fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{
		db:              db,
		driver:          driver,
		encryptor:       enc,
		conflictRetries: constants.DefaultUpdateConflictRetries,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// prepareSQLiteFile creates the database file with owner-only permissions
// and adds a busy timeout so concurrent writers wait instead of failing.
func prepareSQLiteFile(dsn string) (string, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" && path != "" {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return "", fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("failed to close database file: %w", err)
		}
	}

	if !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000"
	}
	return dsn, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Driver returns the database/sql driver name in use
func (d *Database) Driver() string {
	return d.driver
}

// HealthCheck pings the database
func (d *Database) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) q(query string) string {
	return rebind(d.driver, query)
}

// CreateConnection inserts a new connection row
func (d *Database) CreateConnection(ctx context.Context, conn *models.Connection) error {
	phone, err := d.encryptor.Encrypt(conn.PhoneNumber)
	if err != nil {
		return apperrors.NewDatabaseError("encrypt phone", err)
	}

	// stored timestamps compare as text under sqlite, so they are kept in UTC
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = d.now()
	}
	conn.CreatedAt = conn.CreatedAt.UTC()
	conn.UpdatedAt = conn.CreatedAt

	err = retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, d.q(insertConnectionQuery),
			conn.ID,
			conn.UserID,
			nullString(conn.InstanceID),
			conn.DisplayName,
			nullString(phone),
			string(conn.Status),
			nullString(conn.QRCode),
			nullTime(conn.LastSeenAt),
			nullTime(conn.ConnectedAt),
			conn.Version,
			conn.CreatedAt,
			conn.UpdatedAt,
		)
		return err
	}, "insert connection")
	if err != nil {
		return apperrors.NewDatabaseError("insert", err)
	}
	return nil
}

// GetConnection returns the connection id owned by userID
func (d *Database) GetConnection(ctx context.Context, id, userID string) (*models.Connection, error) {
	conn, err := d.queryOne(ctx, selectConnectionByOwnerQuery, id, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apperrors.NewNotFoundError("connection", id)
	}
	return conn, nil
}

// ListConnections returns every connection owned by userID, newest first
func (d *Database) ListConnections(ctx context.Context, userID string) ([]*models.Connection, error) {
	return d.queryMany(ctx, listConnectionsByOwnerQuery, userID)
}

// ListStaleConnections returns unlinked attempts that have not changed since before
func (d *Database) ListStaleConnections(ctx context.Context, before time.Time) ([]*models.Connection, error) {
	return d.queryMany(ctx, listStaleConnectionsQuery,
		string(models.StatusPending), string(models.StatusQRIssued), before.UTC())
}

// UpdateConnection applies mutate to the connection id owned by userID.
// It returns the stored connection and whether a write happened.
func (d *Database) UpdateConnection(ctx context.Context, id, userID string, mutate Mutator) (*models.Connection, bool, error) {
	conn, changed, err := d.update(ctx, mutate, selectConnectionByOwnerQuery, id, userID)
	if err != nil {
		return nil, false, err
	}
	if conn == nil {
		return nil, false, apperrors.NewNotFoundError("connection", id)
	}
	return conn, changed, nil
}

// UpdateByInstance applies mutate to the connection bound to instanceID.
// A missing row is not an error: it yields a nil connection.
func (d *Database) UpdateByInstance(ctx context.Context, instanceID string, mutate Mutator) (*models.Connection, bool, error) {
	return d.update(ctx, mutate, selectConnectionByInstanceQuery, instanceID)
}

// update is an optimistic read-modify-write keyed on the version column.
// On a version mismatch the row is re-read and mutate applied again.
func (d *Database) update(ctx context.Context, mutate Mutator, selectQuery string, args ...interface{}) (*models.Connection, bool, error) {
	for attempt := 0; attempt <= d.conflictRetries; attempt++ {
		current, err := d.queryOne(ctx, selectQuery, args...)
		if err != nil || current == nil {
			return nil, false, err
		}

		next := current.Clone()
		if !mutate(next) {
			return current, false, nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = d.now()

		var rows int64
		err = retryableDBOperation(ctx, func() error {
			res, err := d.db.ExecContext(ctx, d.q(updateConnectionQuery),
				string(next.Status),
				nullString(next.QRCode),
				nullTime(next.LastSeenAt),
				nullTime(next.ConnectedAt),
				next.Version,
				next.UpdatedAt,
				next.ID,
				current.UserID,
				current.Version,
			)
			if err != nil {
				return err
			}
			rows, err = res.RowsAffected()
			return err
		}, "update connection")
		if err != nil {
			return nil, false, apperrors.NewDatabaseError("update", err)
		}
		if rows == 1 {
			return next, true, nil
		}
	}

	return nil, false, apperrors.WrapRetryable(ErrUpdateConflict, apperrors.ErrCodeDatabaseQuery,
		fmt.Sprintf("update gave up after %d conflicts", d.conflictRetries+1))
}

func (d *Database) queryOne(ctx context.Context, query string, args ...interface{}) (*models.Connection, error) {
	var conn *models.Connection
	err := retryableDBOperation(ctx, func() error {
		row := d.db.QueryRowContext(ctx, d.q(query), args...)
		c, err := d.scan(row)
		if errors.Is(err, sql.ErrNoRows) {
			conn = nil
			return nil
		}
		conn = c
		return err
	}, "select connection")
	if err != nil {
		return nil, apperrors.NewDatabaseError("select", err)
	}
	return conn, nil
}

func (d *Database) queryMany(ctx context.Context, query string, args ...interface{}) ([]*models.Connection, error) {
	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("select", err)
	}
	defer rows.Close()

	var out []*models.Connection
	for rows.Next() {
		conn, err := d.scan(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan", err)
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scan(s scanner) (*models.Connection, error) {
	var (
		conn                    models.Connection
		status                  string
		instanceID, phone, qr   sql.NullString
		lastSeenAt, connectedAt sql.NullTime
	)

	err := s.Scan(
		&conn.ID,
		&conn.UserID,
		&instanceID,
		&conn.DisplayName,
		&phone,
		&status,
		&qr,
		&lastSeenAt,
		&connectedAt,
		&conn.Version,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.Status = models.ConnectionStatus(status)
	conn.InstanceID = instanceID.String
	conn.QRCode = qr.String
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		conn.LastSeenAt = &t
	}
	if connectedAt.Valid {
		t := connectedAt.Time
		conn.ConnectedAt = &t
	}

	conn.PhoneNumber, err = d.encryptor.Decrypt(phone.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt phone number: %w", err)
	}
	return &conn, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
