package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNoDeviceState = errors.New("storage: device state row missing")

// Store is the device storage provider backed by SQLite. Every getter reads
// the database; nothing is cached.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open is NewDB plus NewStore.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := NewDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetPIN(ctx context.Context) (string, bool, error) {
	return s.optionalText(ctx, "pin")
}

func (s *Store) GetMnemonic(ctx context.Context) (string, bool, error) {
	return s.optionalText(ctx, "mnemonic")
}

func (s *Store) IsProtectedByPassphrase(ctx context.Context) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, `SELECT passphrase_protection FROM device_state WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNoDeviceState
	}
	if err != nil {
		return false, fmt.Errorf("failed to read passphrase protection: %w", err)
	}
	return v, nil
}

// column is a fixed identifier, never caller input.
func (s *Store) optionalText(ctx context.Context, column string) (string, bool, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM device_state WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNoDeviceState
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", column, err)
	}
	return v.String, v.Valid, nil
}

func (s *Store) SetPIN(ctx context.Context, pin string) error {
	return s.update(ctx, `UPDATE device_state SET pin = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`, pin)
}

func (s *Store) ClearPIN(ctx context.Context) error {
	return s.update(ctx, `UPDATE device_state SET pin = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = 1`)
}

func (s *Store) SetMnemonic(ctx context.Context, mnemonic string) error {
	return s.update(ctx, `UPDATE device_state SET mnemonic = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`, mnemonic)
}

func (s *Store) ClearMnemonic(ctx context.Context) error {
	return s.update(ctx, `UPDATE device_state SET mnemonic = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = 1`)
}

func (s *Store) SetPassphraseProtection(ctx context.Context, enabled bool) error {
	return s.update(ctx, `UPDATE device_state SET passphrase_protection = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`, enabled)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update device state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update device state: %w", err)
	}
	if n == 0 {
		return ErrNoDeviceState
	}
	return nil
}

// Provision describes development device contents. Nil fields are cleared.
type Provision struct {
	PIN                  *string
	Mnemonic             *string
	PassphraseProtection bool
}

// Provision replaces the device state in one transaction.
func (s *Store) Provision(ctx context.Context, p Provision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin provision: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_state (id, pin, mnemonic, passphrase_protection, updated_at)
		 VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   pin = excluded.pin,
		   mnemonic = excluded.mnemonic,
		   passphrase_protection = excluded.passphrase_protection,
		   updated_at = excluded.updated_at`,
		nullString(p.PIN), nullString(p.Mnemonic), p.PassphraseProtection)
	if err != nil {
		return fmt.Errorf("failed to provision device state: %w", err)
	}
	return tx.Commit()
}

// Wipe clears every secret and flag.
func (s *Store) Wipe(ctx context.Context) error {
	return s.Provision(ctx, Provision{})
}

// UpdatedAt returns when the device state last changed.
func (s *Store) UpdatedAt(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM device_state WHERE id = 1`).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoDeviceState
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read updated_at: %w", err)
	}
	return ts, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
