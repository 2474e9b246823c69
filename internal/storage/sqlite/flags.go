package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BHPAV/Runner/internal/storage"
)

// GetFlag returns the value of a control flag, or "" when unset.
func (s *Store) GetFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM control_flags WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get flag %s: %w", key, err)
	}
	return value, nil
}

// SetFlag upserts a control flag.
func (s *Store) SetFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_flags (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, nowString())
	if err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// KillSwitchActive reports whether the kill switch is on. Claiming and stack
// creation must refuse work while it is.
func (s *Store) KillSwitchActive(ctx context.Context) (bool, error) {
	return s.flagSet(ctx, storage.ControlKillSwitch)
}

func (s *Store) flagSet(ctx context.Context, key string) (bool, error) {
	v, err := s.GetFlag(ctx, key)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}
