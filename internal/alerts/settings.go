package alerts

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// SettingsRepository handles the settings table: operator-tunable overrides
// that take precedence over environment variables at startup (Get/Set
// string pairs, typed convenience getters).
type SettingsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSettingsRepository constructs a SettingsRepository.
func NewSettingsRepository(db *sql.DB, log zerolog.Logger) *SettingsRepository {
	return &SettingsRepository{db: db, log: log.With().Str("repository", "settings").Logger()}
}

// Get returns the setting's value, or nil if it doesn't exist.
func (r *SettingsRepository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set upserts a setting value.
func (r *SettingsRepository) Set(key, value string, description *string) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, settings.description),
			updated_at = excluded.updated_at
	`, key, value, description, now)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetFloat returns the setting parsed as float64, or defaultValue if unset
// or unparseable.
func (r *SettingsRepository) GetFloat(key string, defaultValue float64) (float64, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("failed to parse setting as float, using default")
		return defaultValue, nil
	}
	return v, nil
}

// GetInt returns the setting parsed as int, or defaultValue if unset or
// unparseable.
func (r *SettingsRepository) GetInt(key string, defaultValue int) (int, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(*value)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("failed to parse setting as int, using default")
		return defaultValue, nil
	}
	return v, nil
}
