// ABOUTME: SQLite persistence for host, script, and model profiles
// ABOUTME: Uses modernc.org/sqlite with automatic schema creation

package profiles

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/eshell/opsconsole/internal/transport"
)

// SQLiteStore persists profiles. It also serves as the config source the
// session registry reconnects from.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the profile database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "profiles")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("profile store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS host_profiles (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			host       TEXT NOT NULL,
			port       INTEGER NOT NULL,
			username   TEXT NOT NULL,
			password   TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (port BETWEEN 1 AND 65535)
		);

		CREATE TABLE IF NOT EXISTS script_profiles (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			command     TEXT,
			path        TEXT,
			description TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (command <> '' OR path <> '')
		);

		CREATE TABLE IF NOT EXISTS model_profiles (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			base_url    TEXT NOT NULL,
			api_key     TEXT,
			model       TEXT NOT NULL,
			temperature REAL NOT NULL DEFAULT 0.7,
			max_tokens  INTEGER NOT NULL DEFAULT 0,
			active      INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (temperature BETWEEN 0 AND 2),
			CHECK (max_tokens >= 0),
			CHECK (active IN (0, 1))
		);

		CREATE INDEX IF NOT EXISTS idx_model_profiles_active ON model_profiles(active);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing profile store")
	return s.db.Close()
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// --- host profiles ---

// CreateHost saves a new host profile and returns it with id and timestamps set.
func (s *SQLiteStore) CreateHost(ctx context.Context, p HostProfile) (HostProfile, error) {
	if err := p.Validate(); err != nil {
		return HostProfile{}, err
	}
	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_profiles (id, name, host, port, username, password, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Host, p.Port, p.Username, p.Password,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return HostProfile{}, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return HostProfile{}, fmt.Errorf("inserting host profile: %w", err)
	}

	s.logger.Info("host profile created", "id", p.ID, "name", p.Name)
	return p, nil
}

// GetHost retrieves one host profile by id.
func (s *SQLiteStore) GetHost(ctx context.Context, id string) (HostProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, username, password, created_at, updated_at
		FROM host_profiles WHERE id = ?
	`, id)
	return scanHost(row)
}

// ListHosts returns all host profiles ordered by name.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]HostProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, host, port, username, password, created_at, updated_at
		FROM host_profiles ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying host profiles: %w", err)
	}
	defer rows.Close()

	var out []HostProfile
	for rows.Next() {
		p, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateHost replaces the mutable fields of a host profile.
func (s *SQLiteStore) UpdateHost(ctx context.Context, p HostProfile) (HostProfile, error) {
	if err := p.Validate(); err != nil {
		return HostProfile{}, err
	}
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE host_profiles
		SET name = ?, host = ?, port = ?, username = ?, password = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Host, p.Port, p.Username, p.Password, formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return HostProfile{}, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return HostProfile{}, fmt.Errorf("updating host profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return HostProfile{}, ErrNotFound
	}
	return s.GetHost(ctx, p.ID)
}

// DeleteHost removes a host profile.
func (s *SQLiteStore) DeleteHost(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM host_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting host profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Info("host profile deleted", "id", id)
	return nil
}

// FindHostConfig resolves a host profile into a dialable transport config.
// This is how the session registry reconnects dropped sessions.
func (s *SQLiteStore) FindHostConfig(ctx context.Context, id string) (transport.Config, error) {
	p, err := s.GetHost(ctx, id)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		ID:       p.ID,
		Name:     p.Name,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (HostProfile, error) {
	var p HostProfile
	var password sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &p.Host, &p.Port, &p.Username, &password, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return HostProfile{}, ErrNotFound
	}
	if err != nil {
		return HostProfile{}, fmt.Errorf("scanning host profile: %w", err)
	}
	p.Password = password.String
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return HostProfile{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return HostProfile{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// --- script profiles ---

// CreateScript saves a new script profile.
func (s *SQLiteStore) CreateScript(ctx context.Context, p ScriptProfile) (ScriptProfile, error) {
	if err := p.Validate(); err != nil {
		return ScriptProfile{}, err
	}
	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_profiles (id, name, command, path, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Command, p.Path, p.Description, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ScriptProfile{}, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return ScriptProfile{}, fmt.Errorf("inserting script profile: %w", err)
	}
	return p, nil
}

// ListScripts returns all script profiles ordered by name.
func (s *SQLiteStore) ListScripts(ctx context.Context) ([]ScriptProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, command, path, description, created_at, updated_at
		FROM script_profiles ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying script profiles: %w", err)
	}
	defer rows.Close()

	var out []ScriptProfile
	for rows.Next() {
		p, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetScript retrieves one script profile by id.
func (s *SQLiteStore) GetScript(ctx context.Context, id string) (ScriptProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, command, path, description, created_at, updated_at
		FROM script_profiles WHERE id = ?
	`, id)
	return scanScript(row)
}

// DeleteScript removes a script profile.
func (s *SQLiteStore) DeleteScript(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM script_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting script profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanScript(row rowScanner) (ScriptProfile, error) {
	var p ScriptProfile
	var command, path, description sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &command, &path, &description, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ScriptProfile{}, ErrNotFound
	}
	if err != nil {
		return ScriptProfile{}, fmt.Errorf("scanning script profile: %w", err)
	}
	p.Command = command.String
	p.Path = path.String
	p.Description = description.String
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ScriptProfile{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return ScriptProfile{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// --- model profiles ---

// CreateModel saves a new model profile. The first profile ever created
// becomes active automatically.
func (s *SQLiteStore) CreateModel(ctx context.Context, p ModelProfile) (ModelProfile, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return ModelProfile{}, err
	}
	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM model_profiles`).Scan(&count); err != nil {
		return ModelProfile{}, fmt.Errorf("counting model profiles: %w", err)
	}
	if count == 0 {
		p.Active = true
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_profiles (id, name, base_url, api_key, model, temperature, max_tokens, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.BaseURL, p.APIKey, p.Model, p.Temperature, p.MaxTokens, boolToInt(p.Active),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ModelProfile{}, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return ModelProfile{}, fmt.Errorf("inserting model profile: %w", err)
	}

	s.logger.Info("model profile created", "id", p.ID, "name", p.Name, "active", p.Active)
	return p, nil
}

// ListModels returns all model profiles, active first then by name.
func (s *SQLiteStore) ListModels(ctx context.Context) ([]ModelProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_url, api_key, model, temperature, max_tokens, active, created_at, updated_at
		FROM model_profiles ORDER BY active DESC, name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying model profiles: %w", err)
	}
	defer rows.Close()

	var out []ModelProfile
	for rows.Next() {
		p, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetModel retrieves one model profile by id.
func (s *SQLiteStore) GetModel(ctx context.Context, id string) (ModelProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, api_key, model, temperature, max_tokens, active, created_at, updated_at
		FROM model_profiles WHERE id = ?
	`, id)
	return scanModel(row)
}

// ActiveModel returns the profile new agent runs should use.
func (s *SQLiteStore) ActiveModel(ctx context.Context) (ModelProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, api_key, model, temperature, max_tokens, active, created_at, updated_at
		FROM model_profiles WHERE active = 1 LIMIT 1
	`)
	p, err := scanModel(row)
	if err == nil {
		return p, nil
	}
	if err != ErrNotFound {
		return ModelProfile{}, err
	}
	// No explicit active row, fall back to the most recently updated one.
	row = s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, api_key, model, temperature, max_tokens, active, created_at, updated_at
		FROM model_profiles ORDER BY updated_at DESC LIMIT 1
	`)
	return scanModel(row)
}

// SetActiveModel makes one profile active and deactivates the rest.
func (s *SQLiteStore) SetActiveModel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE model_profiles SET active = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("activating model profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE model_profiles SET active = 0 WHERE id != ?`, id); err != nil {
		return fmt.Errorf("deactivating model profiles: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing activation: %w", err)
	}
	s.logger.Info("model profile activated", "id", id)
	return nil
}

// UpdateModel replaces the mutable fields of a model profile.
func (s *SQLiteStore) UpdateModel(ctx context.Context, p ModelProfile) (ModelProfile, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return ModelProfile{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE model_profiles
		SET name = ?, base_url = ?, api_key = ?, model = ?, temperature = ?, max_tokens = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.BaseURL, p.APIKey, p.Model, p.Temperature, p.MaxTokens,
		formatTime(time.Now().UTC()), p.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return ModelProfile{}, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return ModelProfile{}, fmt.Errorf("updating model profile: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ModelProfile{}, ErrNotFound
	}
	return s.GetModel(ctx, p.ID)
}

// DeleteModel removes a model profile. When the active profile is deleted,
// the most recently updated survivor becomes active.
func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	p, err := s.GetModel(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM model_profiles WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting model profile: %w", err)
	}

	if p.Active {
		_, err := s.db.ExecContext(ctx, `
			UPDATE model_profiles SET active = 1
			WHERE id = (SELECT id FROM model_profiles ORDER BY updated_at DESC LIMIT 1)
		`)
		if err != nil {
			return fmt.Errorf("promoting replacement active profile: %w", err)
		}
	}
	return nil
}

func scanModel(row rowScanner) (ModelProfile, error) {
	var p ModelProfile
	var apiKey sql.NullString
	var active int
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &apiKey, &p.Model, &p.Temperature, &p.MaxTokens,
		&active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ModelProfile{}, ErrNotFound
	}
	if err != nil {
		return ModelProfile{}, fmt.Errorf("scanning model profile: %w", err)
	}
	p.APIKey = apiKey.String
	p.Active = active == 1
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ModelProfile{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return ModelProfile{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
