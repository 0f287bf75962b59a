package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whispr-chat/whispr/internal/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory opens and migrates the SQLite database backing every
// repository.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs
// migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 64),
		password_salt BLOB    NOT NULL,
		password_hash BLOB    NOT NULL,
		is_admin      INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS channels (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT    NOT NULL UNIQUE,
		type        INTEGER NOT NULL DEFAULT 0,
		key_material BLOB,
		is_default  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS permissions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS roles (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS role_permissions (
		role_id       INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id TEXT    NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		state         INTEGER NOT NULL,
		PRIMARY KEY (role_id, permission_id)
	);

	CREATE TABLE IF NOT EXISTS user_role_bindings (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, role_id)
	);

	CREATE TABLE IF NOT EXISTS user_permission_overrides (
		user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		permission_id TEXT    NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		state         INTEGER NOT NULL,
		PRIMARY KEY (user_id, permission_id)
	);

	CREATE TABLE IF NOT EXISTS channel_role_permissions (
		channel_id    INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		role_id       INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id TEXT    NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		state         INTEGER NOT NULL,
		PRIMARY KEY (channel_id, role_id, permission_id)
	);

	CREATE TABLE IF NOT EXISTS channel_user_permissions (
		channel_id    INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		permission_id TEXT    NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		state         INTEGER NOT NULL,
		PRIMARY KEY (channel_id, user_id, permission_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id       INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		sender_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		sender_username  TEXT    NOT NULL,
		content          TEXT    NOT NULL,
		created_at       TEXT    NOT NULL DEFAULT (datetime('now')),
		created_at_ticks INTEGER NOT NULL DEFAULT 0,
		updated_at       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at_ticks ON messages(channel_id, created_at_ticks);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"ALTER TABLE messages ADD COLUMN created_at_ticks INTEGER NOT NULL DEFAULT 0",
				"CREATE INDEX IF NOT EXISTS idx_messages_created_at_ticks ON messages(channel_id, created_at_ticks)",
			},
			ignoreErrors: true, // column/index may already exist on a fresh database created from the current schema
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}

	return s.seedPermissions(ctx)
}

func (s *ProviderFactory) seedPermissions(ctx context.Context) error {
	for _, p := range model.SeedPermissions() {
		if _, err := s.DB.ExecContext(ctx,
			"INSERT INTO permissions (id, name, description) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description",
			p.ID, p.Name, p.Description); err != nil {
			return fmt.Errorf("datastore: seed permissions: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Users ----

func (s *baseProvider) CreateUser(ctx context.Context, username string, passwordSalt, passwordHash []byte, isAdmin bool) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO users (username, password_salt, password_hash, is_admin) VALUES (?, ?, ?, ?)",
		username, passwordSalt, passwordHash, boolToInt(isAdmin))
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.User{
		ID:           id,
		Username:     username,
		PasswordSalt: passwordSalt,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	u := &model.User{}
	var isAdminInt int
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordSalt, &u.PasswordHash, &isAdminInt, &createdAt); err != nil {
		return nil, err
	}
	u.IsAdmin = isAdminInt != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

const userColumns = "id, username, password_salt, password_hash, is_admin, created_at"

func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

func (s *baseProvider) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *baseProvider) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var isAdminInt int
	err := s.QueryRowContext(ctx, "SELECT is_admin FROM users WHERE id = ?", userID).Scan(&isAdminInt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("datastore: check admin: %w", err)
	}
	return isAdminInt != 0, nil
}

func (s *baseProvider) SetUserAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	_, err := s.ExecContext(ctx, "UPDATE users SET is_admin = ? WHERE id = ?", boolToInt(isAdmin), userID)
	if err != nil {
		return fmt.Errorf("datastore: set user admin: %w", err)
	}
	return nil
}

// ---- Channels ----

func (s *baseProvider) CreateChannel(ctx context.Context, channel *model.Channel) error {
	name, err := model.ValidateChannelName(channel.Name)
	if err != nil {
		return err
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO channels (name, type, key_material, is_default) VALUES (?, ?, ?, ?)",
		name, int(channel.Type), channel.KeyMaterial, boolToInt(channel.IsDefault))
	if err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	channel.Name = name
	channel.ID, _ = res.LastInsertId()
	channel.CreatedAt = time.Now().UTC()
	return nil
}

func (s *baseProvider) DeleteChannel(ctx context.Context, id int64) error {
	_, err := s.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	return nil
}

func scanChannel(row interface{ Scan(...any) error }) (*model.Channel, error) {
	ch := &model.Channel{}
	var typeInt, isDefaultInt int
	var createdAt string
	if err := row.Scan(&ch.ID, &ch.Name, &typeInt, &ch.KeyMaterial, &isDefaultInt, &createdAt); err != nil {
		return nil, err
	}
	ch.Type = model.ChannelType(typeInt)
	ch.IsDefault = isDefaultInt != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	ch.CreatedAt = parsed
	return ch, nil
}

const channelColumns = "id, name, type, key_material, is_default, created_at"

func (s *baseProvider) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+channelColumns+" FROM channels ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (s *baseProvider) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	row := s.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get channel: %w", err)
	}
	return ch, nil
}

func (s *baseProvider) GetChannelByName(ctx context.Context, name string) (*model.Channel, error) {
	row := s.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE name = ?", name)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get channel by name: %w", err)
	}
	return ch, nil
}

func (s *baseProvider) CountChannels(ctx context.Context) (int, error) {
	var count int
	if err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM channels").Scan(&count); err != nil {
		return 0, fmt.Errorf("datastore: count channels: %w", err)
	}
	return count, nil
}

// ---- Permissions ----

func (s *baseProvider) ListPermissions(ctx context.Context) ([]model.Permission, error) {
	rows, err := s.QueryContext(ctx, "SELECT id, name, description FROM permissions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []model.Permission
	for rows.Next() {
		var p model.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, fmt.Errorf("datastore: scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ---- Roles ----

func (s *baseProvider) CreateRole(ctx context.Context, name string) (*model.Role, error) {
	res, err := s.ExecContext(ctx, "INSERT INTO roles (name) VALUES (?)", name)
	if err != nil {
		return nil, fmt.Errorf("datastore: create role: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.Role{ID: id, Name: name}, nil
}

func (s *baseProvider) ListRoles(ctx context.Context) ([]model.Role, error) {
	rows, err := s.QueryContext(ctx, "SELECT id, name FROM roles ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("datastore: scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *baseProvider) GetRole(ctx context.Context, id int64) (*model.Role, error) {
	var r model.Role
	err := s.QueryRowContext(ctx, "SELECT id, name FROM roles WHERE id = ?", id).Scan(&r.ID, &r.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get role: %w", err)
	}
	return &r, nil
}

func (s *baseProvider) RoleIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.QueryContext(ctx, "SELECT role_id FROM user_role_bindings WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: role ids for user: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("datastore: scan role id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *baseProvider) RolePermissions(ctx context.Context, roleID int64) ([]model.RolePermission, error) {
	rows, err := s.QueryContext(ctx, "SELECT role_id, permission_id, state FROM role_permissions WHERE role_id = ?", roleID)
	if err != nil {
		return nil, fmt.Errorf("datastore: role permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RolePermission
	for rows.Next() {
		var rp model.RolePermission
		var stateInt int
		if err := rows.Scan(&rp.RoleID, &rp.PermissionID, &stateInt); err != nil {
			return nil, fmt.Errorf("datastore: scan role permission: %w", err)
		}
		rp.State = model.PermissionState(stateInt)
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (s *baseProvider) AssignUserRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO user_role_bindings (user_id, role_id) VALUES (?, ?) ON CONFLICT(user_id, role_id) DO NOTHING",
		userID, roleID)
	if err != nil {
		return fmt.Errorf("datastore: assign user role: %w", err)
	}
	return nil
}

func (s *baseProvider) UnassignUserRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.ExecContext(ctx, "DELETE FROM user_role_bindings WHERE user_id = ? AND role_id = ?", userID, roleID)
	if err != nil {
		return fmt.Errorf("datastore: unassign user role: %w", err)
	}
	return nil
}

func (s *baseProvider) SetRolePermission(ctx context.Context, roleID int64, permissionID string, state model.PermissionState) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO role_permissions (role_id, permission_id, state) VALUES (?, ?, ?) ON CONFLICT(role_id, permission_id) DO UPDATE SET state = excluded.state",
		roleID, permissionID, int(state))
	if err != nil {
		return fmt.Errorf("datastore: set role permission: %w", err)
	}
	return nil
}

// ---- Server-wide user ACL overrides ----

func (s *baseProvider) RolePermissionState(ctx context.Context, roleID int64, permissionID string) (model.PermissionState, bool, error) {
	var stateInt int
	err := s.QueryRowContext(ctx,
		"SELECT state FROM role_permissions WHERE role_id = ? AND permission_id = ?", roleID, permissionID).Scan(&stateInt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("datastore: role permission state: %w", err)
	}
	return model.PermissionState(stateInt), true, nil
}

func (s *baseProvider) UserOverrideState(ctx context.Context, userID int64, permissionID string) (model.PermissionState, bool, error) {
	var stateInt int
	err := s.QueryRowContext(ctx,
		"SELECT state FROM user_permission_overrides WHERE user_id = ? AND permission_id = ?", userID, permissionID).Scan(&stateInt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("datastore: user override state: %w", err)
	}
	return model.PermissionState(stateInt), true, nil
}

func (s *baseProvider) UserOverrides(ctx context.Context, userID int64) ([]model.PerUserOverride, error) {
	rows, err := s.QueryContext(ctx, "SELECT user_id, permission_id, state FROM user_permission_overrides WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: user overrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PerUserOverride
	for rows.Next() {
		var o model.PerUserOverride
		var stateInt int
		if err := rows.Scan(&o.UserID, &o.PermissionID, &stateInt); err != nil {
			return nil, fmt.Errorf("datastore: scan user override: %w", err)
		}
		o.State = model.PermissionState(stateInt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *baseProvider) SetUserOverride(ctx context.Context, userID int64, permissionID string, state model.PermissionState) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO user_permission_overrides (user_id, permission_id, state) VALUES (?, ?, ?) ON CONFLICT(user_id, permission_id) DO UPDATE SET state = excluded.state",
		userID, permissionID, int(state))
	if err != nil {
		return fmt.Errorf("datastore: set user override: %w", err)
	}
	return nil
}

func (s *baseProvider) ClearUserOverride(ctx context.Context, userID int64, permissionID string) error {
	_, err := s.ExecContext(ctx, "DELETE FROM user_permission_overrides WHERE user_id = ? AND permission_id = ?", userID, permissionID)
	if err != nil {
		return fmt.Errorf("datastore: clear user override: %w", err)
	}
	return nil
}

// ---- Per-channel ACL ----

func (s *baseProvider) ChannelRoleStates(ctx context.Context, channelID int64) ([]model.ChannelRolePermission, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT channel_id, role_id, permission_id, state FROM channel_role_permissions WHERE channel_id = ?", channelID)
	if err != nil {
		return nil, fmt.Errorf("datastore: channel role states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChannelRolePermission
	for rows.Next() {
		var rp model.ChannelRolePermission
		var stateInt int
		if err := rows.Scan(&rp.ChannelID, &rp.RoleID, &rp.PermissionID, &stateInt); err != nil {
			return nil, fmt.Errorf("datastore: scan channel role state: %w", err)
		}
		rp.State = model.PermissionState(stateInt)
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (s *baseProvider) ChannelUserStates(ctx context.Context, channelID int64) ([]model.ChannelUserPermission, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT channel_id, user_id, permission_id, state FROM channel_user_permissions WHERE channel_id = ?", channelID)
	if err != nil {
		return nil, fmt.Errorf("datastore: channel user states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChannelUserPermission
	for rows.Next() {
		var up model.ChannelUserPermission
		var stateInt int
		if err := rows.Scan(&up.ChannelID, &up.UserID, &up.PermissionID, &stateInt); err != nil {
			return nil, fmt.Errorf("datastore: scan channel user state: %w", err)
		}
		up.State = model.PermissionState(stateInt)
		out = append(out, up)
	}
	return out, rows.Err()
}

func (s *baseProvider) SetChannelRolePermission(ctx context.Context, channelID, roleID int64, permissionID string, state model.PermissionState) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO channel_role_permissions (channel_id, role_id, permission_id, state) VALUES (?, ?, ?, ?) ON CONFLICT(channel_id, role_id, permission_id) DO UPDATE SET state = excluded.state",
		channelID, roleID, permissionID, int(state))
	if err != nil {
		return fmt.Errorf("datastore: set channel role permission: %w", err)
	}
	return nil
}

func (s *baseProvider) SetChannelUserPermission(ctx context.Context, channelID, userID int64, permissionID string, state model.PermissionState) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO channel_user_permissions (channel_id, user_id, permission_id, state) VALUES (?, ?, ?, ?) ON CONFLICT(channel_id, user_id, permission_id) DO UPDATE SET state = excluded.state",
		channelID, userID, permissionID, int(state))
	if err != nil {
		return fmt.Errorf("datastore: set channel user permission: %w", err)
	}
	return nil
}

// ---- Messages ----

func (s *baseProvider) CreateMessage(ctx context.Context, message *model.Message) error {
	now := time.Now().UTC()
	ticks := now.UnixNano()
	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (channel_id, sender_id, sender_username, content, created_at, created_at_ticks) VALUES (?, ?, ?, ?, ?, ?)",
		message.ChannelID, message.SenderID, message.SenderUsername, message.Content, formatDBTime(now), ticks)
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = now
	message.CreatedAtTicks = ticks
	return nil
}

func (s *baseProvider) UpdateMessageContent(ctx context.Context, messageID int64, content string, updatedAt time.Time) error {
	_, err := s.ExecContext(ctx,
		"UPDATE messages SET content = ?, updated_at = ? WHERE id = ?",
		content, formatDBTime(updatedAt), messageID)
	if err != nil {
		return fmt.Errorf("datastore: update message: %w", err)
	}
	return nil
}

func (s *baseProvider) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := s.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("datastore: delete message: %w", err)
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	m := &model.Message{}
	var createdAt string
	var updatedAt *string
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderUsername, &m.Content, &createdAt, &m.CreatedAtTicks, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parsed
	if updatedAt != nil {
		u, err := parseDBTime(*updatedAt)
		if err != nil {
			return nil, err
		}
		m.UpdatedAt = &u
	}
	return m, nil
}

const messageColumns = "id, channel_id, sender_id, sender_username, content, created_at, created_at_ticks, updated_at"

func (s *baseProvider) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	row := s.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get message: %w", err)
	}
	return m, nil
}

func (s *baseProvider) ListMessages(ctx context.Context, filter model.HistoryFilter) ([]model.Message, error) {
	limit := model.ClampHistoryLimit(filter.Limit)

	query := "SELECT " + messageColumns + " FROM messages WHERE channel_id = ?"
	args := []any{filter.ChannelID}
	if filter.Since != nil {
		query += " AND created_at_ticks >= ?"
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if filter.Before != nil {
		query += " AND created_at_ticks < ?"
		args = append(args, filter.Before.UTC().UnixNano())
	}
	// Forward paging (Since only) returns the oldest messages after the
	// cursor first; every other page is newest first.
	order := "DESC"
	if filter.Since != nil && filter.Before == nil {
		order = "ASC"
	}
	query += " ORDER BY created_at_ticks " + order + " LIMIT ?"
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}
