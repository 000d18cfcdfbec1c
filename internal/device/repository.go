package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines device and entity persistence.
// This abstraction allows for a SQLite implementation and in-memory mocks
// in tests.
type Repository interface {
	// CreateDevice inserts a device and sets its ID and timestamps.
	// Returns ErrDeviceExists if the name is taken.
	CreateDevice(ctx context.Context, d *Device) error

	// UpdateDevice replaces the configuration columns of a device.
	// Returns ErrDeviceNotFound or ErrDeviceExists.
	UpdateDevice(ctx context.Context, d *Device) error

	GetDevice(ctx context.Context, id int64) (*Device, error)
	GetDeviceByName(ctx context.Context, name string) (*Device, error)

	// FindDeviceByAddress returns the device registered at host:port.
	FindDeviceByAddress(ctx context.Context, host string, port int) (*Device, error)

	ListDevices(ctx context.Context) ([]Device, error)
	ListEnabledDevices(ctx context.Context) ([]Device, error)
	SearchDevices(ctx context.Context, substr string) ([]Device, error)

	// DeleteDevice removes a device; entities and link rows cascade.
	DeleteDevice(ctx context.Context, id int64) error

	// UpdateDeviceMetadata records what the device reported on connect.
	// Empty strings leave the stored value in place.
	UpdateDeviceMetadata(ctx context.Context, id int64, meta Metadata) error

	ListEntities(ctx context.Context, deviceID int64) ([]Entity, error)
	GetEntity(ctx context.Context, id int64) (*Entity, error)

	// GetEntityByKey resolves a session key to the entity it was most
	// recently reconciled to. External entities have no key.
	GetEntityByKey(ctx context.Context, deviceID int64, key uint32) (*Entity, error)

	GetEntityByUniqueID(ctx context.Context, deviceID int64, uniqueID string) (*Entity, error)

	// EnsureEntity returns the entity with d.UniqueID, creating it with
	// empty links when absent. created reports whether a row was inserted.
	EnsureEntity(ctx context.Context, deviceID int64, d Discovered) (e *Entity, created bool, err error)

	// ReconcileEntities merges a live enumeration into the store.
	ReconcileEntities(ctx context.Context, deviceID int64, live []Discovered) (ReconcileResult, error)

	// ReplaceEntityState stores state and returns the previous value,
	// atomically.
	ReplaceEntityState(ctx context.Context, id int64, state State) (State, error)

	// UpdateEntityLinks replaces an entity's links and its index rows.
	UpdateEntityLinks(ctx context.Context, id int64, links Links) error

	SetEntityEnabled(ctx context.Context, id int64, enabled bool) error

	// ListEntitiesLinkedTo returns enabled entities whose links contain ref.
	ListEntitiesLinkedTo(ctx context.Context, ref string) ([]Entity, error)

	// CountEntitiesLinkedTo counts entities (enabled or not) still using ref.
	CountEntitiesLinkedTo(ctx context.Context, ref string) (int, error)

	SearchEntities(ctx context.Context, substr string) ([]Entity, error)

	// SearchLinks returns entities with a link reference containing substr.
	SearchLinks(ctx context.Context, substr string) ([]Entity, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db must have foreign keys enabled for delete cascades.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `
	id, name, host, port, password, client_info, enabled,
	firmware_version, mac_address, model, last_seen, discovered_at,
	created_at, updated_at`

// CreateDevice inserts a new device.
func (r *SQLiteRepository) CreateDevice(ctx context.Context, d *Device) error {
	now := time.Now().UTC().Truncate(time.Second)
	d.CreatedAt = now
	d.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			name, host, port, password, client_info, enabled,
			firmware_version, mac_address, model, last_seen, discovered_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name,
		d.Host,
		d.Port,
		nullableString(d.Password),
		nullableString(d.ClientInfo),
		boolToInt(d.Enabled),
		nullableString(d.FirmwareVersion),
		nullableString(d.MACAddress),
		nullableString(d.Model),
		nullableTime(d.LastSeen),
		nullableTime(d.DiscoveredAt),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.Name)
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	d.ID = id
	return nil
}

// UpdateDevice modifies an existing device's configuration.
func (r *SQLiteRepository) UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			name = ?, host = ?, port = ?, password = ?, client_info = ?,
			enabled = ?, updated_at = ?
		WHERE id = ?`,
		d.Name,
		d.Host,
		d.Port,
		nullableString(d.Password),
		nullableString(d.ClientInfo),
		boolToInt(d.Enabled),
		formatTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.Name)
		}
		return fmt.Errorf("updating device: %w", err)
	}
	return requireAffected(res, ErrDeviceNotFound)
}

// GetDevice retrieves a device by ID.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id int64) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return scanSingleDevice(row)
}

// GetDeviceByName retrieves a device by its unique name.
func (r *SQLiteRepository) GetDeviceByName(ctx context.Context, name string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE name = ?`, name)
	return scanSingleDevice(row)
}

// FindDeviceByAddress retrieves the device at host:port.
func (r *SQLiteRepository) FindDeviceByAddress(ctx context.Context, host string, port int) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE host = ? AND port = ? ORDER BY id LIMIT 1`,
		host, port)
	return scanSingleDevice(row)
}

// ListDevices retrieves all devices ordered by name.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY name`)
}

// ListEnabledDevices retrieves devices that should hold a session.
func (r *SQLiteRepository) ListEnabledDevices(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE enabled = 1 ORDER BY name`)
}

// SearchDevices matches substr against device names and hosts.
func (r *SQLiteRepository) SearchDevices(ctx context.Context, substr string) ([]Device, error) {
	pattern := likePattern(substr)
	return r.queryDevices(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE name LIKE ? ESCAPE '\' OR host LIKE ? ESCAPE '\'
		ORDER BY name`, pattern, pattern)
}

// DeleteDevice removes a device by ID.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireAffected(res, ErrDeviceNotFound)
}

// UpdateDeviceMetadata stores connect-time metadata.
func (r *SQLiteRepository) UpdateDeviceMetadata(ctx context.Context, id int64, meta Metadata) error {
	seen := meta.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			firmware_version = COALESCE(NULLIF(?, ''), firmware_version),
			mac_address = COALESCE(NULLIF(?, ''), mac_address),
			model = COALESCE(NULLIF(?, ''), model),
			last_seen = ?
		WHERE id = ?`,
		meta.FirmwareVersion,
		meta.MACAddress,
		meta.Model,
		formatTime(seen),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device metadata: %w", err)
	}
	return requireAffected(res, ErrDeviceNotFound)
}

// queryDevices executes a query and scans all device rows.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSingleDevice(row *sql.Row) (*Device, error) {
	d, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var (
		password, clientInfo   sql.NullString
		firmware, mac, model   sql.NullString
		lastSeen, discoveredAt sql.NullString
		enabled                int
		createdAt, updatedAt   string
	)

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Host,
		&d.Port,
		&password,
		&clientInfo,
		&enabled,
		&firmware,
		&mac,
		&model,
		&lastSeen,
		&discoveredAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Password = password.String
	d.ClientInfo = clientInfo.String
	d.Enabled = enabled != 0
	d.FirmwareVersion = firmware.String
	d.MACAddress = mac.String
	d.Model = model.String
	d.LastSeen = parseNullableTime(lastSeen)
	d.DiscoveredAt = parseNullableTime(discoveredAt)

	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nullableString stores empty strings as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern wraps substr for a LIKE ... ESCAPE '\' match so that %, _
// and \ in user input match literally.
func likePattern(substr string) string {
	return "%" + likeEscaper.Replace(substr) + "%"
}
