package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db    *sql.DB
	clock Clock
	ids   IDGenerator
}

var _ Repository = (*SQLiteRepository)(nil)

// RepositoryOption configures a SQLiteRepository.
type RepositoryOption func(*SQLiteRepository)

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(c Clock) RepositoryOption {
	return func(r *SQLiteRepository) { r.clock = c }
}

// WithIDGenerator overrides how new entity ids are produced.
func WithIDGenerator(g IDGenerator) RepositoryOption {
	return func(r *SQLiteRepository) { r.ids = g }
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB, opts ...RepositoryOption) *SQLiteRepository {
	r := &SQLiteRepository{db: db, clock: RealClock{}, ids: UUIDGenerator{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindEmployeeByUserID returns the employee with the given device user id.
func (r *SQLiteRepository) FindEmployeeByUserID(ctx context.Context, userID string) (*Employee, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, department, position, card_number, is_active, created_at, updated_at
		FROM employees
		WHERE user_id = ?`, userID)

	e, err := scanEmployee(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEmployeeNotFound
		}
		return nil, fmt.Errorf("querying employee by user id: %w", err)
	}
	return e, nil
}

// CreateEmployee inserts a new employee.
func (r *SQLiteRepository) CreateEmployee(ctx context.Context, e *Employee) error {
	if e.UserID == "" || e.Name == "" {
		return fmt.Errorf("%w: employee needs user id and name", ErrInvalid)
	}
	if e.ID == "" {
		e.ID = r.ids.NewID()
	}
	now := r.clock.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO employees (id, user_id, name, department, position, card_number, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Name,
		nullableString(e.Department), nullableString(e.Position), nullableString(e.CardNumber),
		boolToInt(e.IsActive), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEmployeeExists
		}
		return fmt.Errorf("inserting employee: %w", err)
	}
	return nil
}

// UpdateEmployee writes name, department, position, card number and active flag.
func (r *SQLiteRepository) UpdateEmployee(ctx context.Context, e *Employee) error {
	e.UpdatedAt = r.clock.Now()

	res, err := r.db.ExecContext(ctx, `
		UPDATE employees
		SET name = ?, department = ?, position = ?, card_number = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		e.Name, nullableString(e.Department), nullableString(e.Position), nullableString(e.CardNumber),
		boolToInt(e.IsActive), formatTime(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("updating employee: %w", err)
	}
	return requireAffected(res, ErrEmployeeNotFound)
}

// ListEmployees returns all employees ordered by user id.
func (r *SQLiteRepository) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, department, position, card_number, is_active, created_at, updated_at
		FROM employees
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying employees: %w", err)
	}
	defer rows.Close()

	var employees []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning employee: %w", err)
		}
		employees = append(employees, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating employees: %w", err)
	}
	return employees, nil
}

// FindAttendanceRecord returns the record identified by the punch key.
func (r *SQLiteRepository) FindAttendanceRecord(ctx context.Context, employeeID, userID string, ts time.Time, typ PunchType) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, employee_id, user_id, timestamp, type, method, device_id, source, synced, created_at, updated_at
		FROM attendance_records
		WHERE employee_id = ? AND user_id = ? AND timestamp = ? AND type = ?`,
		employeeID, userID, formatTime(ts), string(typ))

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying attendance record: %w", err)
	}
	return rec, nil
}

// CreateAttendanceRecord inserts a new attendance record.
func (r *SQLiteRepository) CreateAttendanceRecord(ctx context.Context, rec *Record) error {
	if rec.EmployeeID == "" || rec.UserID == "" || rec.Timestamp.IsZero() || !rec.Type.Valid() {
		return fmt.Errorf("%w: record needs employee, user, timestamp and type", ErrInvalid)
	}
	if rec.ID == "" {
		rec.ID = r.ids.NewID()
	}
	if rec.Source == "" {
		rec.Source = SourceManual
	}
	now := r.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, employee_id, user_id, timestamp, type, method, device_id, source, synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EmployeeID, rec.UserID, formatTime(rec.Timestamp), string(rec.Type), string(rec.Method),
		rec.DeviceID, string(rec.Source), boolToInt(rec.Synced), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRecordExists
		}
		return fmt.Errorf("inserting attendance record: %w", err)
	}
	return nil
}

// UpdateAttendanceRecord writes method, device id and synced flag.
func (r *SQLiteRepository) UpdateAttendanceRecord(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = r.clock.Now()

	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET method = ?, device_id = ?, synced = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Method), rec.DeviceID, boolToInt(rec.Synced), formatTime(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating attendance record: %w", err)
	}
	return requireAffected(res, ErrRecordNotFound)
}

// ListAttendance returns records newest first.
func (r *SQLiteRepository) ListAttendance(ctx context.Context, f RecordFilter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if !f.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.Start))
	}
	if !f.End.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(f.End))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}

	query := `
		SELECT id, employee_id, user_id, timestamp, type, method, device_id, source, synced, created_at, updated_at
		FROM attendance_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attendance records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attendance record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attendance records: %w", err)
	}
	return records, nil
}

// CountAttendance returns the number of stored records.
func (r *SQLiteRepository) CountAttendance(ctx context.Context) (int, error) {
	return r.count(ctx, "SELECT COUNT(*) FROM attendance_records")
}

// CountPendingAttendance returns the number of records with synced = 0.
func (r *SQLiteRepository) CountPendingAttendance(ctx context.Context) (int, error) {
	return r.count(ctx, "SELECT COUNT(*) FROM attendance_records WHERE synced = 0")
}

// MarkAllAttendanceSynced flips every unsynced record.
func (r *SQLiteRepository) MarkAllAttendanceSynced(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE attendance_records SET synced = 1, updated_at = ? WHERE synced = 0",
		formatTime(r.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("marking records synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// UpsertDevice creates or updates the device keyed by ipAddress.
func (r *SQLiteRepository) UpsertDevice(ctx context.Context, ipAddress string, f DeviceFields) (*Device, error) {
	if ipAddress == "" {
		return nil, fmt.Errorf("%w: device needs an ip address", ErrInvalid)
	}
	now := formatTime(r.clock.Now())

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices
			(ip_address, name, port, device_id, model, serial_number, firmware, last_sync, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET
			name = excluded.name,
			port = excluded.port,
			device_id = excluded.device_id,
			model = excluded.model,
			serial_number = COALESCE(excluded.serial_number, devices.serial_number),
			firmware = COALESCE(excluded.firmware, devices.firmware),
			last_sync = COALESCE(excluded.last_sync, devices.last_sync),
			status = excluded.status,
			updated_at = excluded.updated_at`,
		ipAddress, f.Name, f.Port, f.DeviceID, f.Model,
		nullableString(f.SerialNumber), nullableString(f.Firmware), nullableTime(f.LastSync),
		string(f.Status), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting device: %w", err)
	}
	return r.GetDevice(ctx, ipAddress)
}

// GetDevice returns the device with the given ip address.
func (r *SQLiteRepository) GetDevice(ctx context.Context, ipAddress string) (*Device, error) {
	var (
		d                        Device
		serial, firmware, synced sql.NullString
		updated                  string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT ip_address, name, port, device_id, model, serial_number, firmware, last_sync, status, updated_at
		FROM devices
		WHERE ip_address = ?`, ipAddress).Scan(
		&d.IPAddress, &d.Name, &d.Port, &d.DeviceID, &d.Model, &serial, &firmware, &synced, &d.Status, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}

	d.SerialNumber = serial.String
	d.Firmware = firmware.String
	d.LastSync = parseNullableTime(synced)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

// CreateSyncLog inserts a new sync log.
func (r *SQLiteRepository) CreateSyncLog(ctx context.Context, l *SyncLog) error {
	if l.ID == "" {
		l.ID = r.ids.NewID()
	}
	if l.StartTime.IsZero() {
		l.StartTime = r.clock.Now()
	}
	if l.Status == "" {
		l.Status = SyncInProgress
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, device_id, sync_type, status, record_count, error_message, attempts, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.DeviceID, string(l.SyncType), string(l.Status), l.RecordCount,
		nullableString(l.ErrorMessage), l.Attempts, formatTime(l.StartTime), nullableTime(l.EndTime),
	)
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}
	return nil
}

// UpdateSyncLog finalizes an IN_PROGRESS sync log.
func (r *SQLiteRepository) UpdateSyncLog(ctx context.Context, id string, u SyncLogUpdate) error {
	if !u.Status.IsTerminal() {
		return fmt.Errorf("%w: sync log status %q is not terminal", ErrInvalid, u.Status)
	}
	if u.EndTime.IsZero() {
		u.EndTime = r.clock.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_logs
		SET status = ?, record_count = ?, error_message = ?, attempts = ?, end_time = ?
		WHERE id = ? AND status = ?`,
		string(u.Status), u.RecordCount, nullableString(u.ErrorMessage), u.Attempts, formatTime(u.EndTime),
		id, string(SyncInProgress),
	)
	if err != nil {
		return fmt.Errorf("updating sync log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := r.GetSyncLog(ctx, id); err != nil {
		return err
	}
	return ErrSyncLogFinalized
}

// GetSyncLog returns a sync log by id.
func (r *SQLiteRepository) GetSyncLog(ctx context.Context, id string) (*SyncLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, sync_type, status, record_count, error_message, attempts, start_time, end_time
		FROM sync_logs
		WHERE id = ?`, id)

	l, err := scanSyncLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSyncLogNotFound
		}
		return nil, fmt.Errorf("querying sync log: %w", err)
	}
	return l, nil
}

// ListSyncLogs returns up to limit logs, newest first.
func (r *SQLiteRepository) ListSyncLogs(ctx context.Context, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, sync_type, status, record_count, error_message, attempts, start_time, end_time
		FROM sync_logs
		ORDER BY start_time DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync logs: %w", err)
	}
	defer rows.Close()

	var logs []SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync logs: %w", err)
	}
	return logs, nil
}

// LastSuccessfulSync returns the end time of the newest completed run.
func (r *SQLiteRepository) LastSuccessfulSync(ctx context.Context, syncType SyncType) (*time.Time, error) {
	var end sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT end_time FROM sync_logs
		WHERE sync_type = ? AND status IN (?, ?) AND end_time IS NOT NULL
		ORDER BY end_time DESC
		LIMIT 1`,
		string(syncType), string(SyncSuccess), string(SyncPartial)).Scan(&end)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying last sync: %w", err)
	}
	return parseNullableTime(end), nil
}

func (r *SQLiteRepository) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(s rowScanner) (*Employee, error) {
	var (
		e                    Employee
		dept, pos, card      sql.NullString
		active               int
		createdAt, updatedAt string
	)
	if err := s.Scan(&e.ID, &e.UserID, &e.Name, &dept, &pos, &card, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Department = dept.String
	e.Position = pos.String
	e.CardNumber = card.String
	e.IsActive = active != 0
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		rec                      Record
		ts, createdAt, updatedAt string
		synced                   int
	)
	if err := s.Scan(&rec.ID, &rec.EmployeeID, &rec.UserID, &ts, &rec.Type, &rec.Method,
		&rec.DeviceID, &rec.Source, &synced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Timestamp = parseTime(ts)
	rec.Synced = synced != 0
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func scanSyncLog(s rowScanner) (*SyncLog, error) {
	var (
		l           SyncLog
		errMsg, end sql.NullString
		start       string
	)
	if err := s.Scan(&l.ID, &l.DeviceID, &l.SyncType, &l.Status, &l.RecordCount, &errMsg,
		&l.Attempts, &start, &end); err != nil {
		return nil, err
	}
	l.ErrorMessage = errMsg.String
	l.StartTime = parseTime(start)
	l.EndTime = parseNullableTime(end)
	return &l, nil
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
	return t.UTC().Format(timeLayout)
}

// parseTime ignores errors; every stored timestamp is written by formatTime.
func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s) //nolint:errcheck // format is controlled
	return t
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError reports whether err is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
