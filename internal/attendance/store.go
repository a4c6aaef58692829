package attendance

import (
	"context"
	"time"
)

// Store is the persistence surface the reconciliation engine and sync
// orchestration depend on. Implementations must make each call atomic on
// its own; no call spans more than one record.
type Store interface {
	// FindEmployeeByUserID returns the employee with the given device user id.
	// Returns ErrEmployeeNotFound if there is none.
	FindEmployeeByUserID(ctx context.Context, userID string) (*Employee, error)

	// CreateEmployee inserts e, assigning ID and timestamps when unset.
	// Returns ErrEmployeeExists if the user id is taken.
	CreateEmployee(ctx context.Context, e *Employee) error

	// FindAttendanceRecord returns the record identified by the punch key.
	// Returns ErrRecordNotFound if there is none.
	FindAttendanceRecord(ctx context.Context, employeeID, userID string, ts time.Time, typ PunchType) (*Record, error)

	// CreateAttendanceRecord inserts r, assigning ID and timestamps when unset.
	// Returns ErrRecordExists if the punch key is already stored.
	CreateAttendanceRecord(ctx context.Context, r *Record) error

	// UpdateAttendanceRecord writes the method, device id and synced flag of r.
	// Returns ErrRecordNotFound if r.ID does not exist.
	UpdateAttendanceRecord(ctx context.Context, r *Record) error

	// UpsertDevice creates or updates the device with the given ip address.
	UpsertDevice(ctx context.Context, ipAddress string, fields DeviceFields) (*Device, error)

	// CreateSyncLog inserts l, assigning ID and StartTime when unset.
	CreateSyncLog(ctx context.Context, l *SyncLog) error

	// UpdateSyncLog moves an IN_PROGRESS log to its terminal state.
	// Returns ErrSyncLogNotFound or ErrSyncLogFinalized.
	UpdateSyncLog(ctx context.Context, id string, u SyncLogUpdate) error
}

// Repository extends Store with the queries used by reporting and the API.
type Repository interface {
	Store

	// UpdateEmployee writes the mutable employee fields.
	// Returns ErrEmployeeNotFound if e.ID does not exist.
	UpdateEmployee(ctx context.Context, e *Employee) error

	// ListEmployees returns all employees ordered by user id.
	ListEmployees(ctx context.Context) ([]Employee, error)

	// ListAttendance returns records newest first.
	ListAttendance(ctx context.Context, f RecordFilter) ([]Record, error)

	// CountAttendance returns the number of stored records.
	CountAttendance(ctx context.Context) (int, error)

	// CountPendingAttendance returns the number of records not yet synced.
	CountPendingAttendance(ctx context.Context) (int, error)

	// MarkAllAttendanceSynced flips every unsynced record and returns how many changed.
	MarkAllAttendanceSynced(ctx context.Context) (int, error)

	// GetSyncLog returns a sync log by id.
	GetSyncLog(ctx context.Context, id string) (*SyncLog, error)

	// ListSyncLogs returns the most recent logs, newest first.
	ListSyncLogs(ctx context.Context, limit int) ([]SyncLog, error)

	// LastSuccessfulSync returns the end time of the newest SUCCESS or PARTIAL
	// run of the given type, or nil if there has been none.
	LastSuccessfulSync(ctx context.Context, syncType SyncType) (*time.Time, error)

	// GetDevice returns the device with the given ip address.
	// Returns ErrDeviceNotFound if there is none.
	GetDevice(ctx context.Context, ipAddress string) (*Device, error)
}
