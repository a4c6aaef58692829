package attendance

import "time"

// PunchType is the domain kind of an attendance punch.
type PunchType string

const (
	CheckIn     PunchType = "CHECK_IN"
	CheckOut    PunchType = "CHECK_OUT"
	BreakIn     PunchType = "BREAK_IN"
	BreakOut    PunchType = "BREAK_OUT"
	OvertimeIn  PunchType = "OVERTIME_IN"
	OvertimeOut PunchType = "OVERTIME_OUT"
)

// VerifyMethod is how the device verified the user.
type VerifyMethod string

const (
	Password    VerifyMethod = "PASSWORD"
	Fingerprint VerifyMethod = "FINGERPRINT"
	Card        VerifyMethod = "CARD"
	Face        VerifyMethod = "FACE"
)

// Source records where an attendance record came from.
type Source string

const (
	SourceManual Source = "MANUAL"
	SourceZKTeco Source = "ZKTECO"
)

// SyncStatus is the lifecycle state of a sync run.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "IN_PROGRESS"
	SyncSuccess    SyncStatus = "SUCCESS"
	SyncPartial    SyncStatus = "PARTIAL"
	SyncFailed     SyncStatus = "FAILED"
)

// IsTerminal reports whether the status ends a run.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncSuccess || s == SyncPartial || s == SyncFailed
}

// SyncType names what a sync run pulled from the device.
type SyncType string

const (
	SyncAttendance SyncType = "ATTENDANCE"
	SyncEmployees  SyncType = "EMPLOYEES"
)

// DeviceStatus is the last observed device health.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "ONLINE"
	DeviceOffline DeviceStatus = "OFFLINE"
	DeviceError   DeviceStatus = "ERROR"
)

// Employee is a person known to the attendance system. UserID is the
// device user id and is unique.
type Employee struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Department string    `json:"department,omitempty"`
	Position   string    `json:"position,omitempty"`
	CardNumber string    `json:"card_number,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Record is a persisted attendance punch.
type Record struct {
	ID         string       `json:"id"`
	EmployeeID string       `json:"employee_id"`
	UserID     string       `json:"user_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Type       PunchType    `json:"type"`
	Method     VerifyMethod `json:"method"`
	DeviceID   string       `json:"device_id"`
	Source     Source       `json:"source"`
	Synced     bool         `json:"synced"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// SyncLog tracks one sync run. It is created IN_PROGRESS and finalized once.
type SyncLog struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	SyncType     SyncType   `json:"sync_type"`
	Status       SyncStatus `json:"status"`
	RecordCount  int        `json:"record_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
}

// IsStale reports whether the log is still IN_PROGRESS after maxAge, which
// means the process running it died before finalizing.
func (l SyncLog) IsStale(now time.Time, maxAge time.Duration) bool {
	return l.Status == SyncInProgress && now.Sub(l.StartTime) > maxAge
}

// SyncLogUpdate is the terminal state written when a run finishes.
type SyncLogUpdate struct {
	Status       SyncStatus
	RecordCount  int
	ErrorMessage string
	Attempts     int
	EndTime      time.Time
}

// Device is a terminal keyed by its ip address.
type Device struct {
	IPAddress    string       `json:"ip_address"`
	Name         string       `json:"name"`
	Port         int          `json:"port"`
	DeviceID     string       `json:"device_id"`
	Model        string       `json:"model"`
	SerialNumber string       `json:"serial_number,omitempty"`
	Firmware     string       `json:"firmware,omitempty"`
	LastSync     *time.Time   `json:"last_sync,omitempty"`
	Status       DeviceStatus `json:"status"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DeviceFields are the values written by UpsertDevice. Empty SerialNumber
// and Firmware, and a nil LastSync, keep the stored values.
type DeviceFields struct {
	Name         string
	Port         int
	DeviceID     string
	Model        string
	SerialNumber string
	Firmware     string
	LastSync     *time.Time
	Status       DeviceStatus
}

// RecordFilter narrows ListAttendance. Zero values are unbounded.
type RecordFilter struct {
	Start  time.Time
	End    time.Time
	UserID string
	Limit  int
}
