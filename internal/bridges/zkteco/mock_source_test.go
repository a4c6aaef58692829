package zkteco

import (
	"context"
	"sync/atomic"
)

// MockRecordSource serves fixture punches and roster entries. It lives in a
// test file so production builds can never fall back to fabricated data.
type MockRecordSource struct {
	Punches []Punch
	Roster  []RosterEntry
	Err     error

	attendanceCalls atomic.Int32
	rosterCalls     atomic.Int32
}

var _ RecordSource = (*MockRecordSource)(nil)

func (m *MockRecordSource) AttendanceData(_ context.Context) ([]byte, error) {
	m.attendanceCalls.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	return EncodeAttendance(m.Punches)
}

func (m *MockRecordSource) RosterData(_ context.Context) ([]byte, error) {
	m.rosterCalls.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	return EncodeRoster(m.Roster), nil
}
