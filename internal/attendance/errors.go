package attendance

import "errors"

// Domain errors for the attendance package.
var (
	// ErrEmployeeNotFound is returned when no employee has the given user id.
	ErrEmployeeNotFound = errors.New("attendance: employee not found")

	// ErrEmployeeExists is returned when creating an employee whose user id is taken.
	ErrEmployeeExists = errors.New("attendance: employee already exists")

	// ErrRecordNotFound is returned when no attendance record matches.
	ErrRecordNotFound = errors.New("attendance: record not found")

	// ErrRecordExists is returned when inserting a punch that is already stored.
	ErrRecordExists = errors.New("attendance: record already exists")

	// ErrSyncLogNotFound is returned when a sync log id does not exist.
	ErrSyncLogNotFound = errors.New("attendance: sync log not found")

	// ErrSyncLogFinalized is returned when updating a sync log that already
	// reached a terminal status.
	ErrSyncLogFinalized = errors.New("attendance: sync log already finalized")

	// ErrDeviceNotFound is returned when no device has the given ip address.
	ErrDeviceNotFound = errors.New("attendance: device not found")

	// ErrInvalid is returned when an entity fails validation.
	ErrInvalid = errors.New("attendance: invalid entity")
)
