// Package attendance holds the persisted domain of the attendance sync:
// employees, attendance records, sync logs and devices, the fixed mapping
// from device codes to domain enumerations, and the SQLite-backed store.
//
// The natural keys are:
//   - Employee.UserID ties a domain employee to the device user id.
//   - (EmployeeID, UserID, Timestamp, Type) identifies one punch.
//   - Device.IPAddress identifies a terminal.
package attendance
