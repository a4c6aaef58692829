package zkteco

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Attendance record layout (little-endian, fixed size):
//
//	Byte 0-3:   User id (uint32, 0 is the empty-slot sentinel)
//	Byte 4-7:   Timestamp (uint32 unix seconds)
//	Byte 8:     Punch type code
//	Byte 9:     Verify method code
//	Byte 10-11: Device id (uint16)
//	Byte 12-15: Padding
const AttendanceRecordSize = 16

// Capture file names inside a capture directory.
const (
	AttendanceCaptureFile = "attlog.dat"
	RosterCaptureFile     = "user.dat"
)

// rosterFieldCount is userId,name,cardNumber,department,position.
const rosterFieldCount = 5

// Punch is a single attendance event as recorded by the device.
// Type and Method carry the raw device codes.
type Punch struct {
	UserID    string
	Timestamp time.Time
	Type      uint8
	Method    uint8
	DeviceID  string
}

// RosterEntry is a user as enrolled on the device.
type RosterEntry struct {
	UserID     string
	Name       string
	CardNumber string
	Department string
	Position   string
}

// DecodeAttendance parses fixed-size attendance records.
//
// Records with a zero user id or a zero timestamp are skipped and logged.
// A trailing partial record is ignored. The result is sorted by timestamp,
// most recent first; punches with equal timestamps keep device order.
func DecodeAttendance(data []byte, logger Logger) []Punch {
	count := len(data) / AttendanceRecordSize
	punches := make([]Punch, 0, count)

	for i := range count {
		offset := i * AttendanceRecordSize
		rec := data[offset : offset+AttendanceRecordSize]

		userID := binary.LittleEndian.Uint32(rec[0:4])
		if userID == 0 {
			logSkip(logger, "skipping attendance record with empty user id", "offset", offset)
			continue
		}

		epoch := binary.LittleEndian.Uint32(rec[4:8])
		if epoch == 0 {
			logSkip(logger, "skipping attendance record with invalid timestamp",
				"offset", offset, "user_id", userID)
			continue
		}

		punches = append(punches, Punch{
			UserID:    strconv.FormatUint(uint64(userID), 10),
			Timestamp: time.Unix(int64(epoch), 0).UTC(),
			Type:      rec[8],
			Method:    rec[9],
			DeviceID:  strconv.FormatUint(uint64(binary.LittleEndian.Uint16(rec[10:12])), 10),
		})
	}

	if rem := len(data) % AttendanceRecordSize; rem != 0 {
		logSkip(logger, "ignoring trailing partial attendance record", "bytes", rem)
	}

	slices.SortStableFunc(punches, func(a, b Punch) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return punches
}

// EncodeAttendance serialises punches in the device record layout.
// User and device ids must be decimal strings that fit the field widths.
func EncodeAttendance(punches []Punch) ([]byte, error) {
	buf := make([]byte, len(punches)*AttendanceRecordSize)
	for i, p := range punches {
		userID, err := strconv.ParseUint(p.UserID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("punch %d: user id %q: %w", i, p.UserID, err)
		}
		var deviceID uint64
		if p.DeviceID != "" {
			deviceID, err = strconv.ParseUint(p.DeviceID, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("punch %d: device id %q: %w", i, p.DeviceID, err)
			}
		}
		epoch := p.Timestamp.Unix()
		if epoch < 0 || epoch > int64(^uint32(0)) {
			return nil, fmt.Errorf("punch %d: timestamp %s out of range", i, p.Timestamp)
		}

		rec := buf[i*AttendanceRecordSize : (i+1)*AttendanceRecordSize]
		binary.LittleEndian.PutUint32(rec[0:4], uint32(userID))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(epoch))
		rec[8] = p.Type
		rec[9] = p.Method
		binary.LittleEndian.PutUint16(rec[10:12], uint16(deviceID))
	}
	return buf, nil
}

// DecodeRoster parses newline-delimited, comma-separated roster entries.
// Blank lines and entries with fewer than two fields are skipped.
func DecodeRoster(data []byte, logger Logger) []RosterEntry {
	var entries []RosterEntry

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fields := strings.Split(text, ",")
		if len(fields) < 2 {
			logSkip(logger, "skipping roster entry with too few fields", "line", line)
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if fields[0] == "" {
			logSkip(logger, "skipping roster entry with empty user id", "line", line)
			continue
		}

		entry := RosterEntry{UserID: fields[0], Name: fields[1]}
		if len(fields) > 2 {
			entry.CardNumber = fields[2]
		}
		if len(fields) > 3 {
			entry.Department = fields[3]
		}
		if len(fields) > 4 {
			entry.Position = fields[4]
		}
		entries = append(entries, entry)
	}
	return entries
}

// EncodeRoster serialises roster entries in the device text layout.
func EncodeRoster(entries []RosterEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		fields := [rosterFieldCount]string{e.UserID, e.Name, e.CardNumber, e.Department, e.Position}
		b.WriteString(strings.Join(fields[:], ","))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// RecordSource supplies raw attendance and roster payloads.
type RecordSource interface {
	AttendanceData(ctx context.Context) ([]byte, error)
	RosterData(ctx context.Context) ([]byte, error)
}

// FileSource reads payloads from an offline capture directory.
type FileSource struct {
	Dir string
}

var _ RecordSource = FileSource{}

// AttendanceData reads the attendance capture file.
func (s FileSource) AttendanceData(_ context.Context) ([]byte, error) {
	return s.read(AttendanceCaptureFile)
}

// RosterData reads the roster capture file.
func (s FileSource) RosterData(_ context.Context) ([]byte, error) {
	return s.read(RosterCaptureFile)
}

func (s FileSource) read(name string) ([]byte, error) {
	path := filepath.Join(s.Dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: capture file %s not found", ErrSourceUnavailable, path)
		}
		return nil, fmt.Errorf("%w: reading %s: %w", ErrSourceUnavailable, path, err)
	}
	return data, nil
}

// liveSource reads payloads from a connected device.
type liveSource struct {
	t *Transport
}

var _ RecordSource = liveSource{}

func (s liveSource) AttendanceData(ctx context.Context) ([]byte, error) {
	return s.read(ctx, CmdAttLogRead)
}

func (s liveSource) RosterData(ctx context.Context) ([]byte, error) {
	return s.read(ctx, CmdUserRead)
}

func (s liveSource) read(ctx context.Context, command uint16) ([]byte, error) {
	resp, err := s.t.Send(ctx, command, nil)
	if err != nil {
		return nil, err
	}
	switch resp.Command {
	case CmdAckData:
		return resp.Payload, nil
	case CmdAckOK:
		// An OK with no data block means the device has nothing to report.
		return resp.Payload, nil
	case CmdAckError:
		return nil, fmt.Errorf("%w: command %d", ErrCommandRejected, command)
	default:
		return nil, fmt.Errorf("%w: unexpected reply %d to command %d", ErrSourceUnavailable, resp.Command, command)
	}
}

func logSkip(logger Logger, msg string, keysAndValues ...any) {
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
