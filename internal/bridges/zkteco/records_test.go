package zkteco

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recordingLogger collects warnings for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}
func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

func rawRecord(userID, epoch uint32, typ, method uint8, deviceID uint16) []byte {
	rec := make([]byte, AttendanceRecordSize)
	binary.LittleEndian.PutUint32(rec[0:4], userID)
	binary.LittleEndian.PutUint32(rec[4:8], epoch)
	rec[8] = typ
	rec[9] = method
	binary.LittleEndian.PutUint16(rec[10:12], deviceID)
	return rec
}

func TestDecodeAttendance(t *testing.T) {
	const base = 1_700_000_000

	var data []byte
	data = append(data, rawRecord(1001, base, 0, 1, 1)...)
	data = append(data, rawRecord(0, base+10, 1, 1, 1)...)    // empty slot
	data = append(data, rawRecord(1002, 0, 1, 1, 1)...)       // no timestamp
	data = append(data, rawRecord(1003, base+60, 1, 2, 7)...) // newest
	data = append(data, 0xDE, 0xAD)                           // trailing partial

	logger := &recordingLogger{}
	punches := DecodeAttendance(data, logger)

	if len(punches) != 2 {
		t.Fatalf("len(punches) = %d, want 2", len(punches))
	}
	if logger.count() != 3 {
		t.Errorf("logged %d skips, want 3", logger.count())
	}

	want := []Punch{
		{UserID: "1003", Timestamp: time.Unix(base+60, 0).UTC(), Type: 1, Method: 2, DeviceID: "7"},
		{UserID: "1001", Timestamp: time.Unix(base, 0).UTC(), Type: 0, Method: 1, DeviceID: "1"},
	}
	for i := range want {
		if punches[i] != want[i] {
			t.Errorf("punches[%d] = %+v, want %+v", i, punches[i], want[i])
		}
	}
}

func TestDecodeAttendanceStableOrder(t *testing.T) {
	const ts = 1_700_000_000

	var data []byte
	data = append(data, rawRecord(1, ts, 0, 0, 1)...)
	data = append(data, rawRecord(2, ts, 0, 0, 1)...)
	data = append(data, rawRecord(3, ts, 0, 0, 1)...)

	punches := DecodeAttendance(data, nil)
	for i, id := range []string{"1", "2", "3"} {
		if punches[i].UserID != id {
			t.Errorf("punches[%d].UserID = %q, want %q", i, punches[i].UserID, id)
		}
	}
}

func TestDecodeAttendanceEmpty(t *testing.T) {
	if got := DecodeAttendance(nil, nil); len(got) != 0 {
		t.Errorf("DecodeAttendance(nil) = %d punches, want 0", len(got))
	}
}

func TestEncodeAttendance(t *testing.T) {
	punches := []Punch{
		{UserID: "42", Timestamp: time.Unix(1_700_000_000, 0).UTC(), Type: 5, Method: 3, DeviceID: "2"},
	}

	data, err := EncodeAttendance(punches)
	if err != nil {
		t.Fatalf("EncodeAttendance() error = %v", err)
	}
	if len(data) != AttendanceRecordSize {
		t.Fatalf("len(data) = %d, want %d", len(data), AttendanceRecordSize)
	}
	if got := DecodeAttendance(data, nil); len(got) != 1 || got[0] != punches[0] {
		t.Errorf("DecodeAttendance(EncodeAttendance()) = %+v, want %+v", got, punches)
	}

	if _, err := EncodeAttendance([]Punch{{UserID: "abc", Timestamp: time.Unix(1, 0)}}); err == nil {
		t.Error("EncodeAttendance() with non-numeric user id: expected error")
	}
}

func TestDecodeRoster(t *testing.T) {
	data := []byte("1001,Alice Mwangi,CARD01,Engineering,Technician\n" +
		"\n" +
		"loner\n" +
		" 1002 , Brian Otieno \n" +
		",Nobody,,,\n" +
		"1003,Carol,,,Manager\r\n")

	logger := &recordingLogger{}
	entries := DecodeRoster(data, logger)

	want := []RosterEntry{
		{UserID: "1001", Name: "Alice Mwangi", CardNumber: "CARD01", Department: "Engineering", Position: "Technician"},
		{UserID: "1002", Name: "Brian Otieno"},
		{UserID: "1003", Name: "Carol", Position: "Manager"},
	}
	if len(entries) != len(want) {
		t.Fatalf("len(entries) = %d, want %d: %+v", len(entries), len(want), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entries[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}
	if logger.count() != 2 {
		t.Errorf("logged %d skips, want 2", logger.count())
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	src := FileSource{Dir: dir}

	t.Run("missing attendance file", func(t *testing.T) {
		_, err := src.AttendanceData(context.Background())
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("AttendanceData() error = %v, want ErrSourceUnavailable", err)
		}
	})

	t.Run("missing roster file", func(t *testing.T) {
		_, err := src.RosterData(context.Background())
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("RosterData() error = %v, want ErrSourceUnavailable", err)
		}
	})

	t.Run("present files", func(t *testing.T) {
		att := rawRecord(7, 1_700_000_000, 1, 1, 1)
		if err := os.WriteFile(filepath.Join(dir, AttendanceCaptureFile), att, 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, RosterCaptureFile), []byte("7,Grace\n"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		data, err := src.AttendanceData(context.Background())
		if err != nil {
			t.Fatalf("AttendanceData() error = %v", err)
		}
		if len(data) != AttendanceRecordSize {
			t.Errorf("len(data) = %d, want %d", len(data), AttendanceRecordSize)
		}

		roster, err := src.RosterData(context.Background())
		if err != nil {
			t.Fatalf("RosterData() error = %v", err)
		}
		if string(roster) != "7,Grace\n" {
			t.Errorf("RosterData() = %q", roster)
		}
	})
}
