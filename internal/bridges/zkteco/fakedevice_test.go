package zkteco

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
)

const fakeSession uint16 = 0x1234

// fakeDevice is a TCP server speaking the device frame protocol.
type fakeDevice struct {
	listener net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	received []Frame
	accepted int

	// commKey, when non-zero, makes connect answer CmdAckUnauth.
	commKey uint32
	info    DeviceInfo
	attlog  []byte
	roster  []byte

	// silent commands get no reply; corrupt commands get a bad checksum.
	silent  map[uint16]bool
	corrupt map[uint16]bool
	reject  map[uint16]bool
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	d := &fakeDevice{
		listener: listener,
		info:     DeviceInfo{SerialNumber: "CKUH211960046", Model: "K40 Pro", Firmware: "Ver 6.60", TotalUsers: 2, TotalLogs: 3},
		silent:   map[uint16]bool{},
		corrupt:  map[uint16]bool{},
		reject:   map[uint16]bool{},
	}
	go d.acceptLoop()
	t.Cleanup(d.Close)
	return d
}

func (d *fakeDevice) Address() string {
	return d.listener.Addr().String()
}

func (d *fakeDevice) Port() int {
	return d.listener.Addr().(*net.TCPAddr).Port
}

func (d *fakeDevice) Close() {
	d.listener.Close()
	d.mu.Lock()
	for _, c := range d.conns {
		c.Close()
	}
	d.mu.Unlock()
}

func (d *fakeDevice) Accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

func (d *fakeDevice) Received() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Frame, len(d.received))
	copy(out, d.received)
	return out
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

func (d *fakeDevice) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.accepted++
		d.mu.Unlock()
		go d.serve(conn)
	}
}

func (d *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}

		d.mu.Lock()
		d.received = append(d.received, frame)
		silent := d.silent[frame.Command]
		corrupt := d.corrupt[frame.Command]
		reject := d.reject[frame.Command]
		commKey := d.commKey
		info := d.info
		attlog := d.attlog
		roster := d.roster
		d.mu.Unlock()

		if silent {
			continue
		}

		reply, payload := CmdAckOK, []byte(nil)
		switch {
		case reject:
			reply = CmdAckError
		case frame.Command == CmdConnect && commKey != 0:
			reply = CmdAckUnauth
		case frame.Command == CmdAuth:
			if len(frame.Payload) != 4 || binary.LittleEndian.Uint32(frame.Payload) != commKey {
				reply = CmdAckError
			}
		case frame.Command == CmdGetInfo:
			reply, payload = CmdAckData, EncodeDeviceInfo(info)
		case frame.Command == CmdAttLogRead:
			reply, payload = CmdAckData, attlog
		case frame.Command == CmdUserRead:
			reply, payload = CmdAckData, roster
		}

		if err := writeTestFrame(conn, reply, fakeSession, payload, corrupt); err != nil {
			return
		}
		if frame.Command == CmdExit {
			return
		}
	}
}

// PushEvent sends a realtime event frame on the most recent connection.
func (d *fakeDevice) PushEvent(t *testing.T, payload []byte) {
	t.Helper()

	d.mu.Lock()
	var conn net.Conn
	if len(d.conns) > 0 {
		conn = d.conns[len(d.conns)-1]
	}
	d.mu.Unlock()

	if conn == nil {
		t.Fatal("PushEvent: no connection")
	}
	if err := writeTestFrame(conn, CmdRegEvent, fakeSession, payload, false); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
}

func writeTestFrame(w io.Writer, command, session uint16, payload []byte, corrupt bool) error {
	frame, err := EncodeCommand(command, session, payload)
	if err != nil {
		return err
	}
	if corrupt {
		frame[len(frame)-1] ^= 0xFF
	}
	buf := make([]byte, envelopeSize+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[envelopeSize:], frame)
	_, err = w.Write(buf)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
