package zkteco

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func connectTestTransport(t *testing.T, d *fakeDevice, cfg TransportConfig) *Transport {
	t.Helper()

	cfg.Address = d.Address()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	tr := NewTransport(cfg)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestTransportStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.state), got, tt.want)
		}
	}
}

func TestTransportDefaultTimeout(t *testing.T) {
	tr := NewTransport(TransportConfig{Address: "127.0.0.1:1"})
	if tr.cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", tr.cfg.Timeout, DefaultTimeout)
	}
	if tr.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", tr.State())
	}
}

func TestTransportConnectAndSend(t *testing.T) {
	d := newFakeDevice(t)
	tr := connectTestTransport(t, d, TransportConfig{})

	if tr.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", tr.State())
	}
	if tr.SessionID() != fakeSession {
		t.Errorf("SessionID() = 0x%04X, want 0x%04X", tr.SessionID(), fakeSession)
	}

	resp, err := tr.Send(context.Background(), CmdGetInfo, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.Command != CmdAckData {
		t.Errorf("reply command = %d, want %d", resp.Command, CmdAckData)
	}

	received := d.Received()
	if len(received) != 2 {
		t.Fatalf("device received %d frames, want 2", len(received))
	}
	if received[0].Command != CmdConnect || received[0].Session != 0 {
		t.Errorf("first frame = cmd %d session %d, want connect with session 0", received[0].Command, received[0].Session)
	}
	if received[1].Session != fakeSession {
		t.Errorf("request session = 0x%04X, want 0x%04X", received[1].Session, fakeSession)
	}

	stats := tr.Stats()
	if stats.FramesTx != 2 || stats.FramesRx != 2 {
		t.Errorf("Stats() tx=%d rx=%d, want 2/2", stats.FramesTx, stats.FramesRx)
	}
}

func TestTransportConnectIdempotent(t *testing.T) {
	d := newFakeDevice(t)
	tr := connectTestTransport(t, d, TransportConfig{})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := d.Accepted(); got != 1 {
		t.Errorf("device accepted %d connections, want 1", got)
	}
}

func TestTransportConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	tr := NewTransport(TransportConfig{Address: addr, Timeout: time.Second})
	err = tr.Connect(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Connect() error = %v, want ErrConnect", err)
	}
	if tr.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", tr.State())
	}
}

func TestTransportConnectHandshakeTimeout(t *testing.T) {
	d := newFakeDevice(t)
	d.set(func(d *fakeDevice) { d.silent[CmdConnect] = true })

	tr := NewTransport(TransportConfig{Address: d.Address(), Timeout: 100 * time.Millisecond})
	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Connect() error = %v, want ErrConnect", err)
	}
	if tr.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", tr.State())
	}
}

func TestTransportSendNotConnected(t *testing.T) {
	tr := NewTransport(TransportConfig{Address: "127.0.0.1:1"})

	_, err := tr.Send(context.Background(), CmdGetInfo, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestTransportSendTimeoutDisconnects(t *testing.T) {
	d := newFakeDevice(t)
	d.set(func(d *fakeDevice) { d.silent[CmdGetInfo] = true })
	tr := connectTestTransport(t, d, TransportConfig{Timeout: 100 * time.Millisecond})

	_, err := tr.Send(context.Background(), CmdGetInfo, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send() error = %v, want ErrTimeout", err)
	}
	if tr.State() != StateDisconnected {
		t.Errorf("State() after timeout = %v, want disconnected", tr.State())
	}
	if tr.Stats().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", tr.Stats().Timeouts)
	}

	_, err = tr.Send(context.Background(), CmdGetInfo, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after timeout error = %v, want ErrNotConnected", err)
	}
}

func TestTransportChecksumMismatchKeepsConnection(t *testing.T) {
	d := newFakeDevice(t)
	d.set(func(d *fakeDevice) { d.corrupt[CmdGetInfo] = true })
	tr := connectTestTransport(t, d, TransportConfig{})

	_, err := tr.Send(context.Background(), CmdGetInfo, nil)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Send() error = %v, want ErrChecksumMismatch", err)
	}
	if !tr.IsConnected() {
		t.Fatal("IsConnected() = false after checksum mismatch, want true")
	}

	d.set(func(d *fakeDevice) { d.corrupt[CmdGetInfo] = false })
	if _, err := tr.Send(context.Background(), CmdGetInfo, nil); err != nil {
		t.Errorf("Send() after recovery error = %v", err)
	}
	if tr.Stats().ChecksumFailures != 1 {
		t.Errorf("ChecksumFailures = %d, want 1", tr.Stats().ChecksumFailures)
	}
}

func TestTransportCommKeyAuth(t *testing.T) {
	tests := []struct {
		name    string
		key     uint32
		wantErr bool
	}{
		{name: "matching key", key: 123456},
		{name: "wrong key", key: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDevice(t)
			d.set(func(d *fakeDevice) { d.commKey = 123456 })

			tr := NewTransport(TransportConfig{Address: d.Address(), Timeout: time.Second, CommKey: tt.key})
			err := tr.Connect(context.Background())
			defer tr.Disconnect()

			if tt.wantErr {
				if !errors.Is(err, ErrConnect) {
					t.Errorf("Connect() error = %v, want ErrConnect", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			if !tr.IsConnected() {
				t.Error("IsConnected() = false, want true")
			}
		})
	}
}

func TestTransportDisconnect(t *testing.T) {
	d := newFakeDevice(t)
	tr := connectTestTransport(t, d, TransportConfig{})

	tr.Disconnect()
	tr.Disconnect()

	if tr.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", tr.State())
	}
	if tr.SessionID() != 0 {
		t.Errorf("SessionID() = %d, want 0", tr.SessionID())
	}

	// Reconnecting after an explicit disconnect opens a fresh connection.
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after Disconnect error = %v", err)
	}
	if got := d.Accepted(); got != 2 {
		t.Errorf("device accepted %d connections, want 2", got)
	}
}

func TestTransportDisconnectNeverConnected(t *testing.T) {
	tr := NewTransport(TransportConfig{Address: "127.0.0.1:1"})
	tr.Disconnect()
	if tr.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", tr.State())
	}
}

func TestTransportEvents(t *testing.T) {
	d := newFakeDevice(t)
	tr := connectTestTransport(t, d, TransportConfig{})

	d.PushEvent(t, []byte{0x01, 0x02})

	select {
	case frame := <-tr.Events():
		if frame.Command != CmdRegEvent {
			t.Errorf("event command = %d, want %d", frame.Command, CmdRegEvent)
		}
		if len(frame.Payload) != 2 {
			t.Errorf("event payload = %d bytes, want 2", len(frame.Payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event frame")
	}

	// Events do not disturb request/reply correlation.
	if _, err := tr.Send(context.Background(), CmdGetInfo, nil); err != nil {
		t.Errorf("Send() after event error = %v", err)
	}
}

func TestTransportPeerClose(t *testing.T) {
	d := newFakeDevice(t)
	tr := connectTestTransport(t, d, TransportConfig{})

	d.Close()

	deadline := time.Now().Add(2 * time.Second)
	for tr.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.IsConnected() {
		t.Fatal("IsConnected() = true after peer closed, want false")
	}

	_, err := tr.Send(context.Background(), CmdGetInfo, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}
