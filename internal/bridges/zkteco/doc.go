// Package zkteco implements the client side of the ZKTeco biometric terminal
// protocol used by the attendance sync.
//
// The package is layered leaf-first:
//
//	frame.go      Wire codec: magic, command, session, payload, checksum
//	transport.go  One TCP connection, strictly sequential request/reply
//	records.go    Attendance and roster payload decoding, capture files
//	client.go     Device facade used by the rest of the system
//
// # Frames
//
// Every frame is little-endian:
//
//	[magic 0x50505050][command uint16][session uint16][payload...][checksum uint16]
//
// On the socket each frame is preceded by a uint32 length so the reader can
// split a byte stream back into frames.
//
// # Retry policy
//
// Nothing in this package retries or reconnects. A timed-out exchange drops
// the transport to Disconnected and returns ErrTimeout; the caller decides
// whether to reconnect.
//
// Example:
//
//	client, err := zkteco.Connect(ctx, zkteco.Config{IP: "192.168.10.201", Port: 4370})
//	if err != nil {
//	    return err
//	}
//	defer client.Disconnect()
//
//	punches, err := client.GetAttendanceRecords(ctx, nil)
package zkteco
