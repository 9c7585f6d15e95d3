package clock

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// ntpEpochOffset is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// sampleOffset performs a minimal SNTP round trip against host (RFC 4330)
// and returns the offset between the server's clock and the local wall
// clock: positive means the local clock is behind. No third-party NTP
// client exists anywhere in the example pack (see DESIGN.md); the SNTP
// client request/response is a fixed 48-byte packet, simple enough that
// reaching for net.Dial("udp", ...) directly is the pragmatic choice.
func sampleOffset(host string, timeout time.Duration) (time.Duration, error) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(host, "123"), timeout)
	if err != nil {
		return 0, fmt.Errorf("dialing ntp host %s: %w", host, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var req [48]byte
	req[0] = 0x1B // LI=0 (no warning), VN=3, Mode=3 (client)

	t0 := time.Now()
	if _, err := conn.Write(req[:]); err != nil {
		return 0, fmt.Errorf("writing ntp request: %w", err)
	}

	var resp [48]byte
	if _, err := conn.Read(resp[:]); err != nil {
		return 0, fmt.Errorf("reading ntp response: %w", err)
	}
	t3 := time.Now()

	// Transmit Timestamp is bytes 40-47: 32-bit seconds since the NTP
	// epoch, 32-bit fraction.
	secs := binary.BigEndian.Uint32(resp[40:44])
	frac := binary.BigEndian.Uint32(resp[44:48])
	serverSecs := int64(secs) - ntpEpochOffset
	serverNanos := int64(float64(frac) / (1 << 32) * 1e9)
	serverTime := time.Unix(serverSecs, serverNanos)

	// Approximate offset ignoring the precise NTP round-trip-delay
	// formula: treat the response as arriving at the midpoint of the
	// request/response round trip.
	rtt := t3.Sub(t0)
	localMidpoint := t0.Add(rtt / 2)
	return serverTime.Sub(localMidpoint), nil
}
