package driver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jduanen/CritterDetector/internal/model"
)

const (
	// cmdPrefix is sent before every command byte.
	cmdPrefix = 0xA5

	cmdStartScan  = 0x60
	cmdStopScan   = 0x65
	cmdDeviceInfo = 0x90
	cmdHealth     = 0x92

	// Response descriptor header: A5 5A, 30-bit length + 2-bit mode, type code.
	respSync1 = 0xA5
	respSync2 = 0x5A

	respTypeInfo   = 0x04
	respTypeHealth = 0x06
	respTypeScan   = 0x81

	// Point cloud packet header, 0x55AA little endian.
	packetSync1      = 0xAA
	packetSync2      = 0x55
	packetHeaderSize = 10

	// bytesPerSample is the width of an intensity-mode sample.
	bytesPerSample = 3

	healthOK      = 0x00
	healthWarning = 0x01
	healthError   = 0x02
)

var (
	// ErrChecksum is returned for a packet whose check code does not match.
	ErrChecksum = errors.New("packet checksum mismatch")

	// ErrBadDescriptor is returned when a response descriptor has an unexpected type.
	ErrBadDescriptor = errors.New("unexpected response descriptor")
)

// command returns the two byte request for a command code.
func command(code byte) []byte {
	return []byte{cmdPrefix, code}
}

// descriptor is the header that precedes every command response.
type descriptor struct {
	Length   uint32
	Mode     uint8
	TypeCode uint8
}

// readDescriptor syncs on A5 5A and decodes the response descriptor.
func readDescriptor(r *bufio.Reader) (descriptor, error) {
	if err := syncOn(r, respSync1, respSync2); err != nil {
		return descriptor{}, err
	}
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return descriptor{}, err
	}
	v := binary.LittleEndian.Uint32(buf[:4])
	return descriptor{
		Length:   v & 0x3FFFFFFF,
		Mode:     uint8(v >> 30),
		TypeCode: buf[4],
	}, nil
}

// deviceInfo is the reply to the device information command.
type deviceInfo struct {
	Model    byte
	Firmware string
	Hardware byte
	Serial   string
}

func decodeDeviceInfo(b []byte) (deviceInfo, error) {
	if len(b) < 20 {
		return deviceInfo{}, fmt.Errorf("short device info: %d bytes", len(b))
	}
	serial := make([]byte, 16)
	for i, c := range b[4:20] {
		serial[i] = '0' + c%10
	}
	return deviceInfo{
		Model:    b[0],
		Firmware: fmt.Sprintf("%d.%d", b[2], b[1]),
		Hardware: b[3],
		Serial:   string(serial),
	}, nil
}

// packet is one decoded point cloud packet.
type packet struct {
	// Start marks the first packet of a revolution.
	Start  bool
	Points []model.ScanPoint
}

// syncOn discards input until the two byte marker has been read.
func syncOn(r *bufio.Reader, first, second byte) error {
	prev := byte(0)
	seen := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if seen && prev == first && b == second {
			return nil
		}
		prev, seen = b, true
	}
}

// readPacket reads and decodes the next point cloud packet.
func readPacket(r *bufio.Reader) (packet, error) {
	if err := syncOn(r, packetSync1, packetSync2); err != nil {
		return packet{}, err
	}

	header := make([]byte, packetHeaderSize)
	header[0], header[1] = packetSync1, packetSync2
	if _, err := io.ReadFull(r, header[2:]); err != nil {
		return packet{}, err
	}

	n := int(header[3])
	payload := make([]byte, n*bytesPerSample)
	if _, err := io.ReadFull(r, payload); err != nil {
		return packet{}, err
	}
	return decodePacket(header, payload)
}

// decodePacket validates the check code and converts samples to points.
// Angles are interpolated between the first and last sample angle and mapped
// to -180..180.
func decodePacket(header, payload []byte) (packet, error) {
	if len(header) != packetHeaderSize {
		return packet{}, fmt.Errorf("bad header length %d", len(header))
	}
	ct, lsn := header[2], int(header[3])
	fsa := binary.LittleEndian.Uint16(header[4:6])
	lsa := binary.LittleEndian.Uint16(header[6:8])
	cs := binary.LittleEndian.Uint16(header[8:10])
	if len(payload) != lsn*bytesPerSample {
		return packet{}, fmt.Errorf("bad payload length %d for %d samples", len(payload), lsn)
	}

	if got := checksum(header, payload); got != cs {
		return packet{}, fmt.Errorf("%w: got %#04x, want %#04x", ErrChecksum, got, cs)
	}

	first := float64(fsa>>1) / 64
	last := float64(lsa>>1) / 64
	diff := last - first
	if diff < 0 {
		diff += 360
	}

	pkt := packet{Start: ct&0x01 == 0x01, Points: make([]model.ScanPoint, 0, lsn)}
	for i := 0; i < lsn; i++ {
		s := payload[i*bytesPerSample : (i+1)*bytesPerSample]
		intensity := int(s[0]) | int(s[1]&0x03)<<8
		distMM := int(s[2])<<6 | int(s[1])>>2

		angle := first
		if lsn > 1 {
			angle += diff * float64(i) / float64(lsn-1)
		}
		pkt.Points = append(pkt.Points, model.ScanPoint{
			Angle:     normalizeAngle(angle),
			Distance:  float64(distMM) / 1000,
			Intensity: intensity,
		})
	}
	return pkt, nil
}

// checksum XORs the little endian words of the packet, skipping the check
// code itself. Each intensity sample contributes its intensity byte and the
// distance word separately.
func checksum(header, payload []byte) uint16 {
	cs := binary.LittleEndian.Uint16(header[0:2])
	cs ^= binary.LittleEndian.Uint16(header[2:4])
	cs ^= binary.LittleEndian.Uint16(header[4:6])
	cs ^= binary.LittleEndian.Uint16(header[6:8])
	for i := 0; i+bytesPerSample <= len(payload); i += bytesPerSample {
		cs ^= uint16(payload[i])
		cs ^= uint16(payload[i+1]) | uint16(payload[i+2])<<8
	}
	return cs
}

// normalizeAngle maps a 0..360 device angle to -180..180.
func normalizeAngle(a float64) float64 {
	for a >= 360 {
		a -= 360
	}
	if a > 180 {
		a -= 360
	}
	return a
}
