package mcm3000

import (
	"encoding/binary"
	"fmt"
)

// Command opcodes, little-endian on the wire. The MCM3000 speaks a small
// subset of the Thorlabs APT message set.
const (
	opReqPosCounter byte = 0x0A // 0x040A: request encoder count
	opSetPosCounter byte = 0x09 // 0x0409: overwrite encoder count (zeroing)
	opMoveAbsolute  byte = 0x53 // 0x0453: move to absolute encoder count
	opFamily        byte = 0x04 // second opcode byte shared by all three
)

// PositionResponseLength is the fixed size of the reply to a position
// request. Byte 6 echoes the channel index; the final four bytes hold the
// signed little-endian encoder count.
const PositionResponseLength = 12

// payloadLength is the fixed data length declared by the two write-style
// commands (2-byte channel index + 4-byte encoder value).
const payloadLength = 0x06

// EncodeGetPosition builds the 6-byte encoder count request for the given
// internal channel index.
func EncodeGetPosition(idx ChannelIndex) []byte {
	return []byte{opReqPosCounter, opFamily, byte(idx), 0x00, 0x00, 0x00}
}

// DecodePositionResponse extracts the signed encoder count from a position
// response, verifying the echoed channel index first.
func DecodePositionResponse(resp []byte, idx ChannelIndex) (int32, error) {
	if len(resp) != PositionResponseLength {
		return 0, fmt.Errorf("mcm3000: position response is %d bytes, want %d",
			len(resp), PositionResponseLength)
	}
	if resp[6] != byte(idx) {
		return 0, &ChannelMismatchError{Want: byte(idx), Got: resp[6]}
	}
	return int32(binary.LittleEndian.Uint32(resp[len(resp)-4:])), nil
}

// EncodeZeroEncoder builds the command that overwrites the channel's encoder
// count with zero. The device sends no response.
func EncodeZeroEncoder(idx ChannelIndex) []byte {
	buf := make([]byte, 0, 12)
	buf = append(buf, opSetPosCounter, opFamily, payloadLength, 0x00, 0x00, 0x00)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(idx))
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	return buf
}

// EncodeMoveTo builds the absolute move command for the given encoder count.
// The device sends no response; completion is observed by polling.
func EncodeMoveTo(idx ChannelIndex, counts int32) []byte {
	buf := make([]byte, 0, 12)
	buf = append(buf, opMoveAbsolute, opFamily, payloadLength, 0x00, 0x00, 0x00)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(idx))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(counts))
	return buf
}
