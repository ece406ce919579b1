package mcm3000

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeGetPosition(t *testing.T) {
	tests := []struct {
		idx  ChannelIndex
		want []byte
	}{
		{0, []byte{0x0A, 0x04, 0x00, 0x00, 0x00, 0x00}},
		{1, []byte{0x0A, 0x04, 0x01, 0x00, 0x00, 0x00}},
		{2, []byte{0x0A, 0x04, 0x02, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		got := EncodeGetPosition(tt.idx)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeGetPosition(%d) = % X, want % X", tt.idx, got, tt.want)
		}
	}
}

func TestEncodeZeroEncoder(t *testing.T) {
	got := EncodeZeroEncoder(2)
	want := []byte{0x09, 0x04, 0x06, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeZeroEncoder(2) = % X, want % X", got, want)
	}
}

func TestEncodeMoveTo(t *testing.T) {
	tests := []struct {
		name   string
		idx    ChannelIndex
		counts int32
	}{
		{"positive", 0, 37795},
		{"negative", 1, -37795},
		{"zero", 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeMoveTo(tt.idx, tt.counts)
			if len(got) != 12 {
				t.Fatalf("frame length = %d, want 12", len(got))
			}
			if got[0] != 0x53 || got[1] != 0x04 || got[2] != 0x06 {
				t.Errorf("header = % X", got[:6])
			}
			if idx := binary.LittleEndian.Uint16(got[6:8]); idx != uint16(tt.idx) {
				t.Errorf("channel index = %d, want %d", idx, tt.idx)
			}
			if v := int32(binary.LittleEndian.Uint32(got[8:12])); v != tt.counts {
				t.Errorf("counts = %d, want %d", v, tt.counts)
			}
		})
	}
}

func TestDecodePositionResponse(t *testing.T) {
	resp := make([]byte, PositionResponseLength)
	resp[6] = 1
	counts := int32(-1234)
	binary.LittleEndian.PutUint32(resp[8:], uint32(counts))

	got, err := DecodePositionResponse(resp, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -1234 {
		t.Errorf("count = %d, want -1234", got)
	}
}

func TestDecodePositionResponseWrongLength(t *testing.T) {
	_, err := DecodePositionResponse([]byte{0x12, 0x04}, 0)
	if err == nil {
		t.Fatal("expected error for short response")
	}
}

func TestDecodePositionResponseChannelMismatch(t *testing.T) {
	resp := make([]byte, PositionResponseLength)
	resp[6] = 2

	_, err := DecodePositionResponse(resp, 0)
	var mismatch *ChannelMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChannelMismatchError, got %v", err)
	}
	if mismatch.Want != 0 || mismatch.Got != 2 {
		t.Errorf("mismatch = want %d got %d", mismatch.Want, mismatch.Got)
	}
}
