package property

import (
	"encoding/binary"
	"fmt"
)

// RawType identifies the pixel layout of a raw image BLOB.
type RawType uint32

// Raw image signatures, stored little endian as "RAW1", "RAW2", "RAW3", "RAW6".
const (
	RawMono8  RawType = 0x31574152
	RawMono16 RawType = 0x32574152
	RawRGB24  RawType = 0x33574152
	RawRGB48  RawType = 0x36574152
)

// RawHeaderSize is the size of an encoded RawHeader.
const RawHeaderSize = 12

// RawHeader prefixes uncompressed image data carried in ".raw" BLOBs.
type RawHeader struct {
	Type   RawType
	Width  uint32
	Height uint32
}

// BytesPerPixel returns the number of bytes of one pixel.
func (t RawType) BytesPerPixel() int {
	switch t {
	case RawMono8:
		return 1
	case RawMono16:
		return 2
	case RawRGB24:
		return 3
	case RawRGB48:
		return 6
	}
	return 0
}

// ImageSize returns the expected length of the pixel data following the header.
func (h RawHeader) ImageSize() int {
	return int(h.Width) * int(h.Height) * h.Type.BytesPerPixel()
}

func (h RawHeader) MarshalBinary() ([]byte, error) {
	if h.Type.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("unknown raw type %#x", uint32(h.Type))
	}
	buf := make([]byte, RawHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:], h.Width)
	binary.LittleEndian.PutUint32(buf[8:], h.Height)
	return buf, nil
}

func (h *RawHeader) UnmarshalBinary(data []byte) error {
	if len(data) < RawHeaderSize {
		return fmt.Errorf("raw header truncated: %d bytes", len(data))
	}
	t := RawType(binary.LittleEndian.Uint32(data[0:]))
	if t.BytesPerPixel() == 0 {
		return fmt.Errorf("unknown raw type %#x", uint32(t))
	}
	h.Type = t
	h.Width = binary.LittleEndian.Uint32(data[4:])
	h.Height = binary.LittleEndian.Uint32(data[8:])
	return nil
}
