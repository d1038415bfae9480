package udpboot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(imageLen int) ImageHeader {
	return ImageHeader{
		Tested:      StatusUntested,
		Good:        StatusUntested,
		RetryCount:  0,
		ImagesMatch: StatusUntested,
		Magic:       ImageMagic,
		Version:     ImageHeaderVersion,
		Length:      uint32(imageLen),
	}
}

func TestImageHeaderRoundTrip(t *testing.T) {
	image := make([]byte, 1024)
	in := testHeader(len(image))
	in.Tested = StatusTesting
	in.Good = StatusGood
	in.CRC = 0xCAFEBABE

	require.NoError(t, in.WriteTo(image))

	out, err := ParseImageHeader(image)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.NoError(t, out.Validate(len(image)))
}

func TestImageHeaderTooSmall(t *testing.T) {
	_, err := ParseImageHeader(make([]byte, ImageHeaderOffset))
	assert.Error(t, err)

	h := testHeader(64)
	assert.Error(t, h.WriteTo(make([]byte, 64)))
}

func TestImageHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ImageHeader)
	}{
		{"bad magic", func(h *ImageHeader) { h.Magic = 0xDEADBEEF }},
		{"bad version", func(h *ImageHeader) { h.Version = 3 }},
		{"length beyond image", func(h *ImageHeader) { h.Length = 2048 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHeader(1024)
			tt.mutate(&h)
			assert.Error(t, h.Validate(1024))
		})
	}
}

func TestLoadHex(t *testing.T) {
	// Four bytes at address 0, two bytes at address 8, gap filled with 0xFF.
	hexData := ":0400000001020304F2\n" +
		":02000800AABA92\n" +
		":00000001FF\n"

	image, err := LoadHex(strings.NewReader(hexData))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBA}, image)
}

func TestLoadHexEmpty(t *testing.T) {
	_, err := LoadHex(strings.NewReader(":00000001FF\n"))
	assert.Error(t, err)
}

func TestLoadHexInvalid(t *testing.T) {
	_, err := LoadHex(strings.NewReader("not a hex file"))
	assert.Error(t, err)
}
