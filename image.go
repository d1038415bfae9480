package udpboot

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Image header layout. The header is embedded in the firmware image at a
// fixed offset and consumed by the device boot logic; it is never sent as a
// discrete protocol message, but the updater refuses to push a buffer whose
// header is invalid when validation is enabled.
const (
	// ImageHeaderOffset is where the header sits inside the image, after the
	// vector table region.
	ImageHeaderOffset = 0x100
	// ImageHeaderSize covers the eight 32-bit header fields.
	ImageHeaderSize = 32

	ImageMagic         = 0x01234567
	ImageHeaderVersion = 2
)

// Image status sentinels used in the Tested/Good header fields.
const (
	StatusTesting  = 0x900D0BAD
	StatusGood     = 0x900D900D
	StatusUntested = 0xFFFFFFFF
)

// ImageHeader is the device-side bookkeeping block embedded in an image.
type ImageHeader struct {
	Tested      uint32
	Good        uint32
	RetryCount  uint32
	ImagesMatch uint32
	Magic       uint32
	Version     uint32
	Length      uint32
	CRC         uint32
}

// ParseImageHeader extracts the header from a full image buffer.
func ParseImageHeader(image []byte) (ImageHeader, error) {
	if len(image) < ImageHeaderOffset+ImageHeaderSize {
		return ImageHeader{}, errors.Errorf("image of %d bytes too small to hold a header at %X", len(image), ImageHeaderOffset)
	}
	b := image[ImageHeaderOffset:]
	return ImageHeader{
		Tested:      binary.LittleEndian.Uint32(b[0:]),
		Good:        binary.LittleEndian.Uint32(b[4:]),
		RetryCount:  binary.LittleEndian.Uint32(b[8:]),
		ImagesMatch: binary.LittleEndian.Uint32(b[12:]),
		Magic:       binary.LittleEndian.Uint32(b[16:]),
		Version:     binary.LittleEndian.Uint32(b[20:]),
		Length:      binary.LittleEndian.Uint32(b[24:]),
		CRC:         binary.LittleEndian.Uint32(b[28:]),
	}, nil
}

// Validate checks the fields the device will refuse to boot without.
func (h ImageHeader) Validate(imageLen int) error {
	if h.Magic != ImageMagic {
		return errors.Errorf("bad image magic 0x%08X, expected 0x%08X", h.Magic, ImageMagic)
	}
	if h.Version != ImageHeaderVersion {
		return errors.Errorf("unsupported image header version %d, expected %d", h.Version, ImageHeaderVersion)
	}
	if int(h.Length) > imageLen {
		return errors.Errorf("header declares %d bytes but image holds %d", h.Length, imageLen)
	}
	return nil
}

// WriteTo serialises the header into an image buffer at ImageHeaderOffset.
func (h ImageHeader) WriteTo(image []byte) error {
	if len(image) < ImageHeaderOffset+ImageHeaderSize {
		return errors.Errorf("image of %d bytes too small to hold a header at %X", len(image), ImageHeaderOffset)
	}
	b := image[ImageHeaderOffset:]
	binary.LittleEndian.PutUint32(b[0:], h.Tested)
	binary.LittleEndian.PutUint32(b[4:], h.Good)
	binary.LittleEndian.PutUint32(b[8:], h.RetryCount)
	binary.LittleEndian.PutUint32(b[12:], h.ImagesMatch)
	binary.LittleEndian.PutUint32(b[16:], h.Magic)
	binary.LittleEndian.PutUint32(b[20:], h.Version)
	binary.LittleEndian.PutUint32(b[24:], h.Length)
	binary.LittleEndian.PutUint32(b[28:], h.CRC)
	return nil
}

// LoadHex parses Intel HEX data and flattens its segments into a single
// contiguous image buffer starting at the lowest address, with gaps filled
// with 0xFF (erased flash).
func LoadHex(data io.Reader) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(data); err != nil {
		return nil, err
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.New("hex data contains no segments")
	}

	base := segments[0].Address
	end := base
	for _, segment := range segments {
		if segment.Address < base {
			base = segment.Address
		}
		if top := segment.Address + uint32(len(segment.Data)); top > end {
			end = top
		}
	}

	image := make([]byte, end-base)
	for i := range image {
		image[i] = 0xFF
	}
	for _, segment := range segments {
		copy(image[segment.Address-base:], segment.Data)
		pkgLog.Debugf("loaded segment at %X length %v", segment.Address, len(segment.Data))
	}
	return image, nil
}

// LoadImage reads a firmware image from a file, treating .hex files as Intel
// HEX and everything else as a raw binary image.
func LoadImage(fileName string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(fileName), ".hex") {
		file, err := os.Open(fileName)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return LoadHex(file)
	}
	return os.ReadFile(fileName)
}
