package udpboot

import (
	"bytes"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Default update policy.
const (
	// DefaultChunkSize is the write granularity. The protocol accepts up to
	// MaxDataSize bytes per write; 512 matches the device flash page size.
	DefaultChunkSize = 512
	// DefaultChunkRetries is how many times a failed chunk write is retried
	// before the session is abandoned.
	DefaultChunkRetries = 10
)

// Progress describes how far an update session has come. Reporting is
// advisory only and never affects control flow.
type Progress struct {
	Step          string
	ChunksWritten int
	TotalChunks   int
	Percent       float64
}

// UpdaterOptions holds update session policy.
type UpdaterOptions struct {
	// ChunkSize is the number of image bytes per write. Defaults to
	// DefaultChunkSize; must not exceed MaxDataSize.
	ChunkSize int
	// ChunkRetries is the number of retries per failed chunk before the
	// session aborts. Zero selects DefaultChunkRetries; negative disables
	// retries.
	ChunkRetries int

	// APIVersion and BootVersion are the exact device versions this tool is
	// paired with. The check is strict equality, not a range: firmware and
	// tool are released together.
	APIVersion  [2]byte
	BootVersion [3]byte

	// ValidateHeader checks the embedded image header (magic, version,
	// declared length) before any bytes are sent. Enable it for image
	// buffers the tool did not produce itself.
	ValidateHeader bool

	// VerifyByReading reads the image back with ReadAddress after the CRC
	// check and compares byte for byte. Devices may deny reads.
	VerifyByReading bool

	// OnProgress, if set, is called as chunks are written.
	OnProgress func(Progress)
}

// DefaultUpdaterOptions returns the policy a stock device pairing uses.
func DefaultUpdaterOptions() UpdaterOptions {
	return UpdaterOptions{
		ChunkSize:    DefaultChunkSize,
		ChunkRetries: DefaultChunkRetries,
		APIVersion:   [2]byte{1, 0},
		BootVersion:  [3]byte{0, 1, 0},
	}
}

// Updater drives a complete firmware-update session against a single device.
// An Updater owns its Session and must not be invoked concurrently; a second
// session against the same device is rejected by the device itself, not
// prevented locally.
type Updater struct {
	session Session
	opts    UpdaterOptions
	info    VersionInfo
}

// NewUpdater creates an updater around an existing session. Zero-valued
// option fields fall back to the defaults.
func NewUpdater(session Session, opts UpdaterOptions) *Updater {
	if opts.ChunkSize <= 0 || opts.ChunkSize > MaxDataSize {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkRetries == 0 {
		opts.ChunkRetries = DefaultChunkRetries
	} else if opts.ChunkRetries < 0 {
		opts.ChunkRetries = 0
	}
	return &Updater{session: session, opts: opts}
}

// VersionInfo returns the device version captured by the last Update call.
func (u *Updater) VersionInfo() VersionInfo {
	return u.info
}

// Update flashes the image and restarts the device. It either completes
// every step or returns an UpdateError naming the step that failed; there is
// no partial-session recovery.
//
// Steps: version gate, start, chunked writes with bounded retries, stop with
// end-to-end CRC comparison, optional read-back verify, reset.
func (u *Updater) Update(image []byte) error {
	if len(image) == 0 {
		return &UpdateError{Step: StepImage, Err: errors.New("image is empty")}
	}

	if u.opts.ValidateHeader {
		header, err := ParseImageHeader(image)
		if err != nil {
			return &UpdateError{Step: StepImage, Err: err}
		}
		if err := header.Validate(len(image)); err != nil {
			return &UpdateError{Step: StepImage, Err: err}
		}
	}

	info, err := u.session.GetVersion()
	if err != nil {
		return &UpdateError{Step: StepVersion, Err: err}
	}
	u.info = info
	if !u.versionSupported(info) {
		return &UpdateError{Step: StepVersion, Err: &VersionMismatchError{Got: info}}
	}

	if err := u.session.StartUpdate(uint32(len(image))); err != nil {
		return &UpdateError{Step: StepStart, Err: err}
	}

	totalChunks := (len(image) + u.opts.ChunkSize - 1) / u.opts.ChunkSize
	u.reportProgress(Progress{Step: StepWrite, TotalChunks: totalChunks})

	written := 0
	for offset := 0; offset < len(image); offset += u.opts.ChunkSize {
		end := offset + u.opts.ChunkSize
		if end > len(image) {
			end = len(image)
		}
		if err := u.writeChunk(image[offset:end], offset); err != nil {
			return &UpdateError{Step: StepWrite, Err: err}
		}
		written++
		u.reportProgress(Progress{
			Step:          StepWrite,
			ChunksWritten: written,
			TotalChunks:   totalChunks,
			Percent:       float64(written) / float64(totalChunks) * 100,
		})
	}

	// The per-frame checksums only guard individual datagrams; this CRC is
	// the end-to-end check over the whole image as the device flashed it.
	localCRC := crc32.ChecksumIEEE(image)
	deviceCRC, err := u.session.StopUpdate(localCRC)
	if err != nil {
		return &UpdateError{Step: StepStop, Err: err}
	}
	if uint32(deviceCRC) != localCRC {
		return &UpdateError{Step: StepStop, Err: &CRCMismatchError{Local: localCRC, Device: deviceCRC}}
	}
	pkgLog.Infof("image CRC 0x%08X confirmed by device", localCRC)

	if u.opts.VerifyByReading {
		if err := u.verifyByReading(image); err != nil {
			return &UpdateError{Step: StepVerify, Err: err}
		}
	}

	if err := u.session.Reset(); err != nil {
		return &UpdateError{Step: StepReset, Err: err}
	}
	u.reportProgress(Progress{Step: StepReset, ChunksWritten: written, TotalChunks: totalChunks, Percent: 100})

	return nil
}

func (u *Updater) versionSupported(info VersionInfo) bool {
	return info.APIMajor == u.opts.APIVersion[0] &&
		info.APIMinor == u.opts.APIVersion[1] &&
		info.BootMajor == u.opts.BootVersion[0] &&
		info.BootMinor == u.opts.BootVersion[1] &&
		info.BootBuild == u.opts.BootVersion[2]
}

// writeChunk writes one chunk, retrying the same chunk up to ChunkRetries
// times. Chunks are never skipped or reordered.
func (u *Updater) writeChunk(chunk []byte, offset int) error {
	var err error
	for attempt := 0; attempt <= u.opts.ChunkRetries; attempt++ {
		if attempt > 0 {
			pkgLog.Debugf("retrying chunk at %X (attempt %d of %d)", offset, attempt, u.opts.ChunkRetries)
		}
		if err = u.session.Write(chunk); err == nil {
			return nil
		}
		pkgLog.Debugf("write at %X failed: %v", offset, err)
	}
	return errors.Wrapf(err, "chunk at %X failed after %d retries", offset, u.opts.ChunkRetries)
}

func (u *Updater) verifyByReading(image []byte) error {
	for offset := 0; offset < len(image); offset += u.opts.ChunkSize {
		end := offset + u.opts.ChunkSize
		if end > len(image) {
			end = len(image)
		}
		data, err := u.session.ReadAddress(uint32(offset), uint32(end-offset))
		if err != nil {
			return err
		}
		if !bytes.Equal(data, image[offset:end]) {
			return errors.Errorf("read-back mismatch at %X", offset)
		}
	}
	return nil
}

func (u *Updater) reportProgress(p Progress) {
	if u.opts.OnProgress != nil {
		u.opts.OnProgress(p)
	}
}
