package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec selects how an image payload is compressed
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecSnappy
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

const (
	// ImageMagic is "WLIM" little endian
	ImageMagic = uint32(0x4D494C57)
	// ImageVersion is the current image framing version
	ImageVersion = uint8(1)
	// ImageHeaderSize is magic(4) version(1) codec(1) reserved(2) base(4)
	// size(4) checksum(8) payload length(4)
	ImageHeaderSize = 28
	// MaxImageSize bounds the region an image may describe
	MaxImageSize = 64 << 20
)

var (
	ErrBadImage     = errors.New("invalid flash image")
	ErrUnknownCodec = errors.New("unknown image codec")
)

// ImageHeader describes a captured region
type ImageHeader struct {
	Version  uint8
	Codec    Codec
	Base     uint32
	Size     uint32
	Checksum uint64
}

// SaveImage reads [base, base+size) from d and writes a compressed, checksummed
// snapshot to w. Sector images are mostly 0xFF and compress well.
func SaveImage(w io.Writer, d Driver, base, size uint32, codec Codec) (*ImageHeader, error) {
	raw := make([]byte, size)
	if err := d.ReadAt(raw, base); err != nil {
		return nil, fmt.Errorf("failed to read region: %w", err)
	}

	payload, err := compress(raw, codec)
	if err != nil {
		return nil, err
	}

	hdr := &ImageHeader{
		Version:  ImageVersion,
		Codec:    codec,
		Base:     base,
		Size:     size,
		Checksum: xxhash.Sum64(raw),
	}

	buf := make([]byte, ImageHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], ImageMagic)
	buf[4] = hdr.Version
	buf[5] = byte(hdr.Codec)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.Base)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.Size)
	binary.LittleEndian.PutUint64(buf[16:24], hdr.Checksum)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(payload)))

	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write image header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write image payload: %w", err)
	}
	return hdr, nil
}

// ReadImage parses an image and returns its header and raw contents
func ReadImage(r io.Reader) (*ImageHeader, []byte, error) {
	buf := make([]byte, ImageHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrBadImage, err)
	}

	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != ImageMagic {
		return nil, nil, fmt.Errorf("%w: magic %08x", ErrBadImage, magic)
	}

	hdr := &ImageHeader{
		Version:  buf[4],
		Codec:    Codec(buf[5]),
		Base:     binary.LittleEndian.Uint32(buf[8:12]),
		Size:     binary.LittleEndian.Uint32(buf[12:16]),
		Checksum: binary.LittleEndian.Uint64(buf[16:24]),
	}
	if hdr.Version != ImageVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrBadImage, hdr.Version)
	}

	if hdr.Size == 0 || hdr.Size > MaxImageSize {
		return nil, nil, fmt.Errorf("%w: region size %d", ErrBadImage, hdr.Size)
	}

	n := binary.LittleEndian.Uint32(buf[24:28])
	limit, err := maxPayload(hdr.Codec, hdr.Size)
	if err != nil {
		return nil, nil, err
	}
	if uint64(n) > limit || (hdr.Codec == CodecNone && n != hdr.Size) {
		return nil, nil, fmt.Errorf("%w: payload length %d for %d byte region", ErrBadImage, n, hdr.Size)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrBadImage, err)
	}

	raw, err := decompress(payload, hdr.Codec, hdr.Size)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(raw)) != hdr.Size {
		return nil, nil, fmt.Errorf("%w: %d bytes, header says %d", ErrBadImage, len(raw), hdr.Size)
	}
	if sum := xxhash.Sum64(raw); sum != hdr.Checksum {
		return nil, nil, fmt.Errorf("%w: checksum %016x, expected %016x", ErrBadImage, sum, hdr.Checksum)
	}
	return hdr, raw, nil
}

// LoadImage erases the captured region on d and programs the image back
func LoadImage(r io.Reader, d Driver) (*ImageHeader, error) {
	hdr, raw, err := ReadImage(r)
	if err != nil {
		return nil, err
	}

	unit := d.Geometry().ProgramUnit
	if hdr.Size%unit != 0 {
		return nil, fmt.Errorf("%w: size %d not aligned to program unit %d", ErrMisaligned, hdr.Size, unit)
	}

	if err := EraseRange(d, hdr.Base, hdr.Size); err != nil {
		return nil, fmt.Errorf("failed to erase target: %w", err)
	}

	// Program only units that hold data; erased runs are already in place.
	for off := uint32(0); off < hdr.Size; off += unit {
		chunk := raw[off : off+unit]
		if allErased(chunk) {
			continue
		}
		if err := d.Program(hdr.Base+off, chunk); err != nil {
			return nil, fmt.Errorf("failed to program image at 0x%08X: %w", hdr.Base+off, err)
		}
	}
	return hdr, nil
}

func allErased(b []byte) bool {
	for _, v := range b {
		if v != ErasedByte {
			return false
		}
	}
	return true
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// maxPayload is the largest encoded payload codec can produce for size raw bytes
func maxPayload(codec Codec, size uint32) (uint64, error) {
	switch codec {
	case CodecNone:
		return uint64(size), nil
	case CodecZstd:
		// Stored blocks plus frame and block headers.
		return uint64(size) + uint64(size)/128 + 1024, nil
	case CodecSnappy:
		if n := snappy.MaxEncodedLen(int(size)); n > 0 {
			return uint64(n), nil
		}
		return 0, fmt.Errorf("%w: region size %d", ErrBadImage, size)
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

func decompress(data []byte, codec Codec, size uint32) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(max(size, zstd.MinWindowSize))),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		return out, nil
	case CodecSnappy:
		if n, err := snappy.DecodedLen(data); err != nil || n != int(size) {
			return nil, fmt.Errorf("%w: snappy length %d, expected %d", ErrBadImage, n, size)
		}
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}
