package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/ugorji/go/codec"
)

// Version is the newest frame version this package writes and reads.
const Version uint16 = 1

const (
	magic        = "VFAR"
	flagZstd     = uint16(1)
	knownFlags   = flagZstd
	frameHeader  = 12
	frameTrailer = 8
)

var (
	ErrCorrupt = errors.New("archive: corrupt frame")
	ErrVersion = errors.New("archive: unsupported version")
)

// Options controls how Marshal writes a frame
type Options struct {
	Compress bool
	Level    zstd.EncoderLevel
}

var msgpack = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.Canonical = true
	return h
}()

// EncodeValue msgpack-encodes v with the archive's handle.
func EncodeValue(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpack).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeValue decodes msgpack data into v; unknown map keys are skipped.
func DecodeValue(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpack).Decode(v)
}

var (
	encodersMu sync.Mutex
	encoders   = make(map[zstd.EncoderLevel]*zstd.Encoder)

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func encoderFor(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	if level == 0 {
		level = zstd.SpeedDefault
	}

	encodersMu.Lock()
	defer encodersMu.Unlock()

	if enc, ok := encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	encoders[level] = enc
	return enc, nil
}

func zstdDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Marshal encodes rec into a frame.
func Marshal(rec *Record, opts Options) ([]byte, error) {
	body, err := EncodeValue(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.Name, err)
	}

	var flags uint16
	if opts.Compress {
		enc, err := encoderFor(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		body = enc.EncodeAll(body, nil)
		flags |= flagZstd
	}
	return frame(body, Version, flags), nil
}

func frame(body []byte, version, flags uint16) []byte {
	out := make([]byte, frameHeader, frameHeader+len(body)+frameTrailer)
	copy(out, magic)
	binary.LittleEndian.PutUint16(out[4:], version)
	binary.LittleEndian.PutUint16(out[6:], flags)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(body)))
	out = append(out, body...)
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(body))
}

// Unmarshal verifies and decodes a frame written by Marshal.
func Unmarshal(data []byte) (*Record, error) {
	if len(data) < frameHeader+frameTrailer || string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}

	version := binary.LittleEndian.Uint16(data[4:])
	if version == 0 || version > Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	flags := binary.LittleEndian.Uint16(data[6:])
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: flags %#x", ErrVersion, flags)
	}

	n := int(binary.LittleEndian.Uint32(data[8:]))
	if len(data) != frameHeader+n+frameTrailer {
		return nil, fmt.Errorf("%w: length %d does not match frame of %d bytes", ErrCorrupt, n, len(data))
	}
	body := data[frameHeader : frameHeader+n]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(data[frameHeader+n:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if flags&flagZstd != 0 {
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		if body, err = dec.DecodeAll(body, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	var rec Record
	if err := DecodeValue(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := rec.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &rec, nil
}
