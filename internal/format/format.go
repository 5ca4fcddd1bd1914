// ABOUTME: Audio format configuration with validation and defaults
// ABOUTME: Derives the raw-PCM format token passed to OS audio tools
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Encoding is the sample signedness.
type Encoding string

const (
	EncodingSigned   Encoding = "signed"
	EncodingUnsigned Encoding = "unsigned"
)

// Endianness is the sample byte order.
type Endianness string

const (
	EndianLittle Endianness = "little"
	EndianBig    Endianness = "big"
)

// Default values applied to fields the client omits.
const (
	DefaultChannels   = 1
	DefaultSampleRate = 16000
	DefaultBitDepth   = 16
	DefaultDevice     = "default"
)

// Validation bounds.
const (
	MinChannels   = 1
	MaxChannels   = 8
	MinSampleRate = 8000
	MaxSampleRate = 192000
)

// Format describes a raw PCM stream. A Format obtained from Parse or
// Default is fully populated and validated; treat it as immutable.
type Format struct {
	Channels   int        `json:"channels"`
	SampleRate int        `json:"sampleRate"`
	BitDepth   int        `json:"bitDepth"`
	Encoding   Encoding   `json:"encoding"`
	Endianness Endianness `json:"endianness"`
	Device     string     `json:"device"`
}

// Default returns the format used when a client sends an empty config:
// mono, 16 kHz, signed 16-bit little-endian on the default device.
func Default() Format {
	return Format{
		Channels:   DefaultChannels,
		SampleRate: DefaultSampleRate,
		BitDepth:   DefaultBitDepth,
		Encoding:   EncodingSigned,
		Endianness: EndianLittle,
		Device:     DefaultDevice,
	}
}

// Parse decodes a client configuration message into a Format. Omitted
// fields take defaults; unknown fields or any out-of-range value reject
// the whole message. Parse has no side effects on failure.
func Parse(data []byte) (Format, error) {
	f := Default()

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Format{}, fmt.Errorf("invalid format config: %w", err)
	}
	// One JSON value per config frame; trailing content rejects the
	// whole message.
	if _, err := dec.Token(); err != io.EOF {
		return Format{}, fmt.Errorf("invalid format config: trailing data after configuration object")
	}

	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}

// Validate checks every field against its declared range.
func (f Format) Validate() error {
	if f.Channels < MinChannels || f.Channels > MaxChannels {
		return fmt.Errorf("channels %d out of range [%d, %d]", f.Channels, MinChannels, MaxChannels)
	}
	if f.SampleRate < MinSampleRate || f.SampleRate > MaxSampleRate {
		return fmt.Errorf("sampleRate %d out of range [%d, %d]", f.SampleRate, MinSampleRate, MaxSampleRate)
	}
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("bitDepth %d not one of 16, 24, 32", f.BitDepth)
	}
	switch f.Encoding {
	case EncodingSigned, EncodingUnsigned:
	default:
		return fmt.Errorf("encoding %q not one of %q, %q", f.Encoding, EncodingSigned, EncodingUnsigned)
	}
	switch f.Endianness {
	case EndianLittle, EndianBig:
	default:
		return fmt.Errorf("endianness %q not one of %q, %q", f.Endianness, EndianLittle, EndianBig)
	}
	if f.Device == "" {
		return fmt.Errorf("device must not be empty")
	}
	return nil
}

// Token returns the format string audio tools expect for raw PCM,
// e.g. S16_LE for signed 16-bit little-endian.
func (f Format) Token() string {
	sign := "S"
	if f.Encoding == EncodingUnsigned {
		sign = "U"
	}
	order := "LE"
	if f.Endianness == EndianBig {
		order = "BE"
	}
	return fmt.Sprintf("%s%d_%s", sign, f.BitDepth, order)
}

// BytesPerSecond returns the raw data rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitDepth / 8)
}

// Duration converts a byte count into the wall-clock time the audio
// takes to play at this format's data rate.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// String implements fmt.Stringer for log output.
func (f Format) String() string {
	return fmt.Sprintf("%s %dch %dHz on %s", f.Token(), f.Channels, f.SampleRate, f.Device)
}
