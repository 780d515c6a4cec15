package defrag

import (
	"context"
	"errors"

	"github.com/InternetumM/AsyncNet/buffer"
)

// defaultMaxFrameLength is the sanity ceiling applied when a Strategy does
// not set one. 16 MiB mirrors the fixed ceiling the teacher's raw
// length-prefixed framing used (1<<24) before any defragmenter abstraction
// existed.
const defaultMaxFrameLength = 1 << 24

// LengthPrefixedStrategy parameterizes the length-prefixed defragmenter: a
// fixed-size header is read first, then FrameLength decodes the *total*
// frame length (header + body) from it.
type LengthPrefixedStrategy struct {
	// HeaderLen is the fixed number of header bytes read before FrameLength
	// can be computed.
	HeaderLen int

	// FrameLength decodes the total frame length (header + body) from the
	// first HeaderLen bytes of the frame.
	FrameLength func(header []byte) int

	// MaxFrameLength is the sanity ceiling a decoded total length must not
	// exceed. Zero selects defaultMaxFrameLength.
	MaxFrameLength int
}

type lengthPrefixed struct {
	s LengthPrefixedStrategy
}

// NewLengthPrefixed builds a Defragmenter for fixed-header, length-prefixed
// protocols (the common case: a u16/u32 total-length field at a known
// offset).
func NewLengthPrefixed(s LengthPrefixedStrategy) Defragmenter {
	return &lengthPrefixed{s: s}
}

func (d *lengthPrefixed) ReadFrame(ctx context.Context, r Reader, leftover buffer.View) (Output, error) {
	buf := leftover.Copy()

	buf, err := fillAtLeast(ctx, r, buf, d.s.HeaderLen)
	if err != nil {
		if errors.Is(err, errStreamClosed) {
			return Output{Status: StreamClosed}, nil
		}
		return Output{}, err
	}

	total := d.s.FrameLength(buf[:d.s.HeaderLen])
	ceiling := d.s.MaxFrameLength
	if ceiling <= 0 {
		ceiling = defaultMaxFrameLength
	}
	if total < d.s.HeaderLen || total > ceiling {
		return Output{Status: FrameDropped}, nil
	}

	buf, err = fillAtLeast(ctx, r, buf, total)
	if err != nil {
		if errors.Is(err, errStreamClosed) {
			return Output{Status: StreamClosed}, nil
		}
		return Output{}, err
	}

	frame := make([]byte, total)
	copy(frame, buf[:total])
	rest := append([]byte(nil), buf[total:]...)
	return Output{Status: FrameProduced, Frame: frame, Leftover: buffer.Of(rest)}, nil
}
