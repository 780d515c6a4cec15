package defrag

import (
	"context"
	"errors"
	"io"

	"github.com/InternetumM/AsyncNet/buffer"
)

// HeaderDecision is returned by a HeaderPredicate for each growing prefix it
// is shown.
type HeaderDecision int

const (
	// NeedMoreHeader means the prefix is not yet long enough to decide;
	// the reader should read more bytes and call the predicate again.
	NeedMoreHeader HeaderDecision = iota
	// HeaderComplete means the header has been fully identified: HeaderLen
	// bytes make up the header, and TotalLen is the total frame length
	// (header + body).
	HeaderComplete
	// HeaderInvalid means the prefix can never be a valid header; the
	// caller should drop the buffered bytes and resynchronize.
	HeaderInvalid
)

// HeaderPredicate inspects a growing byte prefix and decides whether it is
// a complete header yet, and if so, how long the header and the total frame
// are. HeaderLen/TotalLen are only meaningful when decision == HeaderComplete.
type HeaderPredicate func(prefix []byte) (decision HeaderDecision, headerLen int, totalLen int)

// MixedStrategy parameterizes the "mixed" defragmenter: a caller-defined
// header predicate determines both the header length and the total frame
// length, covering protocols with delimiters or type-dependent lengths that a
// fixed-size header can't express.
type MixedStrategy struct {
	Header HeaderPredicate

	// MaxFrameLength is the sanity ceiling a decoded total length must not
	// exceed. Zero selects defaultMaxFrameLength.
	MaxFrameLength int

	// ReadChunkSize controls how many bytes are requested per underlying
	// Read while growing the header prefix. Zero selects a default of 256.
	ReadChunkSize int
}

type mixed struct {
	s MixedStrategy
}

// NewMixed builds a Defragmenter for protocols whose header shape isn't a
// fixed byte count — delimiter-terminated headers, or headers whose length
// depends on a type tag read partway through.
func NewMixed(s MixedStrategy) Defragmenter {
	return &mixed{s: s}
}

func (d *mixed) ReadFrame(ctx context.Context, r Reader, leftover buffer.View) (Output, error) {
	buf := leftover.Copy()
	chunkSize := d.s.ReadChunkSize
	if chunkSize <= 0 {
		chunkSize = 256
	}

	var headerLen, totalLen int
	for {
		decision, hl, tl := d.s.Header(buf)
		switch decision {
		case HeaderComplete:
			headerLen, totalLen = hl, tl
		case HeaderInvalid:
			return Output{Status: FrameDropped}, nil
		case NeedMoreHeader:
			// fall through to read more below
		}
		if decision == HeaderComplete {
			break
		}

		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		chunk := make([]byte, chunkSize)
		n, err := readCtx(ctx, r, chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Output{Status: StreamClosed}, nil
			}
			return Output{}, err
		}
	}

	ceiling := d.s.MaxFrameLength
	if ceiling <= 0 {
		ceiling = defaultMaxFrameLength
	}
	if totalLen < headerLen || totalLen > ceiling {
		return Output{Status: FrameDropped}, nil
	}

	buf, err := fillAtLeast(ctx, r, buf, totalLen)
	if err != nil {
		if errors.Is(err, errStreamClosed) {
			return Output{Status: StreamClosed}, nil
		}
		return Output{}, err
	}

	frame := make([]byte, totalLen)
	copy(frame, buf[:totalLen])
	rest := append([]byte(nil), buf[totalLen:]...)
	return Output{Status: FrameProduced, Frame: frame, Leftover: buffer.Of(rest)}, nil
}
