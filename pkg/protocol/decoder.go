package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	perrors "poseidon-go-host/pkg/errors"
)

// Decoder limits
const (
	MaxFrameLen = 256
	MaxLineLen  = 1024
)

// ItemKind distinguishes framed data from free text.
type ItemKind int

const (
	ItemFrame ItemKind = iota
	ItemText
)

// Item is one unit read from the controller: a delimited frame or a
// line of free text printed outside any frame.
type Item struct {
	Kind ItemKind

	// Fields holds the frame fields (ItemFrame only)
	Fields []string

	// Raw is the frame including delimiters, or the text line without
	// its line ending.
	Raw string
}

// Decoder splits a byte stream into frames and text lines.
//
// State survives read errors, so a read timeout in the middle of a frame
// does not lose the bytes already consumed. A start delimiter inside a
// frame aborts that frame and starts a new one. A line break inside a
// frame, or a frame longer than MaxFrameLen, aborts the frame; decoding
// resumes at the next start delimiter. Each abort is reported as a
// FRAMING error from Next; the caller may keep calling Next afterwards.
type Decoder struct {
	r *bufio.Reader

	inFrame    bool
	discarding bool
	frame      []byte
	text       []byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:     bufio.NewReaderSize(r, 512),
		frame: make([]byte, 0, 64),
	}
}

// Next returns the next frame or text line.
//
// Errors from the underlying reader are returned unchanged, except that
// io.EOF inside a frame becomes io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Item, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && d.inFrame {
				d.resetFrame()
				return Item{}, io.ErrUnexpectedEOF
			}
			return Item{}, err
		}

		if d.discarding {
			switch b {
			case EndMarker, '\n':
				d.discarding = false
			case StartMarker:
				d.discarding = false
				d.startFrame()
			}
			continue
		}

		if !d.inFrame {
			switch b {
			case StartMarker:
				d.startFrame()
			case '\n':
				line := strings.TrimRight(string(d.text), "\r")
				d.text = d.text[:0]
				if line != "" {
					return Item{Kind: ItemText, Raw: line}, nil
				}
			default:
				d.text = append(d.text, b)
				if len(d.text) >= MaxLineLen {
					line := string(d.text)
					d.text = d.text[:0]
					return Item{Kind: ItemText, Raw: line}, nil
				}
			}
			continue
		}

		switch b {
		case EndMarker:
			body := string(d.frame)
			d.resetFrame()
			return Item{
				Kind:   ItemFrame,
				Fields: strings.Split(body, string(Separator)),
				Raw:    string(StartMarker) + body + string(EndMarker),
			}, nil
		case StartMarker:
			raw := append([]byte{StartMarker}, d.frame...)
			d.startFrame()
			return Item{}, perrors.FramingError("start delimiter inside frame", raw)
		case '\n':
			raw := append([]byte{StartMarker}, d.frame...)
			d.resetFrame()
			return Item{}, perrors.FramingError("line break inside frame", raw)
		default:
			d.frame = append(d.frame, b)
			if len(d.frame) > MaxFrameLen {
				raw := append([]byte{StartMarker}, d.frame...)
				d.resetFrame()
				d.discarding = true
				return Item{}, perrors.FramingError("frame too long", raw)
			}
		}
	}
}

// ReadFrame returns the fields of the next complete frame, skipping free
// text and any noise before the start delimiter.
func (d *Decoder) ReadFrame() ([]string, error) {
	for {
		item, err := d.Next()
		if err != nil {
			return nil, err
		}
		if item.Kind == ItemFrame {
			return item.Fields, nil
		}
	}
}

// Buffered reports whether a frame or text line is partially read.
func (d *Decoder) Buffered() bool {
	return d.inFrame || len(d.text) > 0
}

func (d *Decoder) startFrame() {
	d.text = d.text[:0]
	d.frame = d.frame[:0]
	d.inFrame = true
}

func (d *Decoder) resetFrame() {
	d.frame = d.frame[:0]
	d.inFrame = false
}

// Decode returns the fields of the first frame in data.
func Decode(data []byte) ([]string, error) {
	fields, err := NewDecoder(bytes.NewReader(data)).ReadFrame()
	if errors.Is(err, io.EOF) {
		return nil, perrors.FramingError("no frame in input", data)
	}
	return fields, err
}
