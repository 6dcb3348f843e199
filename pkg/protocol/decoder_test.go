package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	perrors "poseidon-go-host/pkg/errors"
)

var errTick = errors.New("tick")

// scriptedReader returns one chunk per Read call; a nil chunk yields errTick.
type scriptedReader struct {
	chunks [][]byte
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	if c == nil {
		return 0, errTick
	}
	return copy(p, c), nil
}

func TestReadFrameSkipsNoise(t *testing.T) {
	want := []string{"5", "100", "5", "100", "5", "100"}
	inputs := []string{
		"<5,100,5,100,5,100>",
		"garbage<5,100,5,100,5,100>",
		"\x00\xff\r\n><,,<5,100,5,100,5,100>",
		"status text\n<5,100,5,100,5,100>trailing",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(in))
			fields, err := d.ReadFrame()
			for perrors.Is(err, perrors.ErrFraming) {
				fields, err = d.ReadFrame()
			}
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if !reflect.DeepEqual(fields, want) {
				t.Fatalf("fields = %q, want %q", fields, want)
			}
		})
	}
}

func TestGarbageTelemetry(t *testing.T) {
	fields, err := Decode([]byte("garbage<5,100,5,100,5,100>"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tel, err := ParseTelemetry(fields)
	if err != nil {
		t.Fatalf("ParseTelemetry: %v", err)
	}
	for ch, a := range tel.Axes {
		if a.Position != 5 || a.Remaining != 100 {
			t.Errorf("axis %d = %+v, want {5 100}", ch+1, a)
		}
	}
}

func TestNextItems(t *testing.T) {
	in := "Arduino is ready\r\n<1,0,2,0,3,0>\nSent: RUN\n\n<Blah>"
	d := NewDecoder(strings.NewReader(in))

	want := []Item{
		{Kind: ItemText, Raw: "Arduino is ready"},
		{Kind: ItemFrame, Fields: []string{"1", "0", "2", "0", "3", "0"}, Raw: "<1,0,2,0,3,0>"},
		{Kind: ItemText, Raw: "Sent: RUN"},
		{Kind: ItemFrame, Fields: []string{"Blah"}, Raw: "<Blah>"},
	}
	for i, w := range want {
		got, err := d.Next()
		if err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, w) {
			t.Fatalf("item %d = %+v, want %+v", i, got, w)
		}
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("final Next err = %v, want io.EOF", err)
	}
}

func TestMalformedReentryRestartsFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader("<1,2,3<4,5,6,7,8,9>"))

	_, err := d.Next()
	if !perrors.Is(err, perrors.ErrFraming) {
		t.Fatalf("first Next err = %v, want framing error", err)
	}
	item, err := d.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	want := []string{"4", "5", "6", "7", "8", "9"}
	if !reflect.DeepEqual(item.Fields, want) {
		t.Fatalf("fields = %q, want %q", item.Fields, want)
	}
}

func TestLineBreakInsideFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader("<1,2\n3,4>\n<7,8>"))

	if _, err := d.Next(); !perrors.Is(err, perrors.ErrFraming) {
		t.Fatalf("err = %v, want framing error", err)
	}
	// The tail of the broken frame is plain text up to the next line end.
	item, err := d.Next()
	if err != nil || item.Kind != ItemText || item.Raw != "3,4>" {
		t.Fatalf("item = %+v, %v", item, err)
	}
	item, err = d.Next()
	if err != nil || !reflect.DeepEqual(item.Fields, []string{"7", "8"}) {
		t.Fatalf("item = %+v, %v", item, err)
	}
}

func TestOverlongFrameResyncs(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.Write(bytes.Repeat([]byte("9"), MaxFrameLen+10))
	buf.WriteString(",1>junk<1,2>")
	d := NewDecoder(&buf)

	if _, err := d.Next(); !perrors.Is(err, perrors.ErrFraming) {
		t.Fatalf("err = %v, want framing error", err)
	}
	fields, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !reflect.DeepEqual(fields, []string{"1", "2"}) {
		t.Fatalf("fields = %q", fields)
	}
}

func TestEndOfSourceInsideFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader("noise<1,2,3"))
	if _, err := d.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
	if perrors.Is(io.ErrUnexpectedEOF, perrors.ErrFraming) {
		t.Fatal("source end classified as framing error")
	}
}

func TestEndOfSourceBeforeFrame(t *testing.T) {
	d := NewDecoder(strings.NewReader("noise only"))
	if _, err := d.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadErrorKeepsPartialFrame(t *testing.T) {
	r := &scriptedReader{chunks: [][]byte{
		[]byte("xx<10,0,2"), nil, []byte("0,0,3"), nil, []byte("0,0>"),
	}}
	d := NewDecoder(r)

	var fields []string
	ticks := 0
	for {
		f, err := d.ReadFrame()
		if errors.Is(err, errTick) {
			ticks++
			if !d.Buffered() {
				t.Fatal("partial frame dropped on read error")
			}
			continue
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		fields = f
		break
	}
	if ticks != 2 {
		t.Errorf("ticks = %d, want 2", ticks)
	}
	want := []string{"10", "0", "20", "0", "30", "0"}
	if !reflect.DeepEqual(fields, want) {
		t.Fatalf("fields = %q, want %q", fields, want)
	}
}

func TestEmptyFields(t *testing.T) {
	fields, err := Decode([]byte("<STOP,,123,0,F,0,0,0>"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fields) != CommandFields || fields[1] != "" {
		t.Fatalf("fields = %q", fields)
	}
}
