// Package zx implements the binary "ZX" wire protocol: frame layout
// "xx" | length(1B) | proto(1B) | payload | "\r\n", with a deframer that
// locates the trailing "\r\n" rather than trusting the length byte,
// since two message kinds are known to under-report their own length.
package zx

import "fmt"

// MaxBuffer bounds the deframer's rolling buffer; a connection that
// accumulates this many bytes without completing a frame is reset.
const MaxBuffer = 4096

const (
	marker0 = 0x78
	marker1 = 0x78
)

// Deframer is the ZX deframer behind this module's protocol.Stream
// (wrapped by streamAdapter): one instance per TCP
// connection, holding whatever bytes have arrived but not yet formed a
// complete frame.
type Deframer struct {
	buf []byte
}

// NewDeframer returns an empty deframer.
func NewDeframer() *Deframer {
	return &Deframer{}
}

type frame struct {
	packet  []byte
	warning string
}

// Recv absorbs segment and returns every frame (and framing warning)
// that could be completed, in arrival order. Splitting a stream at
// arbitrary byte boundaries across multiple Recv calls never changes
// the sequence of frames produced.
func (d *Deframer) Recv(segment []byte) []frameResult {
	d.buf = append(d.buf, segment...)

	var out []frameResult
	for {
		f, consumed, ok := d.tryExtract()
		if !ok {
			break
		}
		d.buf = d.buf[consumed:]
		out = append(out, f)
	}

	if len(d.buf) > MaxBuffer {
		out = append(out, frameResult{Warning: fmt.Sprintf(
			"zx: dropping %d buffered bytes, no frame found within MAXBUFFER", len(d.buf))})
		d.buf = nil
	}
	return out
}

// Close returns and discards whatever is left unparsed.
func (d *Deframer) Close() []byte {
	rest := d.buf
	d.buf = nil
	return rest
}

// frameResult mirrors protocol.Frame as a distinct (identical) type
// local to the deframer, and is converted at the Module boundary.
type frameResult struct {
	Packet  []byte
	Warning string
}

// tryExtract finds the next marker in d.buf, then the frame's trailing
// "\r\n", and returns the extracted frame (or a skip-junk warning) plus
// how many leading bytes of d.buf were consumed.
func (d *Deframer) tryExtract() (frameResult, int, bool) {
	buf := d.buf

	markerAt := indexMarker(buf)
	if markerAt < 0 {
		// No marker at all yet; keep the whole buffer (Recv drops it
		// once it exceeds MaxBuffer) so a marker split across Recv
		// calls is not lost.
		return frameResult{}, 0, false
	}

	if markerAt > 0 {
		return frameResult{Warning: fmt.Sprintf("zx: skipping %d leading bytes before frame marker", markerAt)},
			markerAt, true
	}

	if len(buf) < 3 {
		return frameResult{}, 0, false
	}
	length := int(buf[2])

	searchStart := length
	if searchStart > len(buf) {
		return frameResult{}, 0, false
	}

	crlfAt := indexCRLF(buf, searchStart)
	if crlfAt < 0 {
		return frameResult{}, 0, false
	}

	total := crlfAt + 2
	packet := append([]byte(nil), buf[:total]...)
	return frameResult{Packet: packet}, total, true
}

func indexMarker(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == marker0 && buf[i+1] == marker1 {
			return i
		}
	}
	return -1
}

func indexCRLF(buf []byte, from int) int {
	for i := from; i+1 < len(buf); i++ {
		if buf[i] == 0x0d && buf[i+1] == 0x0a {
			return i
		}
	}
	return -1
}
