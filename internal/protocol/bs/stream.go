// Package bs implements the ASCII "BS" wire protocol: frames of the form
// "[vendor(2)*imei(10)*dlen(4 hex)*payload]" where payload is a
// comma-separated command verb followed by its fields (or, for TK,
// escaped binary audio). Unlike ZX the length field here is trustworthy
// and drives framing directly.
package bs

import (
	"fmt"
	"regexp"
)

// MaxBuffer bounds the deframer's rolling buffer before it is dropped as
// unparseable junk.
const MaxBuffer = 65557

var frameStartRE = regexp.MustCompile(`\[(\w\w)\*(\d{10})\*([0-9a-fA-F]{4})\*`)

// frameStart locates the next frame header in buf, returning the byte
// offset it starts at, the two-letter vendor id, the 10-digit IMEI and
// the declared payload length. offset is -1 if no header is present.
func frameStart(buf []byte) (offset int, vendor, imei string, datalen int) {
	loc := frameStartRE.FindSubmatchIndex(buf)
	if loc == nil {
		return -1, "", "", 0
	}
	vendor = string(buf[loc[2]:loc[3]])
	imei = string(buf[loc[4]:loc[5]])
	var dl int
	fmt.Sscanf(string(buf[loc[6]:loc[7]]), "%x", &dl)
	return loc[0], vendor, imei, dl
}

// Deframer is the BS deframer behind this module's protocol.Stream
// (wrapped by streamAdapter): one instance per TCP connection.
type Deframer struct {
	buf     []byte
	imei    string
	datalen int
}

// NewDeframer returns an empty deframer.
func NewDeframer() *Deframer {
	return &Deframer{}
}

type frameResult struct {
	Packet  []byte
	Warning string
}

// Recv absorbs segment and returns every frame (and framing warning) it
// could complete, in arrival order.
func (d *Deframer) Recv(segment []byte) []frameResult {
	d.buf = append(d.buf, segment...)
	if len(d.buf) > MaxBuffer {
		d.buf = nil
		d.datalen = 0
		return []frameResult{{Warning: fmt.Sprintf("bs: more than %d unparseable bytes, dropping", MaxBuffer)}}
	}

	var out []frameResult
	for {
		if d.datalen == 0 {
			toskip, _, imei, datalen := frameStart(d.buf)
			if toskip < 0 {
				break
			}
			if toskip > 0 {
				n := toskip
				if n > 64 {
					n = 64
				}
				out = append(out, frameResult{Warning: fmt.Sprintf(
					"bs: skipping %d bytes of undecodable data %q", toskip, d.buf[:n])})
				d.buf = d.buf[toskip:]
			}
			if d.imei == "" {
				d.imei = imei
			} else if d.imei != imei {
				out = append(out, frameResult{Warning: fmt.Sprintf(
					"bs: packet's imei %s mismatches previous value %s, old value kept", imei, d.imei)})
			}
			d.datalen = datalen
		}

		if len(d.buf) < d.datalen+21 {
			break
		}
		if d.buf[d.datalen+20] == ']' {
			packet := append([]byte(nil), d.buf[:d.datalen+21]...)
			out = append(out, frameResult{Packet: packet})
		} else {
			out = append(out, frameResult{Warning: fmt.Sprintf(
				"bs: packet does not end with ']' at offset %d", d.datalen+20)})
		}
		d.buf = d.buf[d.datalen+21:]
		d.datalen = 0
	}
	return out
}

// Close returns and discards whatever is left unparsed.
func (d *Deframer) Close() []byte {
	rest := d.buf
	d.buf = nil
	d.imei = ""
	d.datalen = 0
	return rest
}
