package stream

import "bytes"

// MaxLineBytes bounds a pending line. Longer lines are dropped and
// reported through TakeDropped.
const MaxLineBytes = 4 << 20

// LineDecoder turns arbitrary chunks into complete newline-terminated
// lines. A trailing partial line is held until more data or Flush.
type LineDecoder struct {
	// Max overrides MaxLineBytes when positive.
	Max int

	buf        []byte
	discarding bool
	dropped    int
}

// Feed appends chunk and returns every line it completed, without the line
// terminator. CRLF endings are accepted.
func (d *LineDecoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:idx], []byte{'\r'})
		switch {
		case d.discarding:
			d.discarding = false
		case len(line) > d.max():
			d.dropped++
		default:
			lines = append(lines, string(line))
		}
		d.buf = d.buf[idx+1:]
	}
	if d.discarding || len(d.buf) > d.max() {
		if !d.discarding {
			d.dropped++
			d.discarding = true
		}
		d.buf = nil
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the decoder.
func (d *LineDecoder) Flush() string {
	rest := string(bytes.TrimSuffix(d.buf, []byte{'\r'}))
	d.buf = nil
	d.discarding = false
	return rest
}

// Buffered reports how many bytes are waiting for a newline.
func (d *LineDecoder) Buffered() int {
	return len(d.buf)
}

// TakeDropped returns how many oversized lines were dropped since the last
// call.
func (d *LineDecoder) TakeDropped() int {
	n := d.dropped
	d.dropped = 0
	return n
}

func (d *LineDecoder) max() int {
	if d.Max > 0 {
		return d.Max
	}
	return MaxLineBytes
}
