// Package stream splits a chat completion byte stream made of concatenated JSON objects into
// independently parseable candidates.
//
// Objects in the stream are neither wrapped in an array nor separated by commas, and network chunk
// boundaries do not line up with object boundaries. The Decoder keeps one growing buffer and tracks
// brace depth with an incremental scanner that understands JSON strings, so a separator such as
// "}\n{" inside a string value never splits an object.
package stream

import (
	"bytes"
)

// Decoder finds top-level JSON object boundaries across arbitrarily fragmented input. The zero value
// is ready to use. Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	pos int // next byte to scan; bytes before pos are never rescanned

	active   bool // a candidate is open at start
	start    int
	junk     bool // the open candidate is stray text between objects
	depth    int
	inString bool
	escaped  bool
}

// Feed appends chunk to the buffer and returns every candidate completed by it, in stream order. A
// candidate is either one balanced top-level object, including its braces, or a run of stray
// non-whitespace text found between objects. Stray text and objects cut short by an illegal raw
// newline inside a string are returned too, so the caller can report them when they fail to parse.
//
// The returned slices are owned by the caller.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for d.pos < len(d.buf) {
		c := d.buf[d.pos]

		if !d.active {
			if isSpace(c) {
				d.pos++
				continue
			}
			d.open(c == '{')
			d.pos++
			continue
		}

		if d.junk {
			if c == '{' {
				// Leave pos on the brace, it opens the next object.
				out = d.emit(out, d.pos)
				continue
			}
			d.pos++
			continue
		}

		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			case c == '\n':
				// JSON strings cannot hold a raw newline; the object is broken, resync after it.
				out = d.emit(out, d.pos)
			}
			d.pos++
			continue
		}

		switch c {
		case '"':
			d.inString = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth == 0 {
				out = d.emit(out, d.pos+1)
			}
		}
		d.pos++
	}

	d.compact()
	return out
}

// Flush returns the non-blank bytes left in the buffer once the stream has ended, or nil. The decoder
// is reset afterwards.
func (d *Decoder) Flush() []byte {
	var rest []byte
	if d.active {
		rest = bytes.TrimSpace(d.buf[d.start:])
	}
	*d = Decoder{}
	if len(rest) == 0 {
		return nil
	}
	return bytes.Clone(rest)
}

// Buffered returns the number of bytes held for an unfinished candidate.
func (d *Decoder) Buffered() int {
	if !d.active {
		return 0
	}
	return len(d.buf) - d.start
}

func (d *Decoder) open(object bool) {
	d.active = true
	d.start = d.pos
	d.junk = !object
	d.depth = 0
	if object {
		d.depth = 1
	}
	d.inString = false
	d.escaped = false
}

func (d *Decoder) emit(out [][]byte, end int) [][]byte {
	candidate := bytes.TrimSpace(d.buf[d.start:end])
	d.active = false
	d.junk = false
	d.depth = 0
	d.inString = false
	d.escaped = false
	if len(candidate) == 0 {
		return out
	}
	return append(out, bytes.Clone(candidate))
}

// compact drops consumed bytes so the buffer only holds the unfinished candidate.
func (d *Decoder) compact() {
	cut := d.pos
	if d.active {
		cut = d.start
	}
	if cut == 0 {
		return
	}
	n := copy(d.buf, d.buf[cut:])
	d.buf = d.buf[:n]
	d.pos -= cut
	if d.active {
		d.start = 0
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
