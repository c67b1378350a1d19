package wire

import (
	"bufio"
	"io"
	"strings"
)

// Decoder reads frames from a live stream one at a time. Malformed frames
// are skipped so one bad payload cannot end the read.
type Decoder struct {
	s    *bufio.Scanner
	done bool
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Decoder{s: s}
}

// Next returns the next decoded event. It returns io.EOF when the stream
// ends cleanly, or the underlying read error otherwise.
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}
	var data []string
	for d.s.Scan() {
		line := ParseLine(d.s.Text())
		switch line.Kind {
		case LineData:
			data = append(data, line.Value)
		case LineEmpty:
			if len(data) == 0 {
				continue
			}
			ev, err := decodePayload(strings.Join(data, "\n"))
			data = nil
			if err != nil {
				continue
			}
			return ev, nil
		}
	}
	d.done = true
	if err := d.s.Err(); err != nil {
		return Event{}, err
	}
	if len(data) > 0 {
		if ev, err := decodePayload(strings.Join(data, "\n")); err == nil {
			return ev, nil
		}
	}
	return Event{}, io.EOF
}
