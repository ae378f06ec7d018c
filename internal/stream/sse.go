package stream

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Reader splits a text/event-stream body into frames.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r. Lines longer than 1 MiB fail the read.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{sc: sc}
}

// Next returns the next frame. Frames without data are dispatched only when
// they carry an event name. Returns io.EOF when the body ends cleanly.
func (r *Reader) Next() (Frame, error) {
	var (
		f    Frame
		data []string
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if len(data) == 0 && f.Event == "" {
				continue
			}
			f.Data = strings.Join(data, "\n")
			if f.Event == "" {
				f.Event = "message"
			}
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		case "id":
			f.ID = value
		}
	}
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
