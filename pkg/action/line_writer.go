package action

import (
	"bytes"
	"strings"
	"sync"
)

// lineWriter is an io.Writer handing every complete line to a sink.
type lineWriter struct {
	mu     sync.Mutex
	sink   func(line string)
	buffer bytes.Buffer
}

func newLineWriter(sink func(line string)) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer.Write(p)
	for {
		i := bytes.IndexByte(w.buffer.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.buffer.Next(i+1)), "\n")
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			w.sink(line)
		}
	}
	return len(p), nil
}

// Flush hands the trailing partial line, if any, to the sink.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buffer.Len() > 0 {
		w.sink(w.buffer.String())
		w.buffer.Reset()
	}
}
