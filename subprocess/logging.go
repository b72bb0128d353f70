package subprocess

import (
	"bufio"
	"io"
	"sync"

	"github.com/nebula-cloud/nebula/log"
)

// Tail is an io.Writer retaining the last max bytes written to it. Encoder
// stderr goes through one so job failures can record a bounded excerpt.
type Tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func NewTail(max int) *Tail {
	return &Tail{max: max}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Stream copies src line by line into the request log and, when tail is
// non-nil, into tail. It returns when src is exhausted.
func Stream(requestID, source string, src io.Reader, tail *Tail) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Log(requestID, "subprocess output", "source", source, "line", line)
		if tail != nil {
			tail.Write(append([]byte(line), '\n'))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Log(requestID, "error reading subprocess output", "source", source, "err", err)
	}
}
