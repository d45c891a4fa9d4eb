package serialmux

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ReplayPort is a SerialPorter that plays back recorded sensor output, one
// line per interval. Commands written to it are kept for inspection. The
// port reports EOF once the recording is exhausted.
type ReplayPort struct {
	r    *io.PipeReader
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	written   bytes.Buffer
}

// NewReplayPort starts playing src. An interval of zero replays as fast as
// the reader consumes.
func NewReplayPort(src io.Reader, interval time.Duration) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{r: r, done: make(chan struct{})}
	go p.play(src, w, interval)
	return p
}

func (p *ReplayPort) play(src io.Reader, w *io.PipeWriter, interval time.Duration) {
	scan := bufio.NewScanner(src)
	scan.Buffer(make([]byte, 4096), maxLineLength)

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for scan.Scan() {
		if tick != nil {
			select {
			case <-tick:
			case <-p.done:
				w.CloseWithError(io.ErrClosedPipe)
				return
			}
		}
		line := make([]byte, 0, len(scan.Bytes())+1)
		line = append(append(line, scan.Bytes()...), '\n')
		if _, err := w.Write(line); err != nil {
			return
		}
	}
	w.CloseWithError(scan.Err())
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write records b and reports it fully written.
func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns everything written to the port so far.
func (p *ReplayPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *ReplayPort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.r.Close()
	})
	return nil
}

// NewReplaySerialMux creates a SerialMux that replays the recording at path.
func NewReplaySerialMux(path string, interval time.Duration) (*SerialMux[*ReplayPort], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return NewSerialMux(NewReplayPort(bytes.NewReader(data), interval)), nil
}
