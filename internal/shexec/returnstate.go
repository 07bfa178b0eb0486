package shexec

import (
	"bytes"
	"os"
	"sync"
	"time"
)

// ReturnStateTimeout bounds how long we wait after process exit for the exit
// trap to finish dumping state before force-closing the capture descriptor.
const ReturnStateTimeout = 2 * time.Second

// ReturnStateReadBufMax caps the capture buffer so a runaway trap cannot
// exhaust memory.
const ReturnStateReadBufMax = 5 * 1024 * 1024

// ReturnStateBuf captures the exit trap's dump from a dedicated descriptor.
// Its worker reads until the end marker appears or the descriptor closes,
// then signals DoneCh.
type ReturnStateBuf struct {
	lock      sync.Mutex
	fd        *os.File
	buf       []byte
	endMarker []byte
	done      bool
	DoneCh    chan bool
}

func MakeReturnStateBuf(fd *os.File, endMarker string) *ReturnStateBuf {
	return &ReturnStateBuf{
		fd:        fd,
		endMarker: []byte(endMarker),
		DoneCh:    make(chan bool),
	}
}

// Run is the capture worker; it owns all reads from the descriptor.
func (r *ReturnStateBuf) Run() {
	defer func() {
		r.lock.Lock()
		if !r.done {
			r.done = true
			close(r.DoneCh)
		}
		r.lock.Unlock()
		r.fd.Close()
	}()
	readBuf := make([]byte, 4096)
	for {
		n, err := r.fd.Read(readBuf)
		if n > 0 {
			r.lock.Lock()
			if len(r.buf)+n <= ReturnStateReadBufMax {
				r.buf = append(r.buf, readBuf[:n]...)
			}
			sawEnd := bytes.Contains(r.buf, r.endMarker)
			r.lock.Unlock()
			if sawEnd {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Bytes returns the captured content.
func (r *ReturnStateBuf) Bytes() []byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.buf
}

// ForceClose unblocks the worker by closing the descriptor out from under it;
// used when the post-exit wait times out.
func (r *ReturnStateBuf) ForceClose() {
	r.fd.Close()
}
