package mpio

import (
	"fmt"
	"io"
	"sync"
)

// FdWriter owns one command-input descriptor. Incoming data packets append to
// a buffer; the worker drains the buffer into the fd and acks consumed bytes
// so the peer can send more. Static writers are pre-filled and take no
// further data.
type FdWriter struct {
	lock   sync.Mutex
	cond   *sync.Cond
	m      *Multiplexer
	fdNum  int
	fd     io.WriteCloser
	raw    bool
	static bool
	tee    io.Writer
	buf    []byte
	eof    bool
	closed bool
}

func MakeFdWriter(m *Multiplexer, fd io.WriteCloser, fdNum int, isStatic bool) *FdWriter {
	w := &FdWriter{
		m:      m,
		fd:     fd,
		fdNum:  fdNum,
		static: isStatic,
	}
	w.cond = sync.NewCond(&w.lock)
	return w
}

// AddData appends incoming bytes (and the EOF marker) for the worker to
// drain. Data arriving for a static or already-EOF'd writer is dropped.
// The pending buffer is bounded by WriteBufSize; a peer that honors the
// ack window never trips the bound.
func (w *FdWriter) AddData(data []byte, eof bool) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed || (w.eof && !w.static) {
		return nil
	}
	if w.static && w.eof {
		// static content is set exactly once at construction
		return nil
	}
	if !w.static && len(w.buf)+len(data) > WriteBufSize {
		return fmt.Errorf("fd %d: input buffer full (%d pending, %d incoming, max %d)", w.fdNum, len(w.buf), len(data), WriteBufSize)
	}
	w.buf = append(w.buf, data...)
	if eof {
		w.eof = true
	}
	w.cond.Broadcast()
	return nil
}

func (w *FdWriter) sendAck(ackLen int) {
	if w.raw || w.static {
		return
	}
	ack := makeAckPacketForMux(w.m, w.fdNum)
	ack.AckLen = ackLen
	w.m.sendPacket(ack)
}

// Run drains the buffer into the fd until EOF or close. It closes the fd on
// exit so the child process observes end-of-input.
func (w *FdWriter) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer w.closeFd()
	for {
		w.lock.Lock()
		for len(w.buf) == 0 && !w.eof && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.lock.Unlock()
			return
		}
		chunk := w.buf
		w.buf = nil
		eof := w.eof
		w.lock.Unlock()
		for len(chunk) > 0 {
			n := len(chunk)
			if n > MaxSingleWriteSize {
				n = MaxSingleWriteSize
			}
			written, err := w.fd.Write(chunk[:n])
			if written > 0 {
				if w.tee != nil {
					w.tee.Write(chunk[:written])
				}
				w.sendAck(written)
			}
			if err != nil {
				return
			}
			chunk = chunk[written:]
		}
		if eof {
			return
		}
	}
}

func (w *FdWriter) closeFd() {
	if w.raw {
		// pty masters are owned by the executor
		return
	}
	w.fd.Close()
}

// Close wakes and stops the worker; idempotent.
func (w *FdWriter) Close() {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return
	}
	w.closed = true
	w.lock.Unlock()
	if !w.raw {
		w.fd.Close()
	}
	w.cond.Broadcast()
}
