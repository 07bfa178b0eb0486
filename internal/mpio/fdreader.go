package mpio

import (
	"io"
	"sync"
)

// FdReader owns one command-output descriptor. Its worker reads the fd and
// emits fd-tagged data packets, throttled by peer acks so at most ReadBufSize
// bytes are in flight. Raw (PTY) readers skip the EOF/ack bookkeeping.
type FdReader struct {
	lock    sync.Mutex
	cond    *sync.Cond
	m       *Multiplexer
	fdNum   int
	fd      io.ReadCloser
	raw     bool
	unacked int
	closed  bool
	eofSent bool
}

func MakeFdReader(m *Multiplexer, fd io.ReadCloser, fdNum int) *FdReader {
	r := &FdReader{
		m:     m,
		fd:    fd,
		fdNum: fdNum,
	}
	r.cond = sync.NewCond(&r.lock)
	return r
}

// NotifyAck credits acked bytes back to the in-flight window.
func (r *FdReader) NotifyAck(ackLen int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.unacked -= ackLen
	if r.unacked < 0 {
		r.unacked = 0
	}
	r.cond.Broadcast()
}

// waitForWindow blocks until len bytes fit in the flight window or the reader
// is closed. Returns false when closed.
func (r *FdReader) waitForWindow(dataLen int) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for {
		if r.closed {
			return false
		}
		if r.raw || r.unacked+dataLen <= ReadBufSize {
			r.unacked += dataLen
			return true
		}
		r.cond.Wait()
	}
}

func (r *FdReader) sendData(data []byte, eof bool, readErr string) {
	pk := makeDataPacketForMux(r.m, r.fdNum)
	pk.SetData(data, r.m.getCompression())
	pk.Eof = eof
	pk.Error = readErr
	r.m.sendPacket(pk)
}

// Run is the worker loop; it exits when the fd reaches EOF, errors, or the
// reader is closed.
func (r *FdReader) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, MaxSingleWriteSize)
	for {
		n, err := r.fd.Read(buf)
		if n > 0 {
			if !r.waitForWindow(n) {
				return
			}
			r.sendData(buf[:n], false, "")
		}
		if err != nil {
			if r.isClosed() {
				return
			}
			if r.raw {
				// pty masters error out when the child exits; not a stream error
				return
			}
			if err == io.EOF {
				r.sendEof("")
			} else {
				r.sendEof(err.Error())
			}
			return
		}
	}
}

func (r *FdReader) sendEof(errStr string) {
	r.lock.Lock()
	if r.eofSent {
		r.lock.Unlock()
		return
	}
	r.eofSent = true
	r.lock.Unlock()
	r.sendData(nil, true, errStr)
}

func (r *FdReader) isClosed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.closed
}

// Close releases the fd and wakes the worker. Idempotent.
func (r *FdReader) Close() {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return
	}
	r.closed = true
	r.lock.Unlock()
	if !r.raw {
		// raw pty fds are owned by the executor, which closes them itself
		r.fd.Close()
	}
	r.cond.Broadcast()
}
