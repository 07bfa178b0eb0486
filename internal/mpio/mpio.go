// Package mpio fans a command's numbered descriptors over a single packet
// stream. Each active fd direction is owned by exactly one worker goroutine;
// per-fd byte order is preserved at the peer, with no ordering guarantee
// across fds.
package mpio

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
)

const (
	// ReadBufSize is the per-fd ack window for command output; WriteBufSize
	// bounds the pending bytes queued for a command-input fd.
	ReadBufSize  = 128 * 1024
	WriteBufSize = 128 * 1024

	// MaxSingleWriteSize bounds one data packet's payload.
	MaxSingleWriteSize = 4 * 1024

	// MaxFdNum is the highest fd a run request may reference.
	MaxFdNum = 1023

	// FirstExtraFilesFdNum is where extra handles start; 0-2 are reserved.
	FirstExtraFilesFdNum = 3
)

// Multiplexer routes fd-tagged data packets between a running command's
// descriptors and the shared outbound sender.
type Multiplexer struct {
	lock      sync.Mutex
	CK        base.CommandKey
	fdReaders map[int]*FdReader // fds we read from (command output)
	fdWriters map[int]*FdWriter // fds we write to (command input)
	sender    *packet.PacketSender
	logger    *slog.Logger

	compression bool
	closed      bool

	started bool
	wg      sync.WaitGroup
}

func MakeMultiplexer(ck base.CommandKey, sender *packet.PacketSender, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Multiplexer{
		CK:        ck,
		fdReaders: make(map[int]*FdReader),
		fdWriters: make(map[int]*FdWriter),
		sender:    sender,
		logger:    logger,
	}
}

// SetCompression enables zstd compression of outbound data packets (must be
// negotiated in the run packet before any worker starts).
func (m *Multiplexer) SetCompression(on bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.compression = on
}

func (m *Multiplexer) getCompression() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.compression
}

// MakeReaderPipe registers fdNum as a command-output stream. The returned
// file is the write end handed to the child process; a private worker shuttles
// bytes from the read end into fd-tagged data packets.
func (m *Multiplexer) MakeReaderPipe(fdNum int) (*os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.fdReaders[fdNum] != nil || m.fdWriters[fdNum] != nil {
		pr.Close()
		pw.Close()
		return nil, base.CodedErrorf(base.ECInvalidFd, "fd %d already in use", fdNum)
	}
	m.fdReaders[fdNum] = MakeFdReader(m, pr, fdNum)
	return pw, nil
}

// MakeWriterPipe registers fdNum as a command-input stream. The returned file
// is the read end handed to the child process; incoming data packets for the
// fd are written to the write end by a private worker.
func (m *Multiplexer) MakeWriterPipe(fdNum int) (*os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.fdReaders[fdNum] != nil || m.fdWriters[fdNum] != nil {
		pr.Close()
		pw.Close()
		return nil, base.CodedErrorf(base.ECInvalidFd, "fd %d already in use", fdNum)
	}
	m.fdWriters[fdNum] = MakeFdWriter(m, pw, fdNum, false)
	return pr, nil
}

// MakeStaticWriterPipe registers fdNum as a fixed-content input stream: the
// worker writes data, signals EOF, and closes. Used for injected rc scripts.
func (m *Multiplexer) MakeStaticWriterPipe(fdNum int, data []byte, maxWrite int) (*os.File, error) {
	if maxWrite > 0 && len(data) > maxWrite {
		return nil, base.CodedErrorf(base.ECDataTooBig, "fd %d: static content %d bytes exceeds max %d", fdNum, len(data), maxWrite)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.fdReaders[fdNum] != nil || m.fdWriters[fdNum] != nil {
		pr.Close()
		pw.Close()
		return nil, base.CodedErrorf(base.ECInvalidFd, "fd %d already in use", fdNum)
	}
	w := MakeFdWriter(m, pw, fdNum, true)
	if aerr := w.AddData(data, true); aerr != nil {
		pr.Close()
		pw.Close()
		return nil, aerr
	}
	m.fdWriters[fdNum] = w
	return pr, nil
}

// MakeRawPtyReader registers the PTY master as the fd 1 output stream. PTY
// bytes flow without EOF/ack bookkeeping; the terminal layer owns semantics.
func (m *Multiplexer) MakeRawPtyReader(ptyFile *os.File) {
	m.lock.Lock()
	defer m.lock.Unlock()
	r := MakeFdReader(m, ptyFile, 1)
	r.raw = true
	m.fdReaders[1] = r
}

// MakeRawPtyWriter registers the PTY master as the fd 0 input stream.
func (m *Multiplexer) MakeRawPtyWriter(ptyFile *os.File) {
	m.lock.Lock()
	defer m.lock.Unlock()
	w := MakeFdWriter(m, ptyFile, 0, false)
	w.raw = true
	m.fdWriters[0] = w
}

// SetWriterTee mirrors every byte delivered to fdNum into tee (the command's
// stdin record). Must be set before StartIO.
func (m *Multiplexer) SetWriterTee(fdNum int, tee io.Writer) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if w := m.fdWriters[fdNum]; w != nil {
		w.tee = tee
	}
}

func makeDataPacketForMux(m *Multiplexer, fdNum int) *packet.DataPacket {
	pk := packet.MakeDataPacket()
	pk.CK = m.CK
	pk.FdNum = fdNum
	return pk
}

func makeAckPacketForMux(m *Multiplexer, fdNum int) *packet.DataAckPacket {
	pk := packet.MakeDataAckPacket()
	pk.CK = m.CK
	pk.FdNum = fdNum
	return pk
}

func (m *Multiplexer) sendPacket(pk packet.Packet) {
	if m.sender == nil {
		return
	}
	if err := m.sender.SendPacket(pk); err != nil {
		m.logger.Debug("mux send failed", "type", pk.GetType(), "err", err)
	}
}

// StartIO launches one worker per registered descriptor direction.
func (m *Multiplexer) StartIO() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started {
		return
	}
	m.started = true
	for _, r := range m.fdReaders {
		m.wg.Add(1)
		go r.Run(&m.wg)
	}
	for _, w := range m.fdWriters {
		m.wg.Add(1)
		go w.Run(&m.wg)
	}
}

// ProcessPacket routes an incoming data or ack packet to its fd worker.
// Unroutable packets are answered with an error ack rather than dropped
// silently.
func (m *Multiplexer) ProcessPacket(pk packet.Packet) {
	switch tpk := pk.(type) {
	case *packet.DataPacket:
		m.processDataPacket(tpk)
	case *packet.DataAckPacket:
		m.processAckPacket(tpk)
	}
}

func (m *Multiplexer) processDataPacket(pk *packet.DataPacket) {
	m.lock.Lock()
	w := m.fdWriters[pk.FdNum]
	m.lock.Unlock()
	if w == nil {
		ack := packet.MakeDataAckPacket()
		ack.CK = m.CK
		ack.FdNum = pk.FdNum
		ack.Error = fmt.Sprintf("no writer for fd %d", pk.FdNum)
		m.sendPacket(ack)
		return
	}
	data, err := pk.GetData()
	if err == nil {
		err = w.AddData(data, pk.Eof)
	}
	if err != nil {
		ack := packet.MakeDataAckPacket()
		ack.CK = m.CK
		ack.FdNum = pk.FdNum
		ack.Error = err.Error()
		m.sendPacket(ack)
	}
}

func (m *Multiplexer) processAckPacket(pk *packet.DataAckPacket) {
	m.lock.Lock()
	r := m.fdReaders[pk.FdNum]
	m.lock.Unlock()
	if r == nil {
		return
	}
	r.NotifyAck(pk.AckLen)
}

// CloseWriters stops the input workers once the command has exited; output
// readers drain to EOF on their own.
func (m *Multiplexer) CloseWriters() {
	m.lock.Lock()
	writers := make([]*FdWriter, 0, len(m.fdWriters))
	for _, w := range m.fdWriters {
		writers = append(writers, w)
	}
	m.lock.Unlock()
	for _, w := range writers {
		w.Close()
	}
}

// WaitForWorkers blocks until all started workers exit.
func (m *Multiplexer) WaitForWorkers() {
	m.wg.Wait()
}

// Close tears down every handle; idempotent. Workers observe their fds
// closing and exit.
func (m *Multiplexer) Close() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	readers := make([]*FdReader, 0, len(m.fdReaders))
	writers := make([]*FdWriter, 0, len(m.fdWriters))
	for _, r := range m.fdReaders {
		readers = append(readers, r)
	}
	for _, w := range m.fdWriters {
		writers = append(writers, w)
	}
	m.lock.Unlock()
	for _, r := range readers {
		r.Close()
	}
	for _, w := range writers {
		w.Close()
	}
}
