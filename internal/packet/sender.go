package packet

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
)

// PacketSender serializes concurrent producers onto one outbound stream. A
// single goroutine owns the writer, so frames never interleave; SendPacket is
// safe from any goroutine. Once the stream breaks, further sends fail fast
// with a SendError.
type PacketSender struct {
	lock   sync.Mutex
	sendCh chan Packet
	err    error
	done   chan struct{}
	logger *slog.Logger
}

func MakePacketSender(w io.Writer, logger *slog.Logger) *PacketSender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sender := &PacketSender{
		sendCh: make(chan Packet, 128),
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		defer close(sender.done)
		for pk := range sender.sendCh {
			if sender.Err() != nil {
				continue // drain
			}
			barr, err := MarshalPacket(pk)
			if err != nil {
				logger.Warn("cannot marshal packet", "type", pk.GetType(), "err", err)
				continue
			}
			if _, err := w.Write(barr); err != nil {
				sender.setErr(&SendError{Err: err})
			}
		}
	}()
	return sender
}

func (s *PacketSender) setErr(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err reports the first stream error, if any.
func (s *PacketSender) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// SendPacket queues one record for transmission.
func (s *PacketSender) SendPacket(pk Packet) error {
	if err := s.Err(); err != nil {
		return err
	}
	defer func() {
		// closed channel after Close; report rather than panic
		if r := recover(); r != nil {
			s.setErr(fmt.Errorf("send after close"))
		}
	}()
	s.sendCh <- pk
	return nil
}

// SendErrorResponse reports a command-scoped error to the peer.
func (s *PacketSender) SendErrorResponse(ck base.CommandKey, err error) error {
	return s.SendPacket(MakeErrorResponsePacket(ck, err))
}

// SendMessageFmt emits a free-form diagnostic message.
func (s *PacketSender) SendMessageFmt(format string, args ...any) error {
	return s.SendPacket(FmtMessagePacket(format, args...))
}

// Close flushes queued packets and stops the writer goroutine. Idempotent
// sends after Close return an error instead of panicking.
func (s *PacketSender) Close() {
	defer func() {
		_ = recover() // double close
	}()
	close(s.sendCh)
	<-s.done
}
