package mpio

import (
	"bytes"
	"io"
	"testing"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
)

var testCK = base.MakeCommandKey("4f2660a5-5ec5-4d1b-82c0-2379c38dd726", "2c9c0cf8-1618-46ee-b4c2-0f4ec0a5d8a3")

func collectPackets(t *testing.T, buf *bytes.Buffer) []packet.Packet {
	t.Helper()
	parser := packet.MakePacketParser(bytes.NewReader(buf.Bytes()), nil)
	var pks []packet.Packet
	for {
		pk, err := parser.ParseNext()
		if err != nil {
			return pks
		}
		if pk.GetType() == packet.EndPacketStr {
			return pks
		}
		pks = append(pks, pk)
	}
}

func TestMultiplexer_DuplicateFdRejected(t *testing.T) {
	m := MakeMultiplexer(testCK, nil, nil)
	if _, err := m.MakeReaderPipe(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := m.MakeReaderPipe(1)
	if base.GetErrorCode(err) != base.ECInvalidFd {
		t.Fatalf("expected %s, got %v", base.ECInvalidFd, err)
	}
	if _, err := m.MakeWriterPipe(1); base.GetErrorCode(err) != base.ECInvalidFd {
		t.Fatalf("expected %s for writer on reader fd, got %v", base.ECInvalidFd, err)
	}
	m.Close()
}

func TestMultiplexer_ReaderPipeDataFlow(t *testing.T) {
	var buf bytes.Buffer
	sender := packet.MakePacketSender(&buf, nil)
	m := MakeMultiplexer(testCK, sender, nil)
	childEnd, err := m.MakeReaderPipe(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.StartIO()
	childEnd.Write([]byte("hello"))
	childEnd.Close()
	m.WaitForWorkers()
	sender.Close()

	var got []byte
	sawEof := false
	for _, pk := range collectPackets(t, &buf) {
		dataPk, ok := pk.(*packet.DataPacket)
		if !ok {
			continue
		}
		if dataPk.FdNum != 1 {
			t.Fatalf("unexpected fd %d", dataPk.FdNum)
		}
		data, derr := dataPk.GetData()
		if derr != nil {
			t.Fatalf("get data failed: %v", derr)
		}
		got = append(got, data...)
		if dataPk.Eof {
			sawEof = true
		}
	}
	if string(got) != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if !sawEof {
		t.Fatalf("missing eof record")
	}
	m.Close()
}

func TestMultiplexer_WriterPipeDataFlow(t *testing.T) {
	var buf bytes.Buffer
	sender := packet.MakePacketSender(&buf, nil)
	m := MakeMultiplexer(testCK, sender, nil)
	childEnd, err := m.MakeWriterPipe(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.StartIO()
	dataPk := packet.MakeDataPacket()
	dataPk.CK = testCK
	dataPk.FdNum = 0
	dataPk.SetData([]byte("stdin bytes"), false)
	m.ProcessPacket(dataPk)
	eofPk := packet.MakeDataPacket()
	eofPk.CK = testCK
	eofPk.FdNum = 0
	eofPk.Eof = true
	m.ProcessPacket(eofPk)

	got, rerr := io.ReadAll(childEnd)
	if rerr != nil {
		t.Fatalf("read failed: %v", rerr)
	}
	if string(got) != "stdin bytes" {
		t.Fatalf("expected stdin bytes, got %q", got)
	}
	m.WaitForWorkers()
	sender.Close()
	m.Close()
}

func TestMultiplexer_StaticWriterPipe(t *testing.T) {
	var buf bytes.Buffer
	sender := packet.MakePacketSender(&buf, nil)
	m := MakeMultiplexer(testCK, sender, nil)
	content := []byte("echo injected rc\n")
	childEnd, err := m.MakeStaticWriterPipe(5, content, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.StartIO()
	got, rerr := io.ReadAll(childEnd)
	if rerr != nil {
		t.Fatalf("read failed: %v", rerr)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("static content mismatch: %q", got)
	}
	m.WaitForWorkers()
	sender.Close()
	m.Close()
}

func TestMultiplexer_StaticWriterPipeTooBig(t *testing.T) {
	m := MakeMultiplexer(testCK, nil, nil)
	_, err := m.MakeStaticWriterPipe(5, bytes.Repeat([]byte("x"), 100), 10)
	if base.GetErrorCode(err) != base.ECDataTooBig {
		t.Fatalf("expected %s, got %v", base.ECDataTooBig, err)
	}
	m.Close()
}

func TestMultiplexer_WriterBufferBounded(t *testing.T) {
	var buf bytes.Buffer
	sender := packet.MakePacketSender(&buf, nil)
	m := MakeMultiplexer(testCK, sender, nil)
	if _, err := m.MakeWriterPipe(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// worker not started, so nothing drains and the bound is what holds
	chunk := bytes.Repeat([]byte("x"), 8*1024)
	sent := 0
	for sent+len(chunk) <= WriteBufSize {
		dataPk := packet.MakeDataPacket()
		dataPk.CK = testCK
		dataPk.FdNum = 0
		dataPk.SetData(chunk, false)
		m.ProcessPacket(dataPk)
		sent += len(chunk)
	}
	overPk := packet.MakeDataPacket()
	overPk.CK = testCK
	overPk.FdNum = 0
	overPk.SetData(chunk, false)
	m.ProcessPacket(overPk)
	sender.Close()

	errAcks := 0
	for _, pk := range collectPackets(t, &buf) {
		if ack, ok := pk.(*packet.DataAckPacket); ok && ack.Error != "" {
			if ack.FdNum != 0 {
				t.Fatalf("error ack for wrong fd %d", ack.FdNum)
			}
			errAcks++
		}
	}
	if errAcks != 1 {
		t.Fatalf("expected one error ack for the overflow, got %d", errAcks)
	}
	w := m.fdWriters[0]
	w.lock.Lock()
	pending := len(w.buf)
	w.lock.Unlock()
	if pending > WriteBufSize {
		t.Fatalf("pending input %d exceeds bound %d", pending, WriteBufSize)
	}
	m.Close()
}

func TestMultiplexer_StaticContentExemptFromInputBound(t *testing.T) {
	m := MakeMultiplexer(testCK, nil, nil)
	content := bytes.Repeat([]byte("r"), 2*WriteBufSize)
	childEnd, err := m.MakeStaticWriterPipe(5, content, 4*WriteBufSize)
	if err != nil {
		t.Fatalf("static content above the input bound rejected: %v", err)
	}
	m.StartIO()
	got, rerr := io.ReadAll(childEnd)
	if rerr != nil {
		t.Fatalf("read failed: %v", rerr)
	}
	if len(got) != len(content) {
		t.Fatalf("expected %d bytes, got %d", len(content), len(got))
	}
	m.WaitForWorkers()
	m.Close()
}

func TestMultiplexer_WriterTeeRecordsInput(t *testing.T) {
	var out bytes.Buffer
	sender := packet.MakePacketSender(&out, nil)
	m := MakeMultiplexer(testCK, sender, nil)
	childEnd, err := m.MakeWriterPipe(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var record bytes.Buffer
	m.SetWriterTee(0, &record)
	m.StartIO()
	dataPk := packet.MakeDataPacket()
	dataPk.CK = testCK
	dataPk.FdNum = 0
	dataPk.SetData([]byte("typed input"), false)
	m.ProcessPacket(dataPk)
	eofPk := packet.MakeDataPacket()
	eofPk.CK = testCK
	eofPk.FdNum = 0
	eofPk.Eof = true
	m.ProcessPacket(eofPk)
	got, rerr := io.ReadAll(childEnd)
	if rerr != nil {
		t.Fatalf("read failed: %v", rerr)
	}
	m.WaitForWorkers()
	sender.Close()
	if string(got) != "typed input" {
		t.Fatalf("child got %q", got)
	}
	if record.String() != "typed input" {
		t.Fatalf("tee recorded %q", record.String())
	}
	m.Close()
}

func TestMultiplexer_DataForUnknownFdAnsweredWithErrorAck(t *testing.T) {
	var buf bytes.Buffer
	sender := packet.MakePacketSender(&buf, nil)
	m := MakeMultiplexer(testCK, sender, nil)
	dataPk := packet.MakeDataPacket()
	dataPk.CK = testCK
	dataPk.FdNum = 7
	dataPk.SetData([]byte("lost"), false)
	m.ProcessPacket(dataPk)
	sender.Close()

	pks := collectPackets(t, &buf)
	if len(pks) != 1 {
		t.Fatalf("expected one ack, got %d packets", len(pks))
	}
	ack, ok := pks[0].(*packet.DataAckPacket)
	if !ok || ack.Error == "" || ack.FdNum != 7 {
		t.Fatalf("expected error ack for fd 7, got %#v", pks[0])
	}
	m.Close()
}
