package shexec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
)

func TestWaitForRunPacket_SkipsPreamble(t *testing.T) {
	runPk := makeTestRunPacket(t)
	var input bytes.Buffer
	inSender := packet.MakePacketSender(&input, nil)
	inSender.SendPacket(packet.MakeInitPacket())
	inSender.SendPacket(packet.MakePingPacket(1))
	inSender.SendPacket(runPk)
	inSender.Close()

	parser := packet.MakePacketParser(bytes.NewReader(input.Bytes()), nil)
	sender := packet.MakePacketSender(&bytes.Buffer{}, nil)
	defer sender.Close()
	got, err := waitForRunPacket(parser, sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CK != runPk.CK {
		t.Fatalf("wrong run packet: %#v", got)
	}
}

func TestWaitForRunPacket_EmptyStream(t *testing.T) {
	parser := packet.MakePacketParser(strings.NewReader(""), nil)
	sender := packet.MakePacketSender(&bytes.Buffer{}, nil)
	defer sender.Close()
	if _, err := waitForRunPacket(parser, sender); err == nil {
		t.Fatalf("expected error on empty stream")
	}
}

func TestServer_RunsCommandAndReportsDone(t *testing.T) {
	ectx := makeTestExecContext(t)
	var out bytes.Buffer
	sender := packet.MakePacketSender(&out, nil)
	s := MakeServer(ectx, sender)
	runPk := makeTestRunPacket(t)
	s.handleRunPacket(runPk)
	waitWithTimeout(&s.wg, 10*time.Second)
	sender.Close()

	var sawStart, sawDataEnd, sawDone bool
	var stdout []byte
	parser := packet.MakePacketParser(bytes.NewReader(out.Bytes()), nil)
	for {
		pk, err := parser.ParseNext()
		if err != nil || pk.GetType() == packet.EndPacketStr {
			break
		}
		switch tpk := pk.(type) {
		case *packet.CmdStartPacket:
			if tpk.CK != runPk.CK || tpk.Pid <= 0 {
				t.Fatalf("bad start packet: %#v", tpk)
			}
			sawStart = true
		case *packet.DataEndPacket:
			if sawDone {
				t.Fatalf("dataend arrived after done")
			}
			sawDataEnd = true
		case *packet.CmdDonePacket:
			if tpk.ExitCode != 0 {
				t.Fatalf("expected exit 0, got %d", tpk.ExitCode)
			}
			sawDone = true
		case *packet.DataPacket:
			if tpk.FdNum == 1 {
				data, derr := tpk.GetData()
				if derr != nil {
					t.Fatalf("bad data: %v", derr)
				}
				stdout = append(stdout, data...)
			}
		}
	}
	if !sawStart || !sawDataEnd || !sawDone {
		t.Fatalf("missing lifecycle packets: start=%v dataend=%v done=%v", sawStart, sawDataEnd, sawDone)
	}
	if string(stdout) != "hi\n" {
		t.Fatalf("expected %q, got %q", "hi\n", stdout)
	}
	if s.getCmd(runPk.CK) != nil {
		t.Fatalf("command not unregistered after done")
	}
}

func TestServer_ErrorIsolatedToKey(t *testing.T) {
	ectx := makeTestExecContext(t)
	var out bytes.Buffer
	sender := packet.MakePacketSender(&out, nil)
	s := MakeServer(ectx, sender)
	badPk := makeTestRunPacket(t)
	badPk.Cwd = "/definitely/not/a/real/dir"
	s.handleRunPacket(badPk)
	goodPk := makeTestRunPacket(t)
	s.handleRunPacket(goodPk)
	waitWithTimeout(&s.wg, 10*time.Second)
	sender.Close()

	var sawError, sawDone bool
	parser := packet.MakePacketParser(bytes.NewReader(out.Bytes()), nil)
	for {
		pk, err := parser.ParseNext()
		if err != nil || pk.GetType() == packet.EndPacketStr {
			break
		}
		switch tpk := pk.(type) {
		case *packet.ResponsePacket:
			if tpk.CK == badPk.CK && tpk.Code == base.ECInvalidCwd {
				sawError = true
			}
		case *packet.CmdDonePacket:
			if tpk.CK == goodPk.CK {
				sawDone = true
			}
		}
	}
	if !sawError {
		t.Fatalf("missing error response for bad command")
	}
	if !sawDone {
		t.Fatalf("good command did not complete")
	}
}
