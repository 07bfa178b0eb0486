package packet

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
)

func TestMarshalPacket_Framing(t *testing.T) {
	pk := MakeMessagePacket("hello")
	barr, err := MarshalPacket(pk)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	line := string(barr)
	if !strings.HasPrefix(line, "##") || !strings.HasSuffix(line, "\n") {
		t.Fatalf("bad frame: %q", line)
	}
	body := line[strings.Index(line, "#")+2:]
	hashIdx := strings.Index(body, "#")
	if hashIdx < 0 {
		t.Fatalf("no length separator: %q", line)
	}
	if fmt.Sprintf("%d", len(body)-hashIdx-2) != body[:hashIdx] {
		t.Fatalf("declared length mismatch: %q", line)
	}
}

func TestPacketParser_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sender := MakePacketSender(&buf, nil)
	sender.SendPacket(MakeMessagePacket("one"))
	sender.SendPacket(MakePingPacket(42))
	sender.Close()

	parser := MakePacketParser(&buf, nil)
	pk1, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("parse 1 failed: %v", err)
	}
	msg, ok := pk1.(*MessagePacket)
	if !ok || msg.Message != "one" {
		t.Fatalf("expected message packet, got %#v", pk1)
	}
	pk2, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("parse 2 failed: %v", err)
	}
	ping, ok := pk2.(*PingPacket)
	if !ok || ping.Ts != 42 {
		t.Fatalf("expected ping packet, got %#v", pk2)
	}
}

func TestPacketParser_RawRecovery(t *testing.T) {
	input := "Welcome to the server!\n##7#{bad json\n"
	parser := MakePacketParser(strings.NewReader(input), nil)
	pk, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	raw, ok := pk.(*RawPacket)
	if !ok || raw.Data != "Welcome to the server!" {
		t.Fatalf("expected raw packet, got %#v", pk)
	}
	// second line declares length 7 but the body is longer; not a frame,
	// so it comes back raw too
	pk, err = parser.ParseNext()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := pk.(*RawPacket); !ok {
		t.Fatalf("expected raw packet for bad frame, got %#v", pk)
	}
}

func TestPacketParser_MalformedBodyDropped(t *testing.T) {
	body := `{"type":"message","message":` // truncated json
	input := fmt.Sprintf("##%d#%s\n", len(body), body)
	parser := MakePacketParser(strings.NewReader(input), nil)
	pk, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	// the malformed record is skipped; next comes the end of stream
	if _, ok := pk.(*EndPacket); !ok {
		t.Fatalf("expected end packet, got %#v", pk)
	}
}

func TestPacketParser_EndThenEOF(t *testing.T) {
	parser := MakePacketParser(strings.NewReader(""), nil)
	pk, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := pk.(*EndPacket); !ok {
		t.Fatalf("expected end packet, got %#v", pk)
	}
	if _, err := parser.ParseNext(); err != io.EOF {
		t.Fatalf("expected io.EOF after end packet, got %v", err)
	}
}

func TestPacketParser_UnknownTypeHandler(t *testing.T) {
	body := `{"type":"sidechannel","payload":"x"}`
	input := fmt.Sprintf("##%d#%s\n", len(body), body)
	var captured []byte
	parser := MakePacketParser(strings.NewReader(input), nil)
	parser.SetUnknownTypeHandler(func(data []byte) {
		captured = append([]byte(nil), data...)
	})
	pk, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := pk.(*EndPacket); !ok {
		t.Fatalf("expected end packet after skipped unknown, got %#v", pk)
	}
	if !strings.Contains(string(captured), "sidechannel") {
		t.Fatalf("unknown handler not invoked, captured %q", captured)
	}
}

func TestDataPacket_CompressionRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1000)
	pk := MakeDataPacket()
	pk.SetData(data, true)
	if pk.ZData64 == "" {
		t.Fatalf("expected compressed payload for %d repetitive bytes", len(data))
	}
	got, err := pk.GetData()
	if err != nil {
		t.Fatalf("get data failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("compression round trip mismatch")
	}
}

func TestDataPacket_SmallDataNotCompressed(t *testing.T) {
	pk := MakeDataPacket()
	pk.SetData([]byte("tiny"), true)
	if pk.ZData64 != "" {
		t.Fatalf("small payload should not be compressed")
	}
	got, err := pk.GetData()
	if err != nil || string(got) != "tiny" {
		t.Fatalf("round trip failed: %q %v", got, err)
	}
}

func TestRunPacket_JsonRoundTrip(t *testing.T) {
	runPk := MakeRunPacket()
	runPk.CK = base.MakeCommandKey("5c2f9546-5d6f-4a5f-9d5a-6f7c3f0f7a10", "4c8e55a2-0b28-4e3f-bd79-0c5d9d55f83e")
	runPk.Command = "echo hi"
	runPk.UsePty = true
	runPk.TermOpts = &TermOpts{Rows: 40, Cols: 120}
	barr, err := MarshalPacket(runPk)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parser := MakePacketParser(bytes.NewReader(barr), nil)
	pk, err := parser.ParseNext()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	got, ok := pk.(*RunPacket)
	if !ok {
		t.Fatalf("expected run packet, got %#v", pk)
	}
	if got.CK != runPk.CK || got.Command != "echo hi" || !got.UsePty {
		t.Fatalf("fields lost: %#v", got)
	}
	if got.TermOpts == nil || got.TermOpts.Rows != 40 || got.TermOpts.Cols != 120 {
		t.Fatalf("term opts lost: %#v", got.TermOpts)
	}
}

func TestPacketSender_ErrAfterBrokenWriter(t *testing.T) {
	sender := MakePacketSender(&failingWriter{}, nil)
	sender.SendPacket(MakeMessagePacket("x"))
	sender.Close()
	if sender.Err() == nil {
		t.Fatalf("expected sender error after broken writer")
	}
}

type failingWriter struct{}

func (w *failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}
