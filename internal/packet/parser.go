package packet

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
)

// MaxPacketSize bounds a single framed record.
const MaxPacketSize = 4096 * 1024

// UnknownTypeHandler receives records whose type is not in the vocabulary
// (used for side-channel extensions) instead of surfacing an error.
type UnknownTypeHandler func(data []byte)

// PacketParser reads framed records from a byte stream. Lines that are not
// valid frames come back as RawPackets; malformed frame bodies are dropped
// with a warning. Stream closure yields a final EndPacket.
type PacketParser struct {
	reader         *bufio.Reader
	logger         *slog.Logger
	unknownHandler UnknownTypeHandler
	sentEnd        bool
}

func MakePacketParser(r io.Reader, logger *slog.Logger) *PacketParser {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PacketParser{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: logger,
	}
}

// SetUnknownTypeHandler installs the side-channel hook. Must be called before
// parsing starts.
func (p *PacketParser) SetUnknownTypeHandler(fn UnknownTypeHandler) {
	p.unknownHandler = fn
}

// ParseNext returns the next record. After the stream ends it returns one
// EndPacket and then io.EOF forever.
func (p *PacketParser) ParseNext() (Packet, error) {
	for {
		if p.sentEnd {
			return nil, io.EOF
		}
		line, err := p.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			p.sentEnd = true
			if errors.Is(err, io.EOF) {
				return MakeEndPacket(nil), nil
			}
			return MakeEndPacket(err), nil
		}
		line = bytes.TrimSuffix(line, []byte{'\n'})
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		jsonBytes, ok := parseFrame(line)
		if !ok {
			// diagnostic text from the remote side (banner, motd, errors)
			return MakeRawPacket(string(line)), nil
		}
		pk, perr := ParsePacketJson(jsonBytes)
		if perr != nil {
			p.logger.Warn("dropping malformed packet", "err", perr)
			continue
		}
		if pk == nil {
			if p.unknownHandler != nil {
				p.unknownHandler(jsonBytes)
			} else {
				p.logger.Warn("dropping packet with unknown type")
			}
			continue
		}
		return pk, nil
	}
}

// parseFrame checks the "##<len>#<json>" convention and extracts the body.
func parseFrame(line []byte) ([]byte, bool) {
	if len(line) < 4 || line[0] != '#' || line[1] != '#' {
		return nil, false
	}
	hashIdx := bytes.IndexByte(line[2:], '#')
	if hashIdx < 0 {
		return nil, false
	}
	lenStr := string(line[2 : 2+hashIdx])
	plen, err := strconv.Atoi(lenStr)
	if err != nil || plen < 0 || plen > MaxPacketSize {
		return nil, false
	}
	body := line[2+hashIdx+1:]
	if len(body) != plen {
		return nil, false
	}
	return body, true
}

// RunParserLoop feeds every parsed record into ch until end-of-stream, then
// closes ch. It is the server-mode entry point; single-command mode calls
// ParseNext directly.
func (p *PacketParser) RunParserLoop(ch chan Packet) {
	defer close(ch)
	for {
		pk, err := p.ParseNext()
		if err != nil {
			return
		}
		ch <- pk
		if pk.GetType() == EndPacketStr {
			return
		}
	}
}

// SendError is returned by the sender once its stream is broken.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("packet stream closed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
