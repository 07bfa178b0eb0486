// Package packet implements the mshell wire protocol: a fixed vocabulary of
// typed JSON records framed one per line over a raw byte stream. Lines that do
// not match the framing convention are surfaced as raw diagnostic text rather
// than protocol violations, so a remote shell's login banner cannot break the
// handshake.
package packet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/klauspost/compress/zstd"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
)

const (
	RunPacketStr          = "run"
	PingPacketStr         = "ping"
	InitPacketStr         = "init"
	DataPacketStr         = "data"
	DataAckPacketStr      = "dataack"
	DataEndPacketStr      = "dataend"
	CmdStartPacketStr     = "cmdstart"
	CmdDonePacketStr      = "cmddone"
	ResponsePacketStr     = "response"
	MessagePacketStr      = "message"
	RawPacketStr          = "raw"
	SpecialInputPacketStr = "specialinput"
	EndPacketStr          = "end"
)

// MaxCompressedDataLen caps the decoded size of a single compressed data
// payload so a bad frame cannot balloon memory.
const MaxCompressedDataLen = 1024 * 1024

// MinCompressLen is the smallest payload worth compressing.
const MinCompressLen = 256

// Packet is any record in the protocol vocabulary.
type Packet interface {
	GetType() string
}

// CommandPacket is a packet scoped to one command key.
type CommandPacket interface {
	Packet
	GetCK() base.CommandKey
}

// RunPacket is the request that starts a command. It is immutable once sent.
type RunPacket struct {
	Type          string            `json:"type"`
	CK            base.CommandKey   `json:"ck"`
	ShellType     string            `json:"shelltype"`
	Command       string            `json:"command"`
	Cwd           string            `json:"cwd,omitempty"`
	State         *ShellStateBlob   `json:"state,omitempty"`
	StateComplete bool              `json:"statecomplete,omitempty"`
	TermOpts      *TermOpts         `json:"termopts,omitempty"`
	Fds           []RemoteFd        `json:"fds,omitempty"`
	RunData       []RunDataType     `json:"rundata,omitempty"`
	Detached      bool              `json:"detached,omitempty"`
	UsePty        bool              `json:"usepty,omitempty"`
	ReturnState   bool              `json:"returnstate,omitempty"`
	Compression   bool              `json:"compression,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

func (p *RunPacket) GetType() string { return RunPacketStr }
func (p *RunPacket) GetCK() base.CommandKey { return p.CK }

func MakeRunPacket() *RunPacket {
	return &RunPacket{Type: RunPacketStr}
}

// ShellStateBlob is the wire form of a shell-state snapshot or diff; the
// shellapi package owns its interpretation.
type ShellStateBlob struct {
	Version  string `json:"version"`
	Cwd      string `json:"cwd,omitempty"`
	Vars64   string `json:"vars64,omitempty"`
	Aliases  string `json:"aliases,omitempty"`
	Funcs    string `json:"funcs,omitempty"`
	Diff     bool   `json:"diff,omitempty"`
	DiffVars string `json:"diffvars,omitempty"`
}

// TermOpts carries the requested PTY geometry and terminal name.
type TermOpts struct {
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
	Term string `json:"term,omitempty"`
}

// RemoteFd requests an extra numbered descriptor, realized as a pipe streamed
// through the multiplexer. Read and Write are exclusive.
type RemoteFd struct {
	FdNum    int  `json:"fdnum"`
	Read     bool `json:"read,omitempty"`
	Write    bool `json:"write,omitempty"`
	DupStdin bool `json:"dupstdin,omitempty"`
}

// RunDataType is an inline blob served to the command on FdNum.
type RunDataType struct {
	FdNum   int    `json:"fdnum"`
	DataLen int    `json:"datalen"`
	Data64  string `json:"data64"`
}

// InitPacket is the handshake record. The bootstrap snippet emits it as raw
// text with NotFound set when the helper binary is not installed.
type InitPacket struct {
	Type      string `json:"type"`
	Version   string `json:"version,omitempty"`
	MShellVer string `json:"mshellversion,omitempty"`
	RemoteId  string `json:"remoteid,omitempty"`
	UName     string `json:"uname,omitempty"`
	NotFound  bool   `json:"notfound,omitempty"`
	Shell     string `json:"shell,omitempty"`
}

func (p *InitPacket) GetType() string { return InitPacketStr }

func MakeInitPacket() *InitPacket {
	return &InitPacket{Type: InitPacketStr, Version: base.MShellVersion}
}

// DataPacket carries one chunk of fd-tagged stream data. Exactly one of
// Data64/ZData64 is set; ZData64 is zstd-compressed (negotiated via
// RunPacket.Compression, only used for chunks >= MinCompressLen).
type DataPacket struct {
	Type    string          `json:"type"`
	CK      base.CommandKey `json:"ck"`
	FdNum   int             `json:"fdnum"`
	Data64  string          `json:"data64,omitempty"`
	ZData64 string          `json:"zdata64,omitempty"`
	Eof     bool            `json:"eof,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (p *DataPacket) GetType() string { return DataPacketStr }
func (p *DataPacket) GetCK() base.CommandKey { return p.CK }

func MakeDataPacket() *DataPacket {
	return &DataPacket{Type: DataPacketStr}
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var zstdDecoder, _ = zstd.NewReader(nil)

// SetData stores the payload, compressing when enabled and worthwhile.
func (p *DataPacket) SetData(data []byte, compress bool) {
	if compress && len(data) >= MinCompressLen {
		zdata := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(zdata) < len(data) {
			p.ZData64 = base64.StdEncoding.EncodeToString(zdata)
			return
		}
	}
	p.Data64 = base64.StdEncoding.EncodeToString(data)
}

// GetData decodes the payload regardless of which encoding was used.
func (p *DataPacket) GetData() ([]byte, error) {
	if p.ZData64 != "" {
		zdata, err := base64.StdEncoding.DecodeString(p.ZData64)
		if err != nil {
			return nil, fmt.Errorf("data packet fd=%d: bad zdata64: %w", p.FdNum, err)
		}
		data, err := zstdDecoder.DecodeAll(zdata, make([]byte, 0, MaxCompressedDataLen))
		if err != nil {
			return nil, fmt.Errorf("data packet fd=%d: zstd decode: %w", p.FdNum, err)
		}
		if len(data) > MaxCompressedDataLen {
			return nil, fmt.Errorf("data packet fd=%d: decompressed payload too large", p.FdNum)
		}
		return data, nil
	}
	data, err := base64.StdEncoding.DecodeString(p.Data64)
	if err != nil {
		return nil, fmt.Errorf("data packet fd=%d: bad data64: %w", p.FdNum, err)
	}
	return data, nil
}

// DataAckPacket acknowledges consumed bytes for flow control on one fd.
type DataAckPacket struct {
	Type   string          `json:"type"`
	CK     base.CommandKey `json:"ck"`
	FdNum  int             `json:"fdnum"`
	AckLen int             `json:"acklen"`
	Error  string          `json:"error,omitempty"`
}

func (p *DataAckPacket) GetType() string { return DataAckPacketStr }
func (p *DataAckPacket) GetCK() base.CommandKey { return p.CK }

func MakeDataAckPacket() *DataAckPacket {
	return &DataAckPacket{Type: DataAckPacketStr}
}

// DataEndPacket signals that no more data flows for the command.
type DataEndPacket struct {
	Type string          `json:"type"`
	CK   base.CommandKey `json:"ck"`
}

func (p *DataEndPacket) GetType() string { return DataEndPacketStr }
func (p *DataEndPacket) GetCK() base.CommandKey { return p.CK }

func MakeDataEndPacket(ck base.CommandKey) *DataEndPacket {
	return &DataEndPacket{Type: DataEndPacketStr, CK: ck}
}

// CmdStartPacket reports a successful process start.
type CmdStartPacket struct {
	Type      string          `json:"type"`
	Ts        int64           `json:"ts"`
	CK        base.CommandKey `json:"ck"`
	Pid       int             `json:"pid,omitempty"`
	MShellPid int             `json:"mshellpid,omitempty"`
}

func (p *CmdStartPacket) GetType() string { return CmdStartPacketStr }
func (p *CmdStartPacket) GetCK() base.CommandKey { return p.CK }

func MakeCmdStartPacket(ck base.CommandKey) *CmdStartPacket {
	return &CmdStartPacket{Type: CmdStartPacketStr, CK: ck}
}

// CmdDonePacket is the terminal record for a command.
type CmdDonePacket struct {
	Type       string          `json:"type"`
	Ts         int64           `json:"ts"`
	CK         base.CommandKey `json:"ck"`
	ExitCode   int             `json:"exitcode"`
	DurationMs int64           `json:"durationms"`
	FinalState *ShellStateBlob `json:"finalstate,omitempty"`
}

func (p *CmdDonePacket) GetType() string { return CmdDonePacketStr }
func (p *CmdDonePacket) GetCK() base.CommandKey { return p.CK }

func MakeCmdDonePacket(ck base.CommandKey) *CmdDonePacket {
	return &CmdDonePacket{Type: CmdDonePacketStr, CK: ck}
}

// ResponsePacket reports a per-command error (or generic success) back to the
// controller; one command's failure is isolated to its key.
type ResponsePacket struct {
	Type    string          `json:"type"`
	CK      base.CommandKey `json:"ck"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

func (p *ResponsePacket) GetType() string { return ResponsePacketStr }
func (p *ResponsePacket) GetCK() base.CommandKey { return p.CK }

func MakeErrorResponsePacket(ck base.CommandKey, err error) *ResponsePacket {
	return &ResponsePacket{Type: ResponsePacketStr, CK: ck, Error: err.Error(), Code: base.GetErrorCode(err)}
}

// MessagePacket carries free-form diagnostics tied to a key (may be empty).
type MessagePacket struct {
	Type    string          `json:"type"`
	CK      base.CommandKey `json:"ck,omitempty"`
	Message string          `json:"message"`
}

func (p *MessagePacket) GetType() string { return MessagePacketStr }

func MakeMessagePacket(message string) *MessagePacket {
	return &MessagePacket{Type: MessagePacketStr, Message: message}
}

func FmtMessagePacket(format string, args ...any) *MessagePacket {
	return &MessagePacket{Type: MessagePacketStr, Message: fmt.Sprintf(format, args...)}
}

// RawPacket holds a line that did not match the framing convention.
type RawPacket struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (p *RawPacket) GetType() string { return RawPacketStr }

func MakeRawPacket(line string) *RawPacket {
	return &RawPacket{Type: RawPacketStr, Data: line}
}

// WinSize is a window-resize request inside a SpecialInputPacket.
type WinSize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// SpecialInputPacket delivers out-of-band input: a window resize and/or a
// signal by name ("SIGTERM", "TERM") or number ("9").
type SpecialInputPacket struct {
	Type    string          `json:"type"`
	CK      base.CommandKey `json:"ck"`
	WinSize *WinSize        `json:"winsize,omitempty"`
	SigName string          `json:"signame,omitempty"`
}

func (p *SpecialInputPacket) GetType() string { return SpecialInputPacketStr }
func (p *SpecialInputPacket) GetCK() base.CommandKey { return p.CK }

func MakeSpecialInputPacket(ck base.CommandKey) *SpecialInputPacket {
	return &SpecialInputPacket{Type: SpecialInputPacketStr, CK: ck}
}

// PingPacket is the keep-alive emitted while a command is attached.
type PingPacket struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

func (p *PingPacket) GetType() string { return PingPacketStr }

func MakePingPacket(ts int64) *PingPacket {
	return &PingPacket{Type: PingPacketStr, Ts: ts}
}

// EndPacket is the explicit end-of-stream marker handed to every consumer
// when the underlying stream closes.
type EndPacket struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

func (p *EndPacket) GetType() string { return EndPacketStr }

func MakeEndPacket(err error) *EndPacket {
	pk := &EndPacket{Type: EndPacketStr}
	if err != nil {
		pk.Error = err.Error()
	}
	return pk
}

var typeRegistry = map[string]reflect.Type{
	RunPacketStr:          reflect.TypeOf(RunPacket{}),
	PingPacketStr:         reflect.TypeOf(PingPacket{}),
	InitPacketStr:         reflect.TypeOf(InitPacket{}),
	DataPacketStr:         reflect.TypeOf(DataPacket{}),
	DataAckPacketStr:      reflect.TypeOf(DataAckPacket{}),
	DataEndPacketStr:      reflect.TypeOf(DataEndPacket{}),
	CmdStartPacketStr:     reflect.TypeOf(CmdStartPacket{}),
	CmdDonePacketStr:      reflect.TypeOf(CmdDonePacket{}),
	ResponsePacketStr:     reflect.TypeOf(ResponsePacket{}),
	MessagePacketStr:      reflect.TypeOf(MessagePacket{}),
	RawPacketStr:          reflect.TypeOf(RawPacket{}),
	SpecialInputPacketStr: reflect.TypeOf(SpecialInputPacket{}),
	EndPacketStr:          reflect.TypeOf(EndPacket{}),
}

type envelope struct {
	Type string `json:"type"`
}

// ParsePacketJson decodes one JSON record into its typed form. Unknown types
// return (nil, nil) so the caller can route them to an unknown-type handler.
func ParsePacketJson(data []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("packet envelope: %w", err)
	}
	rtype, ok := typeRegistry[env.Type]
	if !ok {
		return nil, nil
	}
	pk := reflect.New(rtype).Interface()
	if err := json.Unmarshal(data, pk); err != nil {
		return nil, fmt.Errorf("packet type %q: %w", env.Type, err)
	}
	return pk.(Packet), nil
}

// MarshalPacket produces the framed wire form "##<len>#<json>\n".
func MarshalPacket(pk Packet) ([]byte, error) {
	if pk == nil {
		return nil, fmt.Errorf("cannot marshal nil packet")
	}
	jsonBytes, err := json.Marshal(pk)
	if err != nil {
		return nil, fmt.Errorf("marshal %q packet: %w", pk.GetType(), err)
	}
	out := make([]byte, 0, len(jsonBytes)+16)
	out = append(out, fmt.Sprintf("##%d#", len(jsonBytes))...)
	out = append(out, jsonBytes...)
	out = append(out, '\n')
	return out, nil
}
