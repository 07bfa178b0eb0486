package shexec

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
	"github.com/wavetermdev/waveterm-sub008/internal/shellapi"
)

// ServerDrainTimeout bounds how long server shutdown waits for attached
// commands to react to the hangup delivered on controller disconnect.
const ServerDrainTimeout = 2 * time.Second

// MakeServerInitPacket is the handshake sent on stdout as soon as the helper
// starts, in both single and server modes.
func MakeServerInitPacket(ectx *base.ExecContext) *packet.InitPacket {
	initPk := packet.MakeInitPacket()
	initPk.MShellVer = base.MShellVersion
	initPk.UName = base.UnameString()
	initPk.Shell = shellapi.DetectLocalShellType()
	if remoteId, err := ectx.GetRemoteId(); err == nil {
		initPk.RemoteId = remoteId
	}
	return initPk
}

// RunSingle serves exactly one command over stdin/stdout. It sends the init
// handshake, waits for a run request, executes it, and streams data until
// done. Returns the process exit code for main.
func RunSingle(ectx *base.ExecContext) int {
	parser := packet.MakePacketParser(os.Stdin, ectx.Logger)
	sender := packet.MakePacketSender(os.Stdout, ectx.Logger)
	defer sender.Close()
	sender.SendPacket(MakeServerInitPacket(ectx))
	runPk, err := waitForRunPacket(parser, sender)
	if err != nil {
		sender.SendPacket(packet.MakeErrorResponsePacket("", err))
		return 1
	}
	cmd, err := RunCommand(ectx, runPk, sender)
	if err != nil {
		sender.SendErrorResponse(runPk.CK, err)
		return 1
	}
	defer cmd.Close()
	sender.SendPacket(cmd.MakeCmdStartPacket())
	if cmd.Detached {
		return runSingleDetached(cmd, sender)
	}
	go cmd.RunKeepAlive()
	packetCh := make(chan packet.Packet, 32)
	go parser.RunParserLoop(packetCh)
	go routeSinglePackets(cmd, packetCh)
	cmd.Mux.StartIO()
	donePk := cmd.WaitForCommand()
	cmd.Mux.CloseWriters()
	cmd.Mux.WaitForWorkers()
	sender.SendPacket(packet.MakeDataEndPacket(cmd.CK))
	sender.SendPacket(donePk)
	return 0
}

func runSingleDetached(cmd *ShExecType, sender *packet.PacketSender) int {
	// rc and rundata pipes still flow through the mux, and the terminal's
	// input writer records anything delivered before the controller leaves
	cmd.Mux.StartIO()
	donePk := cmd.WaitForDetached()
	// best effort: the controller may be long gone
	sender.SendPacket(donePk)
	return 0
}

// routeSinglePackets dispatches controller records to the right component
// until the stream ends, then treats the disconnect as a hangup.
func routeSinglePackets(cmd *ShExecType, packetCh chan packet.Packet) {
	for pk := range packetCh {
		switch tpk := pk.(type) {
		case *packet.DataPacket, *packet.DataAckPacket:
			cmd.Mux.ProcessPacket(pk)
		case *packet.SpecialInputPacket:
			if err := cmd.HandleSpecialInput(tpk); err != nil {
				cmd.Sender.SendErrorResponse(cmd.CK, err)
			}
		case *packet.DataEndPacket:
			cmd.Mux.ProcessPacket(pk)
		case *packet.InitPacket, *packet.PingPacket, *packet.RawPacket:
			// ignore
		case *packet.EndPacket:
			cmd.HandleDisconnect()
			return
		}
	}
	cmd.HandleDisconnect()
}

func waitForRunPacket(parser *packet.PacketParser, sender *packet.PacketSender) (*packet.RunPacket, error) {
	for {
		pk, err := parser.ParseNext()
		if err != nil {
			return nil, fmt.Errorf("no run request received: %w", err)
		}
		switch tpk := pk.(type) {
		case *packet.RunPacket:
			return tpk, nil
		case *packet.InitPacket:
			if tpk.Version != "" && tpk.Version != base.MShellVersion {
				sender.SendMessageFmt("version mismatch: controller %s, helper %s", tpk.Version, base.MShellVersion)
			}
		case *packet.EndPacket:
			return nil, fmt.Errorf("stream ended before a run request")
		case *packet.RawPacket, *packet.PingPacket:
			// ignore
		default:
			sender.SendMessageFmt("unexpected %q record before run request", pk.GetType())
		}
	}
}

// Server multiplexes many concurrent commands over one stdio stream, keyed
// by command key.
type Server struct {
	lock   sync.Mutex
	ectx   *base.ExecContext
	sender *packet.PacketSender
	cmds   map[base.CommandKey]*ShExecType
	wg     sync.WaitGroup
}

func MakeServer(ectx *base.ExecContext, sender *packet.PacketSender) *Server {
	return &Server{
		ectx:   ectx,
		sender: sender,
		cmds:   make(map[base.CommandKey]*ShExecType),
	}
}

func (s *Server) getCmd(ck base.CommandKey) *ShExecType {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cmds[ck]
}

func (s *Server) registerCmd(cmd *ShExecType) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.cmds[cmd.CK]; ok {
		return base.CodedErrorf(base.ECInvalidKey, "command %s already running", cmd.CK)
	}
	s.cmds[cmd.CK] = cmd
	return nil
}

func (s *Server) unregisterCmd(ck base.CommandKey) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.cmds, ck)
}

func (s *Server) handleRunPacket(runPk *packet.RunPacket) {
	cmd, err := RunCommand(s.ectx, runPk, s.sender)
	if err != nil {
		s.sender.SendErrorResponse(runPk.CK, err)
		return
	}
	if err := s.registerCmd(cmd); err != nil {
		cmd.SendSignal(syscall.SIGKILL)
		cmd.Close()
		s.sender.SendErrorResponse(runPk.CK, err)
		return
	}
	s.sender.SendPacket(cmd.MakeCmdStartPacket())
	if !cmd.Detached {
		go cmd.RunKeepAlive()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregisterCmd(cmd.CK)
		defer cmd.Close()
		cmd.Mux.StartIO()
		if cmd.Detached {
			donePk := cmd.WaitForDetached()
			s.sender.SendPacket(donePk)
			return
		}
		donePk := cmd.WaitForCommand()
		cmd.Mux.CloseWriters()
		cmd.Mux.WaitForWorkers()
		s.sender.SendPacket(packet.MakeDataEndPacket(cmd.CK))
		s.sender.SendPacket(donePk)
	}()
}

func (s *Server) handleCommandPacket(pk packet.CommandPacket) {
	cmd := s.getCmd(pk.GetCK())
	if cmd == nil {
		if _, ok := pk.(*packet.DataAckPacket); ok {
			return
		}
		s.sender.SendErrorResponse(pk.GetCK(), base.CodedErrorf(base.ECNotFound, "no command with key %s", pk.GetCK()))
		return
	}
	switch tpk := pk.(type) {
	case *packet.DataPacket, *packet.DataAckPacket, *packet.DataEndPacket:
		cmd.Mux.ProcessPacket(pk)
	case *packet.SpecialInputPacket:
		if err := cmd.HandleSpecialInput(tpk); err != nil {
			s.sender.SendErrorResponse(cmd.CK, err)
		}
	}
}

// hangupAll delivers a hangup to every attached command; detached commands
// keep running.
func (s *Server) hangupAll() {
	s.lock.Lock()
	cmds := make([]*ShExecType, 0, len(s.cmds))
	for _, cmd := range s.cmds {
		cmds = append(cmds, cmd)
	}
	s.lock.Unlock()
	for _, cmd := range cmds {
		cmd.HandleDisconnect()
	}
}

// RunServer serves commands over stdin/stdout until the controller
// disconnects. Returns the process exit code for main.
func RunServer(ectx *base.ExecContext) int {
	parser := packet.MakePacketParser(os.Stdin, ectx.Logger)
	sender := packet.MakePacketSender(os.Stdout, ectx.Logger)
	defer sender.Close()
	sender.SendPacket(MakeServerInitPacket(ectx))
	s := MakeServer(ectx, sender)
	for {
		pk, err := parser.ParseNext()
		if err != nil {
			break
		}
		switch tpk := pk.(type) {
		case *packet.RunPacket:
			s.handleRunPacket(tpk)
		case *packet.EndPacket:
			s.hangupAll()
			waitWithTimeout(&s.wg, ServerDrainTimeout)
			return 0
		case *packet.InitPacket:
			if tpk.Version != "" && tpk.Version != base.MShellVersion {
				sender.SendMessageFmt("version mismatch: controller %s, helper %s", tpk.Version, base.MShellVersion)
			}
		case *packet.PingPacket, *packet.RawPacket:
			// ignore
		default:
			if cpk, ok := pk.(packet.CommandPacket); ok {
				s.handleCommandPacket(cpk)
			}
		}
	}
	s.hangupAll()
	waitWithTimeout(&s.wg, ServerDrainTimeout)
	return 0
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(timeout):
	}
}
