// Package client is the controller-side harness: it launches the helper
// binary (locally or through ssh), performs the init handshake, submits the
// run request, and pumps terminal I/O until the command finishes.
package client

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
)

const (
	// InitTimeout bounds the wait for the helper's handshake record.
	InitTimeout = 8 * time.Second

	stdinChunkSize = 4096
)

// BootstrapScript is the sh one-liner run on the remote side. If the helper
// binary is missing it emits a bare init record with notfound set and the
// remote uname, which survives transit as a raw line and tells the
// controller which binary to install.
func BootstrapScript() string {
	return `PATH=$PATH:$HOME/.mshell/bin; command -v mshell >/dev/null 2>&1 && exec mshell --single || printf '{"type":"init","notfound":true,"uname":"%s|%s"}\n' "$(uname -s)" "$(uname -m)"`
}

// ClientProc wraps a running helper process and its packet streams.
type ClientProc struct {
	Cmd    *exec.Cmd
	Input  *packet.PacketSender
	Output *packet.PacketParser
	InitPk *packet.InitPacket
	ectx   *base.ExecContext
}

// MakeClientProc starts argv with piped stdin/stdout, sends the controller
// handshake, and waits (bounded) for the helper's init record.
func MakeClientProc(ectx *base.ExecContext, argv []string) (*ClientProc, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no helper command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, base.CodedErrorf(base.ECStartFailed, "cannot start helper: %v", err)
	}
	cp := &ClientProc{
		Cmd:    cmd,
		Input:  packet.MakePacketSender(stdinPipe, ectx.Logger),
		Output: packet.MakePacketParser(stdoutPipe, ectx.Logger),
		ectx:   ectx,
	}
	cp.Input.SendPacket(packet.MakeInitPacket())
	initPk, err := cp.waitForInit()
	if err != nil {
		cp.Close()
		return nil, err
	}
	if initPk.NotFound {
		cp.Close()
		return nil, base.CodedErrorf(base.ECNotFound, "helper binary not installed on remote (%s)", initPk.UName)
	}
	if initPk.Version != base.MShellVersion {
		ectx.Logger.Warn("helper version mismatch", "helper", initPk.Version, "controller", base.MShellVersion)
	}
	cp.InitPk = initPk
	return cp, nil
}

// MakeLocalClientProc runs this same binary in single mode.
func MakeLocalClientProc(ectx *base.ExecContext) (*ClientProc, error) {
	exePath, err := os.Executable()
	if err != nil {
		exePath = base.GetInstalledBinaryPath()
	}
	return MakeClientProc(ectx, []string{exePath, "--single"})
}

// MakeSSHClientProc runs the bootstrap snippet on sshHost using the
// configured ssh command.
func MakeSSHClientProc(ectx *base.ExecContext, sshHost string) (*ClientProc, error) {
	argv := append(ectx.GetSSHCommand(), sshHost, BootstrapScript())
	return MakeClientProc(ectx, argv)
}

// RunClientLocal runs one command through a locally spawned helper and
// returns its done record.
func RunClientLocal(ectx *base.ExecContext, runPk *packet.RunPacket) (*packet.CmdDonePacket, error) {
	cp, err := MakeLocalClientProc(ectx)
	if err != nil {
		return nil, err
	}
	defer cp.Close()
	return cp.RunCommand(runPk)
}

// RunClientSSH runs one command on sshHost through the bootstrap snippet.
func RunClientSSH(ectx *base.ExecContext, sshHost string, runPk *packet.RunPacket) (*packet.CmdDonePacket, error) {
	cp, err := MakeSSHClientProc(ectx, sshHost)
	if err != nil {
		return nil, err
	}
	defer cp.Close()
	return cp.RunCommand(runPk)
}

func (cp *ClientProc) waitForInit() (*packet.InitPacket, error) {
	type result struct {
		pk  *packet.InitPacket
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		for {
			pk, err := cp.Output.ParseNext()
			if err != nil {
				resCh <- result{nil, fmt.Errorf("stream ended before init: %w", err)}
				return
			}
			switch tpk := pk.(type) {
			case *packet.InitPacket:
				resCh <- result{tpk, nil}
				return
			case *packet.RawPacket:
				// the bootstrap snippet emits its notfound init record as a
				// bare json line; everything else is ssh banner noise
				line := strings.TrimSpace(tpk.Data)
				if strings.HasPrefix(line, "{") {
					if rawPk, perr := packet.ParsePacketJson([]byte(line)); perr == nil {
						if initPk, ok := rawPk.(*packet.InitPacket); ok {
							resCh <- result{initPk, nil}
							return
						}
					}
				}
				cp.ectx.Logger.Debug("pre-init raw line", "line", tpk.Data)
			}
		}
	}()
	select {
	case res := <-resCh:
		return res.pk, res.err
	case <-time.After(InitTimeout):
		return nil, fmt.Errorf("timed out waiting for helper init")
	}
}

// Close tears the helper down; safe to call more than once.
func (cp *ClientProc) Close() {
	cp.Input.Close()
	if cp.Cmd.Process != nil {
		cp.Cmd.Process.Kill()
	}
	cp.Cmd.Wait()
}

// makeStdinRaw switches the controlling terminal to raw mode, returning the
// restore func. No-op when stdin is not a terminal.
func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

func termSize() (rows, cols int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 24, 80
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 24, 80
	}
	return r, c
}

// RunCommand submits runPk on an established helper and pumps I/O until the
// done record arrives. For PTY commands attached to a real terminal it
// switches stdin to raw mode and forwards window resizes.
func (cp *ClientProc) RunCommand(runPk *packet.RunPacket) (*packet.CmdDonePacket, error) {
	if runPk.UsePty {
		if runPk.TermOpts == nil {
			rows, cols := termSize()
			runPk.TermOpts = &packet.TermOpts{Rows: rows, Cols: cols, Term: os.Getenv("TERM")}
		}
		restore, err := makeStdinRaw()
		if err != nil {
			return nil, err
		}
		defer restore()
		stopWinch := cp.forwardWinch(runPk.CK)
		defer stopWinch()
	}
	if err := cp.Input.SendPacket(runPk); err != nil {
		return nil, err
	}
	stopStdin := cp.pumpStdin(runPk.CK, runPk.UsePty)
	defer stopStdin()
	for {
		pk, err := cp.Output.ParseNext()
		if err != nil {
			return nil, fmt.Errorf("helper connection closed: %w", err)
		}
		switch tpk := pk.(type) {
		case *packet.CmdStartPacket:
			cp.ectx.Logger.Debug("command started", "ck", tpk.CK, "pid", tpk.Pid)
		case *packet.DataPacket:
			cp.handleDataPacket(tpk)
		case *packet.CmdDonePacket:
			return tpk, nil
		case *packet.ResponsePacket:
			if !tpk.Success {
				return nil, fmt.Errorf("%s", tpk.Error)
			}
		case *packet.MessagePacket:
			cp.ectx.Logger.Info("helper message", "message", tpk.Message)
		case *packet.RawPacket:
			cp.ectx.Logger.Debug("raw line from helper", "line", tpk.Data)
		case *packet.EndPacket:
			return nil, fmt.Errorf("helper stream ended before command finished")
		}
	}
}

// handleDataPacket writes fd 1/2 output to the local stdout/stderr and acks
// the bytes so the helper's send window keeps moving.
func (cp *ClientProc) handleDataPacket(pk *packet.DataPacket) {
	data, err := pk.GetData()
	if err != nil {
		cp.ectx.Logger.Warn("bad data packet", "fd", pk.FdNum, "err", err)
		return
	}
	var w io.Writer
	switch pk.FdNum {
	case 1:
		w = os.Stdout
	case 2:
		w = os.Stderr
	default:
		return
	}
	if len(data) > 0 {
		w.Write(data)
		ack := packet.MakeDataAckPacket()
		ack.CK = pk.CK
		ack.FdNum = pk.FdNum
		ack.AckLen = len(data)
		cp.Input.SendPacket(ack)
	}
}

// pumpStdin streams local stdin to the command's fd 0 until EOF or stop.
// In raw pty mode no eof record is sent; the pty stays open for the
// command's lifetime.
func (cp *ClientProc) pumpStdin(ck base.CommandKey, raw bool) func() {
	stopCh := make(chan struct{})
	go func() {
		buf := make([]byte, stdinChunkSize)
		for {
			n, err := os.Stdin.Read(buf)
			select {
			case <-stopCh:
				return
			default:
			}
			if n > 0 {
				dataPk := packet.MakeDataPacket()
				dataPk.CK = ck
				dataPk.FdNum = 0
				dataPk.SetData(buf[:n], false)
				if serr := cp.Input.SendPacket(dataPk); serr != nil {
					return
				}
			}
			if err != nil {
				if !raw {
					eofPk := packet.MakeDataPacket()
					eofPk.CK = ck
					eofPk.FdNum = 0
					eofPk.Eof = true
					cp.Input.SendPacket(eofPk)
				}
				return
			}
		}
	}()
	return func() { close(stopCh) }
}

// forwardWinch relays terminal resizes to the helper.
func (cp *ClientProc) forwardWinch(ck base.CommandKey) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGWINCH)
	go func() {
		for range sigCh {
			rows, cols := termSize()
			inputPk := packet.MakeSpecialInputPacket(ck)
			inputPk.WinSize = &packet.WinSize{Rows: rows, Cols: cols}
			cp.Input.SendPacket(inputPk)
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}
