// Package shexec owns the lifecycle of one running command: validation,
// rc-file construction, PTY or pipe wiring through the multiplexer, signal
// and resize forwarding, return-state capture, and the final done record.
//
// State machine: Created -> Starting -> Running (attached or detached) ->
// Exited -> Closed. Teardown runs exactly once regardless of how the command
// ends (normal exit, kill, or controller disconnect).
package shexec

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/mpio"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
	"github.com/wavetermdev/waveterm-sub008/internal/shellapi"
)

const (
	DefaultTermRows = 24
	DefaultTermCols = 80
	MinTermRows     = 2
	MaxTermRows     = 1024
	MinTermCols     = 10
	MaxTermCols     = 4096
	DefaultTermType = "xterm-256color"

	// KeepAliveInterval paces ping records while a command is attached.
	KeepAliveInterval = 1 * time.Second

	// KillSafetyTimeout is the delayed self-termination armed by a kill
	// signal, protecting against an executor that never observes the exit.
	KillSafetyTimeout = 5 * time.Second

	// MaxRcFileSize bounds generated rc content.
	MaxRcFileSize = 1024 * 1024

	// RcTmpDirCleanupDelay is the opportunistic removal delay for rc temp
	// dirs belonging to shells that cannot source a descriptor.
	RcTmpDirCleanupDelay = 5 * time.Second
)

// ShExecType is the executor for one command key.
type ShExecType struct {
	lock      sync.Mutex
	StartTs   time.Time
	CK        base.CommandKey
	Cmd       *exec.Cmd
	CmdPty    *os.File
	Mux       *mpio.Multiplexer
	Sender    *packet.PacketSender
	SAPI      shellapi.ShellApi
	FileNames *base.CommandFileNames

	Detached       bool
	detachedFile   *os.File
	detachedZW     *zstd.Encoder
	stdinFile      *os.File
	detachedDoneCh chan struct{}

	ReturnState *ReturnStateBuf
	priorState  *shellapi.ShellState

	rcTmpDir   string
	childFiles []*os.File

	ectx    *base.ExecContext
	exited  bool
	closed  bool
	safetyT *time.Timer
}

// RunCommand validates pk, builds the process and its descriptor wiring, and
// starts it. On success the caller owns the returned executor and must call
// WaitForCommand (or WaitForDetached) and then Close.
func RunCommand(ectx *base.ExecContext, pk *packet.RunPacket, sender *packet.PacketSender) (*ShExecType, error) {
	if err := ValidateRunPacket(pk); err != nil {
		return nil, err
	}
	shellType := pk.ShellType
	if shellType == "" {
		shellType = ectx.DefaultShellType()
	}
	sapi, err := shellapi.MakeShellApi(shellType)
	if err != nil {
		return nil, err
	}
	prior, err := shellapi.StateFromBlob(pk.State)
	if err != nil {
		return nil, err
	}
	c := &ShExecType{
		StartTs:    time.Now(),
		CK:         pk.CK,
		Sender:     sender,
		SAPI:       sapi,
		Detached:   pk.Detached,
		priorState: prior,
		ectx:       ectx,
	}
	c.Mux = mpio.MakeMultiplexer(pk.CK, sender, ectx.Logger)
	c.Mux.SetCompression(pk.Compression)
	if err := c.buildCommand(pk, prior); err != nil {
		c.Close()
		return nil, err
	}
	if c.Detached {
		if err := c.setupDetachedOutput(); err != nil {
			c.Close()
			return nil, err
		}
	}
	err = c.Cmd.Start()
	if err != nil && c.CmdPty != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// some platform/Go-version pairs reject Setctty; a pty without a
		// controlling terminal is still good enough for interactive I/O
		c.Cmd = cloneCmd(c.Cmd)
		c.Cmd.SysProcAttr.Setctty = false
		c.Cmd.SysProcAttr.Ctty = 0
		err = c.Cmd.Start()
	}
	if err != nil {
		c.Close()
		return nil, base.CodedErrorf(base.ECStartFailed, "cannot start command: %v", err)
	}
	c.closeChildFiles()
	if c.ReturnState != nil {
		go c.ReturnState.Run()
	}
	if c.Detached {
		c.detachedDoneCh = make(chan struct{})
		go c.runDetachedOutput()
	}
	return c, nil
}

func (c *ShExecType) buildCommand(pk *packet.RunPacket, prior *shellapi.ShellState) error {
	// fd plan: user-requested fds keep their numbers; the rc descriptor and
	// the state-capture descriptor take the next free numbers above them.
	maxUserFd := 2
	for _, rfd := range pk.Fds {
		if rfd.FdNum > maxUserFd {
			maxUserFd = rfd.FdNum
		}
	}
	for _, rd := range pk.RunData {
		if rd.FdNum > maxUserFd {
			maxUserFd = rd.FdNum
		}
	}
	nextFd := maxUserFd + 1
	rcFdNum := -1
	needRc := prior != nil || pk.ReturnState
	useRcTmpDir := needRc && !c.SAPI.SupportsRcFileDescriptor()
	if needRc && !useRcTmpDir {
		rcFdNum = nextFd
		nextFd++
	}
	stateFdNum := -1
	if pk.ReturnState {
		stateFdNum = nextFd
		nextFd++
	}

	rcContent := ""
	if needRc {
		rcContent = c.SAPI.MakeRcFileStr(prior)
		if pk.ReturnState {
			rcContent += c.SAPI.MakeExitTrap(stateFdNum)
		}
		if len(rcContent) > MaxRcFileSize {
			return base.CodedErrorf(base.ECDataTooBig, "generated rc content too large (%d bytes)", len(rcContent))
		}
		if c.ectx.HasDebugFlag(base.DebugFlagLogRc) {
			c.ectx.Logger.Debug("generated rc file", "ck", c.CK, "content", rcContent)
		}
	}
	if useRcTmpDir {
		dir, err := c.writeRcTmpDir(rcContent)
		if err != nil {
			return err
		}
		c.rcTmpDir = dir
	}

	argv := c.SAPI.MakeRunCommand(pk.Command, shellapi.RunCommandOpts{RcFdNum: rcFdNum, RcTmpDir: c.rcTmpDir})
	c.Cmd = exec.Command(argv[0], argv[1:]...)
	if pk.Cwd != "" {
		c.Cmd.Dir = pk.Cwd
	} else if prior != nil && prior.Cwd != "" {
		c.Cmd.Dir = prior.Cwd
	}
	c.Cmd.Env = c.makeEnv(pk, prior)

	extraFiles := make([]*os.File, 0, nextFd-3)
	setExtraFile := func(fdNum int, f *os.File) {
		for len(extraFiles) < fdNum-2 {
			extraFiles = append(extraFiles, nil)
		}
		extraFiles[fdNum-3] = f
	}

	var stdinRead *os.File
	if pk.UsePty && !pk.Detached {
		if err := c.allocPty(pk.TermOpts); err != nil {
			return err
		}
		c.Mux.MakeRawPtyReader(c.CmdPty)
		c.Mux.MakeRawPtyWriter(c.CmdPty)
	} else if pk.Detached {
		// detached commands still get a terminal; its output goes to the
		// session sink instead of the controller, and input delivered while
		// a controller is still attached is recorded alongside it
		if err := c.allocPty(pk.TermOpts); err != nil {
			return err
		}
		c.Mux.MakeRawPtyWriter(c.CmdPty)
	} else {
		var err error
		stdinRead, err = c.Mux.MakeWriterPipe(0)
		if err != nil {
			return err
		}
		stdoutWrite, err := c.Mux.MakeReaderPipe(1)
		if err != nil {
			return err
		}
		stderrWrite, err := c.Mux.MakeReaderPipe(2)
		if err != nil {
			return err
		}
		c.Cmd.Stdin = stdinRead
		c.Cmd.Stdout = stdoutWrite
		c.Cmd.Stderr = stderrWrite
		c.childFiles = append(c.childFiles, stdinRead, stdoutWrite, stderrWrite)
		c.Cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	for _, rfd := range pk.Fds {
		if rfd.DupStdin {
			setExtraFile(rfd.FdNum, stdinRead)
			continue
		}
		var f *os.File
		var err error
		if rfd.Read {
			f, err = c.Mux.MakeWriterPipe(rfd.FdNum)
		} else {
			f, err = c.Mux.MakeReaderPipe(rfd.FdNum)
		}
		if err != nil {
			return err
		}
		c.childFiles = append(c.childFiles, f)
		setExtraFile(rfd.FdNum, f)
	}
	for _, rd := range pk.RunData {
		data, err := decodeRunData(rd)
		if err != nil {
			return err
		}
		f, err := c.Mux.MakeStaticWriterPipe(rd.FdNum, data, MaxRunDataSize)
		if err != nil {
			return err
		}
		c.childFiles = append(c.childFiles, f)
		setExtraFile(rd.FdNum, f)
	}
	if rcFdNum >= 0 {
		f, err := c.Mux.MakeStaticWriterPipe(rcFdNum, []byte(rcContent), MaxRcFileSize)
		if err != nil {
			return err
		}
		c.childFiles = append(c.childFiles, f)
		setExtraFile(rcFdNum, f)
	}
	if stateFdNum >= 0 {
		pr, pw, err := os.Pipe()
		if err != nil {
			return err
		}
		c.ReturnState = MakeReturnStateBuf(pr, shellapi.StateOutputEndMarker)
		c.childFiles = append(c.childFiles, pw)
		setExtraFile(stateFdNum, pw)
	}

	// exec requires every ExtraFiles slot filled; plug gaps with /dev/null
	var devNull *os.File
	for i, f := range extraFiles {
		if f != nil {
			continue
		}
		if devNull == nil {
			var err error
			devNull, err = os.Open(os.DevNull)
			if err != nil {
				return err
			}
			c.childFiles = append(c.childFiles, devNull)
		}
		extraFiles[i] = devNull
	}
	c.Cmd.ExtraFiles = extraFiles
	return nil
}

// cloneCmd rebuilds an exec.Cmd whose Start failed; a Cmd cannot be started
// twice.
func cloneCmd(cmd *exec.Cmd) *exec.Cmd {
	clone := exec.Command(cmd.Path, cmd.Args[1:]...)
	clone.Dir = cmd.Dir
	clone.Env = cmd.Env
	clone.Stdin = cmd.Stdin
	clone.Stdout = cmd.Stdout
	clone.Stderr = cmd.Stderr
	clone.ExtraFiles = cmd.ExtraFiles
	attr := *cmd.SysProcAttr
	clone.SysProcAttr = &attr
	return clone
}

func decodeRunData(rd packet.RunDataType) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(rd.Data64)
	if err != nil {
		return nil, fmt.Errorf("rundata fd %d: invalid base64: %w", rd.FdNum, err)
	}
	return data, nil
}

func (c *ShExecType) allocPty(termOpts *packet.TermOpts) error {
	cmdPty, cmdTty, err := pty.Open()
	if err != nil {
		return base.CodedErrorf(base.ECStartFailed, "cannot open pty: %v", err)
	}
	rows, cols := boundTermSize(termOpts)
	_ = pty.Setsize(cmdPty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	c.CmdPty = cmdPty
	c.childFiles = append(c.childFiles, cmdTty)
	c.Cmd.Stdin = cmdTty
	c.Cmd.Stdout = cmdTty
	c.Cmd.Stderr = cmdTty
	c.Cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
	return nil
}

func boundTermSize(termOpts *packet.TermOpts) (int, int) {
	rows, cols := DefaultTermRows, DefaultTermCols
	if termOpts != nil {
		if termOpts.Rows > 0 {
			rows = termOpts.Rows
		}
		if termOpts.Cols > 0 {
			cols = termOpts.Cols
		}
	}
	return boundInt(rows, MinTermRows, MaxTermRows), boundInt(cols, MinTermCols, MaxTermCols)
}

func boundInt(v int, lo int, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *ShExecType) makeEnv(pk *packet.RunPacket, prior *shellapi.ShellState) []string {
	envMap := make(map[string]string)
	if prior != nil {
		envMap = shellapi.EnvMapFromState(prior)
	} else if !pk.StateComplete {
		// prior state explicitly incomplete: inherit everything
		for _, kv := range os.Environ() {
			if idx := strings.Index(kv, "="); idx > 0 {
				envMap[kv[:idx]] = kv[idx+1:]
			}
		}
	}
	for k, v := range pk.Env {
		envMap[k] = v
	}
	if pk.UsePty || pk.Detached {
		termType := DefaultTermType
		if pk.TermOpts != nil && pk.TermOpts.Term != "" {
			termType = pk.TermOpts.Term
		}
		envMap["TERM"] = termType
	}
	if c.rcTmpDir != "" {
		envMap["ZDOTDIR"] = c.rcTmpDir
	}
	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	return env
}

// writeRcTmpDir creates a private, caller-only-readable rc directory for
// shells that cannot source a descriptor, and schedules its opportunistic
// removal.
func (c *ShExecType) writeRcTmpDir(rcContent string) (string, error) {
	rcBase := c.ectx.RcFilesDir()
	if err := c.ectx.EnsureDir(rcBase); err != nil {
		return "", err
	}
	dir := filepath.Join(rcBase, uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create rc dir: %w", err)
	}
	rcPath := filepath.Join(dir, ".zshrc")
	if err := os.WriteFile(rcPath, []byte(rcContent), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("cannot write rc file: %w", err)
	}
	time.AfterFunc(RcTmpDirCleanupDelay, func() {
		os.RemoveAll(dir)
	})
	return dir, nil
}

func (c *ShExecType) closeChildFiles() {
	for _, f := range c.childFiles {
		f.Close()
	}
	c.childFiles = nil
}

// MakeCmdStartPacket reports the pid after a successful start.
func (c *ShExecType) MakeCmdStartPacket() *packet.CmdStartPacket {
	startPk := packet.MakeCmdStartPacket(c.CK)
	startPk.Ts = time.Now().UnixMilli()
	startPk.MShellPid = os.Getpid()
	if c.Cmd.Process != nil {
		startPk.Pid = c.Cmd.Process.Pid
	}
	return startPk
}

// RunKeepAlive emits ping records while the command is attached. A failed
// send means the link is dead; the child gets a hangup so it can wind down.
func (c *ShExecType) RunKeepAlive() {
	for {
		time.Sleep(KeepAliveInterval)
		if c.IsExited() || c.isClosed() {
			return
		}
		if err := c.Sender.SendPacket(packet.MakePingPacket(time.Now().UnixMilli())); err != nil || c.Sender.Err() != nil {
			c.HandleDisconnect()
			return
		}
	}
}

// HandleDisconnect treats a broken transport as a hangup to the child.
func (c *ShExecType) HandleDisconnect() {
	if c.Detached || c.IsExited() {
		return
	}
	c.SendSignal(syscall.SIGHUP)
}

// HandleSpecialInput applies a resize and/or delivers a signal.
func (c *ShExecType) HandleSpecialInput(pk *packet.SpecialInputPacket) error {
	if pk.WinSize != nil {
		if err := c.SetTermSize(pk.WinSize.Rows, pk.WinSize.Cols); err != nil {
			return err
		}
	}
	if pk.SigName != "" {
		sig, err := ParseSignalName(pk.SigName)
		if err != nil {
			return err
		}
		c.SendSignal(sig)
	}
	return nil
}

// SetTermSize resizes the PTY (bounded) and notifies the process group.
func (c *ShExecType) SetTermSize(rows int, cols int) error {
	if c.CmdPty == nil {
		return fmt.Errorf("%s: resize on a command without a pty", c.CK)
	}
	rows = boundInt(rows, MinTermRows, MaxTermRows)
	cols = boundInt(cols, MinTermCols, MaxTermCols)
	if err := pty.Setsize(c.CmdPty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("%s: cannot resize pty: %w", c.CK, err)
	}
	c.SendSignal(unix.SIGWINCH)
	return nil
}

// ParseSignalName resolves "SIGTERM", "TERM", or "15" to a signal.
func ParseSignalName(name string) (syscall.Signal, error) {
	name = strings.TrimSpace(name)
	if num, err := strconv.Atoi(name); err == nil {
		if num <= 0 || num > 64 {
			return 0, fmt.Errorf("invalid signal number %d", num)
		}
		return syscall.Signal(num), nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// SendSignal delivers sig to the whole process group (falling back to the
// process). A kill additionally arms the delayed self-termination safety net.
func (c *ShExecType) SendSignal(sig syscall.Signal) {
	if sig == syscall.SIGKILL {
		c.armKillSafety()
	}
	if c.IsExited() {
		return
	}
	proc := c.Cmd.Process
	if proc == nil {
		return
	}
	if err := unix.Kill(-proc.Pid, sig); err != nil {
		_ = unix.Kill(proc.Pid, sig)
	}
}

// armKillSafety schedules a forced teardown in case the exit wait never
// completes. Re-armed on every kill delivery, but a fired timer for an
// already-exited command is a no-op, so repeated signaling cannot tear down
// a later command.
func (c *ShExecType) armKillSafety() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.safetyT != nil {
		c.safetyT.Stop()
	}
	c.safetyT = time.AfterFunc(KillSafetyTimeout, func() {
		if !c.IsExited() {
			c.ectx.Logger.Warn("kill safety net fired", "ck", c.CK)
			c.Close()
		}
	})
}

func (c *ShExecType) IsExited() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.exited
}

func (c *ShExecType) setExited() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.exited = true
}

func (c *ShExecType) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// GetExitCode maps a Wait error to the command's exit code (-1 for
// abnormal termination without a code).
func GetExitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// WaitForCommand blocks until the process exits, finishes the bounded
// return-state capture, and produces the done record.
func (c *ShExecType) WaitForCommand() *packet.CmdDonePacket {
	waitErr := c.Cmd.Wait()
	c.setExited()
	endTs := time.Now()
	donePk := packet.MakeCmdDonePacket(c.CK)
	donePk.Ts = endTs.UnixMilli()
	donePk.ExitCode = GetExitCode(waitErr)
	donePk.DurationMs = endTs.Sub(c.StartTs).Milliseconds()
	if c.ReturnState != nil {
		select {
		case <-c.ReturnState.DoneCh:
		case <-time.After(ReturnStateTimeout):
			// the shell never emitted its end marker; unblock the reader
			c.ReturnState.ForceClose()
			<-c.ReturnState.DoneCh
		}
		state, err := c.SAPI.ParseShellStateOutput(c.ReturnState.Bytes())
		if err != nil {
			c.ectx.Logger.Warn("cannot parse return state", "ck", c.CK, "err", err)
		} else {
			donePk.FinalState = state.MakeDiffBlob(c.priorState)
		}
	}
	return donePk
}

// runDetachedOutput pumps PTY output into the compressed session sink until
// the terminal closes.
func (c *ShExecType) runDetachedOutput() {
	defer close(c.detachedDoneCh)
	buf := make([]byte, 4096)
	for {
		n, err := c.CmdPty.Read(buf)
		if n > 0 && c.detachedZW != nil {
			if _, werr := c.detachedZW.Write(buf[:n]); werr == nil {
				_ = c.detachedZW.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// setupDetachedOutput opens the compressed ptyout sink and the stdin record.
// Runs before Start so no terminal output can race the sink.
func (c *ShExecType) setupDetachedOutput() error {
	fileNames, err := c.ectx.GetCommandFileNames(c.CK)
	if err != nil {
		return err
	}
	c.FileNames = fileNames
	fd, err := os.OpenFile(fileNames.PtyOutFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return base.CodedErrorf(base.ECStartFailed, "cannot open detached output file: %v", err)
	}
	zw, err := zstd.NewWriter(fd, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		fd.Close()
		return err
	}
	stdinFd, err := os.OpenFile(fileNames.StdinFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		zw.Close()
		fd.Close()
		return base.CodedErrorf(base.ECStartFailed, "cannot open detached stdin file: %v", err)
	}
	c.detachedFile = fd
	c.detachedZW = zw
	c.stdinFile = stdinFd
	c.Mux.SetWriterTee(0, stdinFd)
	return nil
}

// WaitForDetached waits for a detached command and records its done packet in
// the session's runout file; the returned packet is also handed to the
// caller for best-effort delivery to a still-connected controller.
func (c *ShExecType) WaitForDetached() *packet.CmdDonePacket {
	donePk := c.WaitForCommand()
	if c.detachedDoneCh != nil {
		<-c.detachedDoneCh
	}
	if c.FileNames != nil {
		if barr, err := packet.MarshalPacket(donePk); err == nil {
			_ = os.WriteFile(c.FileNames.RunOutFile, barr, 0o600)
		}
	}
	return donePk
}

// Close releases every resource exactly once: pty, multiplexer, return-state
// reader, detached sink, and rc temp artifacts.
func (c *ShExecType) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	if c.safetyT != nil {
		c.safetyT.Stop()
	}
	c.lock.Unlock()

	if c.Mux != nil {
		c.Mux.Close()
	}
	if c.CmdPty != nil {
		c.CmdPty.Close()
	}
	if c.ReturnState != nil {
		c.ReturnState.ForceClose()
	}
	if c.detachedZW != nil {
		c.detachedZW.Close()
	}
	if c.detachedFile != nil {
		c.detachedFile.Close()
	}
	if c.stdinFile != nil {
		c.stdinFile.Close()
	}
	if c.rcTmpDir != "" {
		os.RemoveAll(c.rcTmpDir)
	}
	c.closeChildFiles()
}
