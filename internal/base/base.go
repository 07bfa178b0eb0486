// Package base holds the process-wide execution context for mshell: home
// directory layout, debug flags, the logger, and command-key handling. The
// context is built once at startup and threaded explicitly to every component;
// nothing in this package keeps ambient mutable state.
package base

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	MShellVersion = "v0.4.0"

	HomeVarName       = "MSHELL_HOME"
	InstallBinVarName = "MSHELL_INSTALLBIN_PATH"
	InstallDirVarName = "MSHELL_INSTALLBIN_DIR"
	SSHCommandVarName = "MSHELL_SSH_CMD"
	DebugVarName      = "MSHELL_DEBUG"

	SessionsDirBaseName = "sessions"
	RcFilesDirBaseName  = "rcfiles"
	RemoteIdFileName    = "remoteid"
	DebugLogFileName    = "mshell.log"

	DefaultMShellHome = ".mshell"
)

// DebugFlagLogRc makes the executor log generated rc-file content.
const DebugFlagLogRc = "logrc"

// ExecContext is the explicit process context. One is created per process and
// passed to every component that needs paths, flags, or logging.
type ExecContext struct {
	HomeDir    string
	DebugFlags map[string]bool
	Logger     *slog.Logger
	Config     *Config

	lock        sync.Mutex
	ensuredDirs map[string]bool
}

// MakeExecContext builds a context from the environment and an optional config
// file. The home directory is not created until EnsureHomeDir is called.
func MakeExecContext() (*ExecContext, error) {
	homeDir := os.Getenv(HomeVarName)
	if homeDir == "" {
		osHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		homeDir = filepath.Join(osHome, DefaultMShellHome)
	}
	ectx := &ExecContext{
		HomeDir:     homeDir,
		DebugFlags:  make(map[string]bool),
		ensuredDirs: make(map[string]bool),
	}
	for _, flag := range strings.Split(os.Getenv(DebugVarName), ",") {
		flag = strings.TrimSpace(flag)
		if flag != "" {
			ectx.DebugFlags[flag] = true
		}
	}
	cfg, err := LoadConfig(filepath.Join(homeDir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	ectx.Config = cfg
	if cfg != nil && os.Getenv(DebugVarName) == "" {
		for _, flag := range cfg.DebugFlags {
			ectx.DebugFlags[flag] = true
		}
	}
	ectx.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return ectx, nil
}

// InitDebugLog points the context logger at the debug log file under the
// mshell home. Failures are not fatal; the stderr logger stays in place.
func (ectx *ExecContext) InitDebugLog() {
	logPath := filepath.Join(ectx.HomeDir, DebugLogFileName)
	fd, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	level := slog.LevelInfo
	if len(ectx.DebugFlags) > 0 {
		level = slog.LevelDebug
	}
	ectx.Logger = slog.New(slog.NewTextHandler(fd, &slog.HandlerOptions{Level: level}))
}

func (ectx *ExecContext) HasDebugFlag(flag string) bool {
	return ectx.DebugFlags[flag]
}

// EnsureDir creates the directory once per process; subsequent calls for the
// same path only take the lock to consult the cache.
func (ectx *ExecContext) EnsureDir(dirName string) error {
	ectx.lock.Lock()
	ok := ectx.ensuredDirs[dirName]
	ectx.lock.Unlock()
	if ok {
		return nil
	}
	if err := os.MkdirAll(dirName, 0o700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", dirName, err)
	}
	ectx.lock.Lock()
	ectx.ensuredDirs[dirName] = true
	ectx.lock.Unlock()
	return nil
}

func (ectx *ExecContext) EnsureHomeDir() error {
	return ectx.EnsureDir(ectx.HomeDir)
}

func (ectx *ExecContext) SessionsDir() string {
	return filepath.Join(ectx.HomeDir, SessionsDirBaseName)
}

// DefaultShellType is the configured shell family, or empty when the
// built-in default applies.
func (ectx *ExecContext) DefaultShellType() string {
	if ectx.Config != nil {
		return ectx.Config.DefaultShell
	}
	return ""
}

func (ectx *ExecContext) RcFilesDir() string {
	return filepath.Join(ectx.HomeDir, RcFilesDirBaseName)
}

// CommandFileNames is the on-disk artifact set for one command key.
type CommandFileNames struct {
	PtyOutFile string
	StdinFile  string
	RunOutFile string
}

func (ectx *ExecContext) GetCommandFileNames(ck CommandKey) (*CommandFileNames, error) {
	group, cmd, err := ck.Split()
	if err != nil {
		return nil, err
	}
	sdir := filepath.Join(ectx.SessionsDir(), group)
	if err := ectx.EnsureDir(sdir); err != nil {
		return nil, err
	}
	base := filepath.Join(sdir, cmd)
	return &CommandFileNames{
		PtyOutFile: base + ".ptyout",
		StdinFile:  base + ".stdin",
		RunOutFile: base + ".runout",
	}, nil
}

// GetRemoteId returns the stable host identifier, generating and persisting a
// fresh one on first use.
func (ectx *ExecContext) GetRemoteId() (string, error) {
	if err := ectx.EnsureHomeDir(); err != nil {
		return "", err
	}
	idPath := filepath.Join(ectx.HomeDir, RemoteIdFileName)
	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, uerr := uuid.Parse(id); uerr == nil {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("cannot write remoteid file: %w", err)
	}
	return id, nil
}

// UnameString returns "os|arch" as used by the init handshake.
func UnameString() string {
	return runtime.GOOS + "|" + runtime.GOARCH
}

// GetSSHCommand resolves the ssh binary/arg override (env var first, then the
// config file), split on whitespace.
func (ectx *ExecContext) GetSSHCommand() []string {
	sshCmd := os.Getenv(SSHCommandVarName)
	if sshCmd == "" && ectx.Config != nil {
		sshCmd = ectx.Config.SSHCommand
	}
	if sshCmd == "" {
		return []string{"ssh"}
	}
	return strings.Fields(sshCmd)
}

// GetInstalledBinaryPath returns the path the bootstrap snippet expects the
// helper binary at on a remote host.
func GetInstalledBinaryPath() string {
	if p := os.Getenv(InstallBinVarName); p != "" {
		return p
	}
	dir := os.Getenv(InstallDirVarName)
	if dir == "" {
		dir = "~/" + DefaultMShellHome + "/bin"
	}
	return dir + "/mshell"
}
