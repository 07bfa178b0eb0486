// Package shellapi holds the per-shell-family knowledge: how to build exec
// command lines, inject rc content, install the exit trap that dumps shell
// state, and parse the captured output back into a ShellState. Adapters are
// registered by family name; the executor never type-switches on the shell.
package shellapi

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
)

const (
	ShellTypeBash = "bash"
	ShellTypeZsh  = "zsh"

	// StateOutputStartMarker / StateOutputEndMarker bound the trap's dump on
	// the capture descriptor.
	StateOutputStartMarker = "##mshell-state-start##"
	StateOutputEndMarker   = "##mshell-state-end##"
)

// RunCommandOpts carries where the rc content lives for this invocation:
// either a descriptor number (shells that can source an fd) or a private
// rc directory (shells that cannot).
type RunCommandOpts struct {
	RcFdNum  int
	RcTmpDir string
}

// ShellApi is the per-family capability used by the executor.
type ShellApi interface {
	GetShellType() string
	GetLocalShellPath() string
	GetRemoteShellPath() string

	// SupportsRcFileDescriptor reports whether rc content can be sourced
	// straight from an injected descriptor; otherwise it is written to a
	// caller-only-readable temp dir.
	SupportsRcFileDescriptor() bool

	// MakeRcFileStr builds rc content re-establishing the prior state
	// (exports, cwd, aliases, functions).
	MakeRcFileStr(prior *ShellState) string

	// MakeExitTrap returns shell source installing an exit trap that dumps
	// the current state to fdNum, bounded by the state output markers.
	MakeExitTrap(fdNum int) string

	// MakeRunCommand returns the argv that executes cmdText with the rc
	// content injected per opts.
	MakeRunCommand(cmdText string, opts RunCommandOpts) []string

	// ParseShellStateOutput turns captured trap output into a ShellState.
	ParseShellStateOutput(output []byte) (*ShellState, error)
}

var (
	registryLock sync.Mutex
	registry     = make(map[string]func() ShellApi)
)

// RegisterShellApi installs a family constructor; called from adapter init().
func RegisterShellApi(shellType string, fn func() ShellApi) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[shellType] = fn
}

// MakeShellApi resolves an adapter by family name; empty resolves to bash.
func MakeShellApi(shellType string) (ShellApi, error) {
	if shellType == "" {
		shellType = ShellTypeBash
	}
	registryLock.Lock()
	fn := registry[shellType]
	registryLock.Unlock()
	if fn == nil {
		return nil, base.CodedErrorf(base.ECNoShell, "unsupported shell type %q (supported: %s)", shellType, strings.Join(SupportedShells(), ", "))
	}
	return fn(), nil
}

// SupportedShells lists registered family names, sorted.
func SupportedShells() []string {
	registryLock.Lock()
	defer registryLock.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectLocalShellType inspects $SHELL for a registered family name; it
// falls back to bash.
func DetectLocalShellType() string {
	shellPath := os.Getenv("SHELL")
	if shellPath != "" {
		name := filepath.Base(shellPath)
		registryLock.Lock()
		_, ok := registry[name]
		registryLock.Unlock()
		if ok {
			return name
		}
	}
	return ShellTypeBash
}

// shellQuote single-quotes s for safe interpolation into shell source.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseStateSections splits trap output into its marker-delimited sections.
// The format is line oriented:
//
//	##mshell-state-start##
//	version <ver>
//	cwd <dir>
//	vars v
//	<declare -p lines...>
//	end vars
//	aliases v
//	...
//	end aliases
//	funcs v
//	...
//	end funcs
//	##mshell-state-end##
func parseStateSections(output []byte) (*ShellState, error) {
	text := string(output)
	startIdx := strings.Index(text, StateOutputStartMarker+"\n")
	if startIdx < 0 {
		return nil, fmt.Errorf("shell state output: start marker not found")
	}
	text = text[startIdx+len(StateOutputStartMarker)+1:]
	endIdx := strings.Index(text, StateOutputEndMarker)
	if endIdx < 0 {
		return nil, fmt.Errorf("shell state output: end marker not found")
	}
	text = text[:endIdx]

	state := &ShellState{}
	lines := strings.Split(text, "\n")
	var section string
	var sectionLines []string
	flush := func() {
		body := strings.Join(sectionLines, "\n")
		switch section {
		case "vars":
			state.ShellVars = []byte(body)
		case "aliases":
			state.Aliases = body
		case "funcs":
			state.Funcs = body
		}
		sectionLines = nil
	}
	for _, line := range lines {
		if section != "" {
			if line == "end "+section {
				flush()
				section = ""
				continue
			}
			sectionLines = append(sectionLines, line)
			continue
		}
		switch {
		case strings.HasPrefix(line, "version "):
			state.Version = strings.TrimSpace(line[len("version "):])
		case strings.HasPrefix(line, "cwd "):
			state.Cwd = strings.TrimSpace(line[len("cwd "):])
		case line == "vars v", line == "aliases v", line == "funcs v":
			section = strings.Fields(line)[0]
		case strings.TrimSpace(line) == "":
			// blank separators are fine
		default:
			// tolerate unknown section headers from newer shells
		}
	}
	if section != "" {
		return nil, fmt.Errorf("shell state output: unterminated %q section", section)
	}
	return state, nil
}
