package shellapi

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/wavetermdev/waveterm-sub008/internal/packet"
	"github.com/wavetermdev/waveterm-sub008/internal/statediff"
)

// ShellState is a structured snapshot of a shell's environment: cwd, the raw
// variable dump, and shell-specific alias/function definitions.
type ShellState struct {
	Version   string
	Cwd       string
	ShellVars []byte
	Aliases   string
	Funcs     string
	Error     string
}

func (state *ShellState) IsEmpty() bool {
	return state == nil || (state.Version == "" && state.Cwd == "" && len(state.ShellVars) == 0 && state.Aliases == "" && state.Funcs == "")
}

// EncodeBlob produces the full (non-diff) wire form.
func (state *ShellState) EncodeBlob() *packet.ShellStateBlob {
	if state == nil {
		return nil
	}
	return &packet.ShellStateBlob{
		Version: state.Version,
		Cwd:     state.Cwd,
		Vars64:  base64.StdEncoding.EncodeToString(state.ShellVars),
		Aliases: state.Aliases,
		Funcs:   state.Funcs,
	}
}

// StateFromBlob decodes a full snapshot blob; diff blobs need a prior state
// and must go through ApplyDiffBlob.
func StateFromBlob(blob *packet.ShellStateBlob) (*ShellState, error) {
	if blob == nil {
		return nil, nil
	}
	if blob.Diff {
		return nil, fmt.Errorf("shell state blob is a diff; prior state required")
	}
	vars, err := base64.StdEncoding.DecodeString(blob.Vars64)
	if err != nil {
		return nil, fmt.Errorf("shell state vars64: %w", err)
	}
	return &ShellState{
		Version:   blob.Version,
		Cwd:       blob.Cwd,
		ShellVars: vars,
		Aliases:   blob.Aliases,
		Funcs:     blob.Funcs,
	}, nil
}

// MakeDiffBlob encodes this state as a diff against prior. With no prior the
// full snapshot is sent. Only the variable dump is diffed line-wise; cwd,
// aliases and funcs travel whole (they are small or rarely change; an
// unchanged field encodes to an empty diff anyway).
func (state *ShellState) MakeDiffBlob(prior *ShellState) *packet.ShellStateBlob {
	if state == nil {
		return nil
	}
	if prior.IsEmpty() {
		return state.EncodeBlob()
	}
	varsDiff := statediff.MakeLineDiff(string(prior.ShellVars), string(state.ShellVars))
	return &packet.ShellStateBlob{
		Version:  state.Version,
		Cwd:      state.Cwd,
		Aliases:  state.Aliases,
		Funcs:    state.Funcs,
		Diff:     true,
		DiffVars: base64.StdEncoding.EncodeToString(varsDiff),
	}
}

// ApplyDiffBlob reconstructs a full state from a prior state and a diff blob.
func ApplyDiffBlob(prior *ShellState, blob *packet.ShellStateBlob) (*ShellState, error) {
	if blob == nil {
		return prior, nil
	}
	if !blob.Diff {
		return StateFromBlob(blob)
	}
	if prior == nil {
		return nil, fmt.Errorf("cannot apply state diff without prior state")
	}
	diffBytes, err := base64.StdEncoding.DecodeString(blob.DiffVars)
	if err != nil {
		return nil, fmt.Errorf("shell state diffvars: %w", err)
	}
	newVars, err := statediff.ApplyLineDiff(string(prior.ShellVars), diffBytes)
	if err != nil {
		return nil, err
	}
	return &ShellState{
		Version:   blob.Version,
		Cwd:       blob.Cwd,
		ShellVars: []byte(newVars),
		Aliases:   blob.Aliases,
		Funcs:     blob.Funcs,
	}, nil
}

// EnvMapFromState extracts exported variables from the raw dump. It
// understands the "declare -x" (bash) and "typeset -x" / "export" (zsh)
// forms with double-quoted or $'...' quoted values.
func EnvMapFromState(state *ShellState) map[string]string {
	env := make(map[string]string)
	if state == nil {
		return env
	}
	for _, line := range strings.Split(string(state.ShellVars), "\n") {
		name, val, ok := parseExportLine(line)
		if ok {
			env[name] = val
		}
	}
	return env
}

func parseExportLine(line string) (string, string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(line, "declare -x "):
		rest = line[len("declare -x "):]
	case strings.HasPrefix(line, "typeset -x "):
		rest = line[len("typeset -x "):]
	case strings.HasPrefix(line, "export "):
		rest = line[len("export "):]
	default:
		return "", "", false
	}
	eqIdx := strings.Index(rest, "=")
	if eqIdx < 0 {
		// exported but unset; nothing to apply
		return "", "", false
	}
	name := rest[:eqIdx]
	if !isValidVarName(name) {
		return "", "", false
	}
	val := rest[eqIdx+1:]
	switch {
	case strings.HasPrefix(val, "$'") && strings.HasSuffix(val, "'") && len(val) >= 3:
		// ansi-c quoting, used by declare -p for control bytes and newlines
		val = unescapeAnsiC(val[2 : len(val)-1])
	case len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"':
		val = unescapeDoubleQuoted(val[1 : len(val)-1])
	}
	return name, val, true
}

func isValidVarName(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		if ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' {
			continue
		}
		if i > 0 && ch >= '0' && ch <= '9' {
			continue
		}
		return false
	}
	return true
}

func unescapeAnsiC(val string) string {
	var sb strings.Builder
	sb.Grow(len(val))
	for i := 0; i < len(val); i++ {
		ch := val[i]
		if ch != '\\' || i+1 >= len(val) {
			sb.WriteByte(ch)
			continue
		}
		i++
		switch c := val[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'a':
			sb.WriteByte('\a')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case 'v':
			sb.WriteByte('\v')
		case 'e', 'E':
			sb.WriteByte(0x1b)
		case '\\', '\'', '"', '?':
			sb.WriteByte(c)
		case 'x':
			j := i + 1
			for j < len(val) && j <= i+2 && isHexDigit(val[j]) {
				j++
			}
			if j == i+1 {
				sb.WriteString("\\x")
				break
			}
			n, _ := strconv.ParseUint(val[i+1:j], 16, 8)
			sb.WriteByte(byte(n))
			i = j - 1
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(val) && j < i+3 && val[j] >= '0' && val[j] <= '7' {
				j++
			}
			n, _ := strconv.ParseUint(val[i:j], 8, 16)
			sb.WriteByte(byte(n))
			i = j - 1
		default:
			sb.WriteByte('\\')
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isHexDigit(ch byte) bool {
	return ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'f' || ch >= 'A' && ch <= 'F'
}

func unescapeDoubleQuoted(val string) string {
	if !strings.ContainsRune(val, '\\') {
		return val
	}
	var sb strings.Builder
	sb.Grow(len(val))
	escaped := false
	for _, ch := range val {
		if escaped {
			sb.WriteRune(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		sb.WriteRune(ch)
	}
	if escaped {
		sb.WriteRune('\\')
	}
	return sb.String()
}
