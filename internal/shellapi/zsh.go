package shellapi

import (
	"fmt"
	"strings"
)

// zshShellApi cannot source rc content from an arbitrary descriptor; it gets
// a private ZDOTDIR temp directory instead (written by the executor and
// removed on close).
type zshShellApi struct{}

func init() {
	RegisterShellApi(ShellTypeZsh, func() ShellApi { return zshShellApi{} })
}

func (zshShellApi) GetShellType() string {
	return ShellTypeZsh
}

func (zshShellApi) GetLocalShellPath() string {
	return "/bin/zsh"
}

func (zshShellApi) GetRemoteShellPath() string {
	return "zsh"
}

func (zshShellApi) SupportsRcFileDescriptor() bool {
	return false
}

func (zshShellApi) MakeRcFileStr(prior *ShellState) string {
	var sb strings.Builder
	sb.WriteString("unsetopt GLOBAL_RCS\n")
	sb.WriteString("unset HISTFILE\n")
	if prior != nil {
		if prior.Cwd != "" {
			fmt.Fprintf(&sb, "cd %s 2>/dev/null\n", shellQuote(prior.Cwd))
		}
		if len(prior.ShellVars) > 0 {
			sb.Write(prior.ShellVars)
			sb.WriteString("\n")
		}
		if prior.Aliases != "" {
			sb.WriteString(prior.Aliases)
			sb.WriteString("\n")
		}
		if prior.Funcs != "" {
			sb.WriteString(prior.Funcs)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (zshShellApi) MakeExitTrap(fdNum int) string {
	return fmt.Sprintf(`
zshexit () {
    {
        printf '%%s\n' %[2]q
        echo "version ${ZSH_VERSION}"
        echo "cwd $(pwd)"
        echo "vars v"
        typeset -p
        echo "end vars"
        echo "aliases v"
        alias -L
        echo "end aliases"
        echo "funcs v"
        functions
        echo "end funcs"
        printf '%%s\n' %[3]q
    } >&%[1]d
}
`, fdNum, StateOutputStartMarker, StateOutputEndMarker)
}

func (zshShellApi) MakeRunCommand(cmdText string, opts RunCommandOpts) []string {
	// rc content lives in <RcTmpDir>/.zshrc; the executor sets ZDOTDIR so an
	// interactive zsh picks it up.
	return []string{"zsh", "-i", "-c", cmdText}
}

func (zshShellApi) ParseShellStateOutput(output []byte) (*ShellState, error) {
	return parseStateSections(output)
}
