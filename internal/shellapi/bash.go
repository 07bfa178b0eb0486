package shellapi

import (
	"fmt"
	"strings"
)

// bashShellApi sources rc content straight from an injected descriptor, so no
// temp files are needed for bash.
type bashShellApi struct{}

func init() {
	RegisterShellApi(ShellTypeBash, func() ShellApi { return bashShellApi{} })
}

func (bashShellApi) GetShellType() string {
	return ShellTypeBash
}

func (bashShellApi) GetLocalShellPath() string {
	return "/bin/bash"
}

func (bashShellApi) GetRemoteShellPath() string {
	return "bash"
}

func (bashShellApi) SupportsRcFileDescriptor() bool {
	return true
}

func (bashShellApi) MakeRcFileStr(prior *ShellState) string {
	var sb strings.Builder
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

func (bashShellApi) MakeExitTrap(fdNum int) string {
	return fmt.Sprintf(`
_mshell_exittrap () {
    {
        printf '%%s\n' %[2]q
        echo "version ${BASH_VERSION}"
        echo "cwd $(pwd)"
        echo "vars v"
        declare -p
        echo "end vars"
        echo "aliases v"
        alias -p
        echo "end aliases"
        echo "funcs v"
        declare -f
        echo "end funcs"
        printf '%%s\n' %[3]q
    } >&%[1]d
}
trap _mshell_exittrap EXIT
`, fdNum, StateOutputStartMarker, StateOutputEndMarker)
}

func (bashShellApi) MakeRunCommand(cmdText string, opts RunCommandOpts) []string {
	if opts.RcFdNum > 0 {
		full := fmt.Sprintf(". /dev/fd/%d\n%s", opts.RcFdNum, cmdText)
		return []string{"bash", "-c", full}
	}
	return []string{"bash", "-c", cmdText}
}

func (bashShellApi) ParseShellStateOutput(output []byte) (*ShellState, error) {
	return parseStateSections(output)
}
