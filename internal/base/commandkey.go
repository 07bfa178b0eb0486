package base

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CommandKey correlates all packets for one command invocation. Its wire form
// is "{groupId}/{commandId}" where both halves are UUID tokens; it also
// namespaces the on-disk session artifacts.
type CommandKey string

func MakeCommandKey(groupId string, cmdId string) CommandKey {
	if groupId == "" && cmdId == "" {
		return CommandKey("")
	}
	return CommandKey(fmt.Sprintf("%s/%s", groupId, cmdId))
}

func (ck CommandKey) IsEmpty() bool {
	return string(ck) == ""
}

// Split returns the group and command halves, validating both as tokens.
func (ck CommandKey) Split() (string, string, error) {
	fields := strings.Split(string(ck), "/")
	if len(fields) != 2 {
		return "", "", fmt.Errorf("malformed command key %q", string(ck))
	}
	groupId, cmdId := fields[0], fields[1]
	if _, err := uuid.Parse(groupId); err != nil {
		return "", "", fmt.Errorf("command key %q: invalid group id: %w", string(ck), err)
	}
	if _, err := uuid.Parse(cmdId); err != nil {
		return "", "", fmt.Errorf("command key %q: invalid command id: %w", string(ck), err)
	}
	return groupId, cmdId, nil
}

func (ck CommandKey) GetGroupId() string {
	groupId, _, err := ck.Split()
	if err != nil {
		return ""
	}
	return groupId
}

func (ck CommandKey) GetCmdId() string {
	_, cmdId, err := ck.Split()
	if err != nil {
		return ""
	}
	return cmdId
}

// Validate rejects empty or malformed keys. It must pass before any process
// is started for the key.
func (ck CommandKey) Validate() error {
	if ck.IsEmpty() {
		return CodedErrorf(ECInvalidKey, "command key is required")
	}
	if _, _, err := ck.Split(); err != nil {
		return CodedError(ECInvalidKey, err)
	}
	return nil
}
