package shexec

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/mpio"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
)

// MaxRunDataSize caps the total inline data carried by one run packet.
const MaxRunDataSize = 64 * 1024

// ValidateRunPacket performs every pre-start check; nothing is spawned and no
// descriptor is allocated until it passes.
func ValidateRunPacket(pk *packet.RunPacket) error {
	if pk == nil {
		return fmt.Errorf("run packet is required")
	}
	if err := pk.CK.Validate(); err != nil {
		return err
	}
	if pk.Command == "" {
		return fmt.Errorf("run packet %s: command is required", pk.CK)
	}
	if err := validateFds(pk); err != nil {
		return err
	}
	if pk.Detached {
		if err := validateDetached(pk); err != nil {
			return err
		}
	}
	if pk.State != nil && pk.State.Cwd != "" {
		if err := validateCwd(pk.State.Cwd); err != nil {
			return err
		}
	}
	if pk.Cwd != "" {
		if err := validateCwd(pk.Cwd); err != nil {
			return err
		}
	}
	return nil
}

func validateCwd(cwd string) error {
	fi, err := os.Stat(cwd)
	if err != nil {
		return base.CodedErrorf(base.ECInvalidCwd, "invalid cwd %q: %v", cwd, err)
	}
	if !fi.IsDir() {
		return base.CodedErrorf(base.ECInvalidCwd, "invalid cwd %q: not a directory", cwd)
	}
	return nil
}

func validateFds(pk *packet.RunPacket) error {
	seen := make(map[int]bool)
	for _, rfd := range pk.Fds {
		if rfd.FdNum < mpio.FirstExtraFilesFdNum {
			return base.CodedErrorf(base.ECInvalidFd, "fd %d is reserved (0-2 are always open)", rfd.FdNum)
		}
		if rfd.FdNum > mpio.MaxFdNum {
			return base.CodedErrorf(base.ECInvalidFd, "fd %d exceeds maximum %d", rfd.FdNum, mpio.MaxFdNum)
		}
		if seen[rfd.FdNum] {
			return base.CodedErrorf(base.ECInvalidFd, "fd %d requested twice", rfd.FdNum)
		}
		seen[rfd.FdNum] = true
		if rfd.Read && rfd.Write {
			return base.CodedErrorf(base.ECInvalidFd, "fd %d cannot be both read and write", rfd.FdNum)
		}
		if !rfd.Read && !rfd.Write {
			return base.CodedErrorf(base.ECInvalidFd, "fd %d must be read or write", rfd.FdNum)
		}
		if rfd.DupStdin {
			if !rfd.Read {
				return base.CodedErrorf(base.ECInvalidFd, "fd %d: dup-stdin requires a read fd", rfd.FdNum)
			}
			if pk.UsePty {
				return base.CodedErrorf(base.ECInvalidFd, "fd %d: dup-stdin is illegal with a pty (the pty owns fd 0)", rfd.FdNum)
			}
		}
	}
	totalRunData := 0
	for _, rd := range pk.RunData {
		if rd.FdNum < mpio.FirstExtraFilesFdNum {
			return base.CodedErrorf(base.ECInvalidFd, "rundata fd %d is reserved", rd.FdNum)
		}
		if rd.FdNum > mpio.MaxFdNum {
			return base.CodedErrorf(base.ECInvalidFd, "rundata fd %d exceeds maximum %d", rd.FdNum, mpio.MaxFdNum)
		}
		if seen[rd.FdNum] {
			return base.CodedErrorf(base.ECInvalidFd, "fd %d requested twice", rd.FdNum)
		}
		seen[rd.FdNum] = true
		declLen := rd.DataLen
		realLen := base64.StdEncoding.DecodedLen(len(rd.Data64))
		if declLen > realLen {
			return base.CodedErrorf(base.ECDataTooBig, "rundata fd %d: declared length %d exceeds payload", rd.FdNum, declLen)
		}
		totalRunData += realLen
	}
	if totalRunData > MaxRunDataSize {
		return base.CodedErrorf(base.ECDataTooBig, "total rundata %d bytes exceeds maximum %d", totalRunData, MaxRunDataSize)
	}
	return nil
}

// validateDetached rejects every construct that would require the controller
// to stay alive: interactive remote fds and dup-stdin. Inline rundata is the
// only extra-descriptor mechanism available to detached commands.
func validateDetached(pk *packet.RunPacket) error {
	for _, rfd := range pk.Fds {
		if rfd.Write {
			return base.CodedErrorf(base.ECInvalidFd, "detached command cannot request writable remote fd %d", rfd.FdNum)
		}
		if rfd.Read {
			return base.CodedErrorf(base.ECInvalidFd, "detached command cannot request readable remote fd %d", rfd.FdNum)
		}
		if rfd.DupStdin {
			return base.CodedErrorf(base.ECInvalidFd, "detached command cannot dup stdin")
		}
	}
	return nil
}
