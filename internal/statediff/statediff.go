// Package statediff encodes compact line-level diffs between two text
// snapshots. It is used to ship shell-state changes across invocations
// without resending the full environment dump every time.
//
// A diff is an ordered list of runs. A run with a nonzero LineVal copies Run
// consecutive lines from the old text starting at the 1-indexed position
// LineVal; a run with LineVal zero consumes Run lines from the literal list.
// Decoding bounds-checks every copy, so a corrupt diff fails hard instead of
// producing garbage.
package statediff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// LineDiffVersion tags the wire format.
const LineDiffVersion = 1

// SingleLineEntry is one run: (source position or 0, run length).
type SingleLineEntry struct {
	LineVal int
	Run     int
}

// LineDiffType is a decoded diff payload.
type LineDiffType struct {
	Version     int
	SplitString string
	Entries     []SingleLineEntry
	Lines       []string
}

func splitLines(text string, split string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, split)
}

// MakeLineDiff computes the diff transforming oldText into newText. Equal
// inputs produce an empty payload.
func MakeLineDiff(oldText string, newText string) []byte {
	if oldText == newText {
		return nil
	}
	diff := makeLineDiffType(oldText, newText, "\n")
	return diff.Encode()
}

func makeLineDiffType(oldText string, newText string, split string) *LineDiffType {
	oldLines := splitLines(oldText, split)
	newLines := splitLines(newText, split)

	// index every old line by first occurrence (1-based)
	oldIndex := make(map[string]int, len(oldLines))
	for idx, line := range oldLines {
		if _, ok := oldIndex[line]; !ok {
			oldIndex[line] = idx + 1
		}
	}

	diff := &LineDiffType{Version: LineDiffVersion, SplitString: split}
	var cur SingleLineEntry
	push := func() {
		if cur.Run > 0 {
			diff.Entries = append(diff.Entries, cur)
		}
		cur = SingleLineEntry{}
	}
	for _, line := range newLines {
		pos, found := oldIndex[line]
		if cur.Run > 0 && cur.LineVal > 0 {
			// extend a copy run while the next new line continues it
			next := cur.LineVal + cur.Run - 1
			if next < len(oldLines) && oldLines[next] == line {
				cur.Run++
				continue
			}
			push()
		} else if cur.Run > 0 && cur.LineVal == 0 && !found {
			cur.Run++
			diff.Lines = append(diff.Lines, line)
			continue
		} else if cur.Run > 0 {
			push()
		}
		if found {
			cur = SingleLineEntry{LineVal: pos, Run: 1}
		} else {
			cur = SingleLineEntry{LineVal: 0, Run: 1}
			diff.Lines = append(diff.Lines, line)
		}
	}
	push()
	return diff
}

// Encode produces the wire form: uvarint version, run count, (val,run) pairs,
// then the newline-joined literal block.
func (diff *LineDiffType) Encode() []byte {
	var buf bytes.Buffer
	viBuf := make([]byte, binary.MaxVarintLen64)
	putUVarint(&buf, viBuf, diff.Version)
	putUVarint(&buf, viBuf, len(diff.Entries))
	for _, entry := range diff.Entries {
		putUVarint(&buf, viBuf, entry.LineVal)
		putUVarint(&buf, viBuf, entry.Run)
	}
	buf.WriteString(strings.Join(diff.Lines, "\n"))
	return buf.Bytes()
}

func putUVarint(buf *bytes.Buffer, viBuf []byte, val int) {
	n := binary.PutUvarint(viBuf, uint64(val))
	buf.Write(viBuf[:n])
}

// Decode parses the wire form back into a LineDiffType.
func (diff *LineDiffType) Decode(data []byte) error {
	r := bytes.NewReader(data)
	version, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("linediff: cannot read version: %w", err)
	}
	if version != LineDiffVersion {
		return fmt.Errorf("linediff: invalid version %d", version)
	}
	numEntries, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("linediff: cannot read entry count: %w", err)
	}
	if numEntries > uint64(len(data)) {
		return fmt.Errorf("linediff: entry count %d out of range", numEntries)
	}
	entries := make([]SingleLineEntry, 0, numEntries)
	var literalCount int
	for i := uint64(0); i < numEntries; i++ {
		lineVal, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("linediff: cannot read entry %d: %w", i, err)
		}
		run, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("linediff: cannot read entry %d run: %w", i, err)
		}
		entries = append(entries, SingleLineEntry{LineVal: int(lineVal), Run: int(run)})
		if lineVal == 0 {
			literalCount += int(run)
		}
	}
	restPos := len(data) - r.Len()
	diff.Version = int(version)
	diff.SplitString = "\n"
	diff.Entries = entries
	// a single empty literal and an empty literal list both serialize to an
	// empty block; the entry-derived count tells them apart
	rest := string(data[restPos:])
	if rest == "" && literalCount == 0 {
		diff.Lines = nil
	} else {
		diff.Lines = strings.Split(rest, "\n")
	}
	if len(diff.Lines) != literalCount {
		return fmt.Errorf("linediff: literal count mismatch (have %d, need %d)", len(diff.Lines), literalCount)
	}
	return nil
}

// ApplyLineDiff reconstructs the new text from the old text and an encoded
// diff. An empty diff returns oldText unchanged. Out-of-range source
// references are a hard error.
func ApplyLineDiff(oldText string, diffBytes []byte) (string, error) {
	if len(diffBytes) == 0 {
		return oldText, nil
	}
	var diff LineDiffType
	if err := diff.Decode(diffBytes); err != nil {
		return "", err
	}
	oldLines := splitLines(oldText, diff.SplitString)
	var newLines []string
	literalPos := 0
	for _, entry := range diff.Entries {
		if entry.LineVal == 0 {
			if literalPos+entry.Run > len(diff.Lines) {
				return "", fmt.Errorf("linediff: literal run overflows literal list")
			}
			newLines = append(newLines, diff.Lines[literalPos:literalPos+entry.Run]...)
			literalPos += entry.Run
			continue
		}
		start := entry.LineVal - 1
		end := start + entry.Run
		if start < 0 || end > len(oldLines) {
			return "", fmt.Errorf("linediff: copy run [%d,%d) out of range (old has %d lines)", entry.LineVal, entry.LineVal+entry.Run, len(oldLines))
		}
		newLines = append(newLines, oldLines[start:end]...)
	}
	return strings.Join(newLines, diff.SplitString), nil
}
