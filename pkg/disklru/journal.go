package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Directory layout.
const (
	journalFile       = "journal"
	journalTmpFile    = "journal.tmp"
	journalBackupFile = "journal.bkp"
	lockFile          = "journal.lock"
)

// Journal header constants.
//
// The header is exactly four lines: magic, version, value count, blank.
const (
	journalMagic   = "io.disklru.Journal"
	journalVersion = "1"
)

// Limits.
const (
	maxKeyLen     = 120
	maxValueCount = 1024
)

// opcode is the first token of a journal record.
type opcode string

const (
	// opDirty marks the start of an edit. Always followed by CLEAN or
	// REMOVE for the same key unless the process died mid-edit.
	opDirty opcode = "DIRTY"
	// opClean records a successful commit with one length per value slot.
	opClean opcode = "CLEAN"
	// opRemove records an eviction, explicit removal or aborted first edit.
	opRemove opcode = "REMOVE"
	// opRead records a successful Get. Recency only.
	opRead opcode = "READ"
)

// record is one parsed journal line.
type record struct {
	op      opcode
	key     string
	lengths []int64 // CLEAN only
}

// appendTo appends the wire form of r, including the trailing newline.
func (r record) appendTo(buf []byte) []byte {
	buf = append(buf, r.op...)
	buf = append(buf, ' ')
	buf = append(buf, r.key...)

	for _, n := range r.lengths {
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, n, 10)
	}

	return append(buf, '\n')
}

// parseRecord parses one journal line (without its newline).
// Every malformation is reported as [ErrCorrupt].
func parseRecord(line string, valueCount int) (record, error) {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return record{}, fmt.Errorf("%w: unexpected journal line %q", ErrCorrupt, line)
	}

	rec := record{op: opcode(fields[0]), key: fields[1]}

	if err := validateKey(rec.key); err != nil {
		return record{}, fmt.Errorf("%w: bad key in journal line %q", ErrCorrupt, line)
	}

	switch rec.op {
	case opClean:
		if len(fields) != 2+valueCount {
			return record{}, fmt.Errorf("%w: want %d lengths in journal line %q", ErrCorrupt, valueCount, line)
		}

		rec.lengths = make([]int64, valueCount)

		for i, s := range fields[2:] {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n < 0 {
				return record{}, fmt.Errorf("%w: bad length %q in journal line %q", ErrCorrupt, s, line)
			}

			rec.lengths[i] = n
		}

	case opDirty, opRemove, opRead:
		if len(fields) != 2 {
			return record{}, fmt.Errorf("%w: unexpected journal line %q", ErrCorrupt, line)
		}

	default:
		return record{}, fmt.Errorf("%w: unknown opcode in journal line %q", ErrCorrupt, line)
	}

	return rec, nil
}

// writeHeader writes the four header lines.
func writeHeader(w io.Writer, valueCount int) error {
	_, err := fmt.Fprintf(w, "%s\n%s\n%d\n\n", journalMagic, journalVersion, valueCount)

	return err
}

// replayResult summarizes a journal read.
type replayResult struct {
	// lines is the number of body records applied.
	lines int

	// truncated is set when the last line had no newline. That line is
	// the remains of an interrupted append and was not applied.
	truncated bool
}

// readJournal validates the header and feeds each body record to apply in
// file order. Format problems are [ErrCorrupt]; read failures are returned
// as-is.
func readJournal(r io.Reader, valueCount int, apply func(record)) (replayResult, error) {
	br := bufio.NewReader(r)

	want := [4]string{journalMagic, journalVersion, strconv.Itoa(valueCount), ""}

	var got [4]string

	for i := range got {
		line, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return replayResult{}, fmt.Errorf("%w: truncated header", ErrCorrupt)
		}

		if err != nil {
			return replayResult{}, fmt.Errorf("read header: %w", err)
		}

		got[i] = strings.TrimSuffix(line, "\n")
	}

	if got != want {
		return replayResult{}, fmt.Errorf("%w: unexpected header [%s, %s, %s, %s]",
			ErrCorrupt, got[0], got[1], got[2], got[3])
	}

	var res replayResult

	for {
		line, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) {
			res.truncated = line != ""

			return res, nil
		}

		if err != nil {
			return res, fmt.Errorf("read journal line %d: %w", res.lines+1, err)
		}

		rec, err := parseRecord(strings.TrimSuffix(line, "\n"), valueCount)
		if err != nil {
			return res, err
		}

		apply(rec)
		res.lines++
	}
}

// validateKey reports whether key can be used as a cache key and as the
// base of a file name. Keys are 1..120 bytes of printable ASCII without
// whitespace, path separators or upper-case letters. Two keys that differ
// only in case would share files on a case-insensitive filesystem.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is empty: %w", ErrInvalidInput)
	}

	if len(key) > maxKeyLen {
		return fmt.Errorf("key length %d exceeds max %d: %w", len(key), maxKeyLen, ErrInvalidInput)
	}

	if key == "." || key == ".." {
		return fmt.Errorf("key %q is reserved: %w", key, ErrInvalidInput)
	}

	for i := range len(key) {
		c := key[i]
		if c <= ' ' || c >= 0x7f || c == '/' || c == '\\' || ('A' <= c && c <= 'Z') {
			return fmt.Errorf("key %q has invalid byte 0x%02x at %d: %w", key, c, i, ErrInvalidInput)
		}
	}

	return nil
}
