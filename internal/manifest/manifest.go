package manifest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Package represents one stanza from a Packages manifest. Size and MD5Sum
// are optional in the manifest text and may be backfilled later from the
// actual file on disk.
type Package struct {
	Name     string
	Filename string
	Size     int64 // -1 until known
	MD5Sum   string
}

// Set maps package names to their records. Names are unique; the last
// stanza for a name wins.
type Set map[string]*Package

// Parse extracts package records from a Packages manifest stream.
//
// The format is a sequence of stanzas of "key: value" lines separated by
// blank lines. Parsing is deliberately tolerant: non-ASCII lines are
// skipped, unrecognized keys and empty values are ignored, and a stanza
// without a "package" key is dropped. Malformed content degrades to fewer
// entries; the only error returned is a failure reading the stream.
func Parse(r io.Reader) (Set, error) {
	pkgs := make(Set)
	var cur *Package

	// Lines are read without a length cap so that arbitrarily long noise
	// lines are skipped like any other malformed content instead of
	// failing the whole parse.
	br := bufio.NewReader(r)
	for {
		raw, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("reading manifest stream: %w", readErr)
		}

		cur = consumeLine(pkgs, cur, strings.TrimSpace(raw))

		if readErr == io.EOF {
			break
		}
	}

	// A trailing stanza without a terminating blank line is not committed;
	// stanzas are only flushed on their blank-line terminator.

	return pkgs, nil
}

// consumeLine feeds one trimmed manifest line into the parse state and
// returns the stanza under construction, if any.
func consumeLine(pkgs Set, cur *Package, line string) *Package {
	if !isASCII(line) {
		return cur
	}

	if line == "" {
		if cur != nil && cur.Name != "" {
			pkgs[cur.Name] = cur
		}
		return nil
	}

	key, value, _ := strings.Cut(line, ": ")
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if value == "" {
		return cur
	}

	switch key {
	case "package", "filename", "size", "md5sum":
	default:
		return cur
	}

	if cur == nil {
		cur = &Package{Size: -1}
	}

	switch key {
	case "package":
		cur.Name = value
	case "filename":
		cur.Filename = value
	case "size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return cur
		}
		cur.Size = n
	case "md5sum":
		cur.MD5Sum = value
	}
	return cur
}

// isASCII reports whether every byte of s is 7-bit ASCII.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
