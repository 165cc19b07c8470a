package ftp

import (
	"strconv"
	"strings"
	"time"
)

// eplfParser parses the EPLF format (Easily Parsed LIST Format):
// "+facts\tname" or "+facts name", facts comma-separated.
type eplfParser struct{}

func (p *eplfParser) Name() string { return "EPLF" }

func (p *eplfParser) Parse(line string) (*Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return nil, false
	}
	rest := line[1:]

	idx := strings.IndexAny(rest, "\t ")
	if idx == -1 {
		return nil, false
	}
	facts := rest[:idx]
	name := strings.TrimSpace(rest[idx+1:])
	if name == "" {
		return nil, false
	}

	entry := &Entry{Name: name, Type: EntryFile, RawLine: line, Valid: true}

	for _, fact := range strings.Split(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			entry.Type = EntryDir
		case 's':
			if n, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				entry.Size = n
			}
		case 'm':
			if secs, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				entry.ModTime = time.Unix(secs, 0).UTC()
				entry.HasModTime = true
			}
		}
	}

	return entry, true
}
