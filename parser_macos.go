package ftp

import (
	"strconv"
	"strings"
)

// macosParser parses the listing format emitted by the classic
// "Peter's FTPD" Mac OS server, the Mac analogue of EPLF: the name
// followed by TAB-separated key=value facts. "type=dir" marks a
// directory and "size=N" sets the size; other facts are ignored.
type macosParser struct{}

func (p *macosParser) Name() string { return "MACOS_PETER" }

func (p *macosParser) Parse(line string) (*Entry, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return nil, false
	}

	entry := &Entry{Name: fields[0], RawLine: line, Valid: true, Type: EntryFile}

	for _, f := range fields[1:] {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "type":
			if strings.EqualFold(kv[1], "dir") {
				entry.Type = EntryDir
			}
		case "size":
			if n, err := strconv.ParseInt(kv[1], 10, 64); err == nil {
				entry.Size = n
			}
		}
	}

	return entry, true
}
