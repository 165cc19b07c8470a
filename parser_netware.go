package ftp

import (
	"strconv"
	"strings"
)

// netwareParser parses Novell NetWare LIST output, which follows the
// Unix 8-field shape but substitutes a trustee-rights string (e.g.
// "[RWCEAFMS]") for the permission bits and omits the link count.
type netwareParser struct{}

func (p *netwareParser) Name() string { return "NETWARE" }

func (p *netwareParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return nil, false
	}

	rights := fields[0]
	if !strings.HasPrefix(rights, "[") || !strings.HasSuffix(rights, "]") {
		return nil, false
	}

	entry := &Entry{RawLine: line, Valid: true}
	if strings.Contains(rights, "D") {
		entry.Type = EntryDir
	} else {
		entry.Type = EntryFile
	}

	entry.Owner = fields[1]

	sizeIdx := -1
	for i := 2; i < len(fields)-3; i++ {
		if n, err := strconv.ParseInt(fields[i], 10, 64); err == nil {
			entry.Size = n
			sizeIdx = i
			break
		}
	}
	if sizeIdx == -1 || sizeIdx+4 > len(fields) {
		return nil, false
	}

	if t, ok := parseUnixDate(fields[sizeIdx+1:sizeIdx+4], defaultDateParseConfig()); ok {
		entry.ModTime = t
		entry.HasModTime = true
	}

	entry.Name = strings.Join(fields[sizeIdx+4:], " ")
	if entry.Name == "" {
		return nil, false
	}
	return entry, true
}
