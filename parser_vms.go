package ftp

import (
	"strconv"
	"strings"
	"time"
)

// vmsParser parses OpenVMS LIST output (spec.md §4.7.4). Entries are
// sometimes split across two physical lines (name on one, size/date on
// the next); StripHeaders here doubles as the continuation-line joiner
// since both passes need the full line list in hand.
type vmsParser struct{}

func (p *vmsParser) Name() string { return "VMS" }

func (p *vmsParser) StripHeaders(lines []string) []string {
	joined := make([]string, 0, len(lines))
	var pending string
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, "Directory ") || strings.HasPrefix(trimmed, "Total of ") {
			continue
		}
		if pending == "" {
			pending = trimmed
			continue
		}
		// A continuation line starts with whitespace in the raw text and
		// has no name token of its own (just size/date fields).
		if len(strings.Fields(trimmed)) <= 4 && !strings.Contains(trimmed, ";") {
			joined = append(joined, pending+" "+trimmed)
			pending = ""
			continue
		}
		joined = append(joined, pending)
		pending = trimmed
	}
	if pending != "" {
		joined = append(joined, pending)
	}
	return joined
}

func (p *vmsParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, false
	}

	nameField := fields[0]
	entry := &Entry{RawLine: line, Valid: true}

	isDir := strings.HasSuffix(nameField, ".DIR;1") || strings.Contains(nameField, ".DIR;")
	if isDir {
		entry.Type = EntryDir
		entry.Name = strings.TrimSuffix(nameField, ";1")
		entry.Name = strings.TrimSuffix(entry.Name, ".DIR")
	} else {
		entry.Type = EntryFile
		entry.Name = nameField
	}

	// fields[1], if present, is "used/allocated" in 512-byte blocks.
	if len(fields) >= 2 {
		blocks := fields[1]
		if slash := strings.Index(blocks, "/"); slash != -1 {
			if used, err := strconv.ParseInt(blocks[:slash], 10, 64); err == nil {
				entry.Size = used * 512
			}
		} else if used, err := strconv.ParseInt(blocks, 10, 64); err == nil {
			entry.Size = used * 512
		}
	}

	if len(fields) >= 4 {
		if t, ok := parseVMSDate(fields[2], fields[3]); ok {
			entry.ModTime = t
			entry.HasModTime = true
		}
	}

	return entry, true
}

// parseVMSDate parses VMS's "DD-MMM-YYYY HH:MM" timestamp pair.
func parseVMSDate(dateField, timeField string) (time.Time, bool) {
	parts := strings.Split(dateField, "-")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, false
	}
	month := monthFromName(parts[1], defaultDateParseConfig().shortMonthNames)
	if month == 0 {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, false
	}

	hm := strings.SplitN(timeField, ":", 2)
	var hour, minute int
	if len(hm) == 2 {
		hour, _ = strconv.Atoi(hm[0])
		minute, _ = strconv.Atoi(hm[1])
	}

	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC), true
}
