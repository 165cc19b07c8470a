package ftp

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// os400Parser parses IBM i (OS/400, AS/400) LIST output (spec.md
// §4.7.5). Recognized record types: *STMF (stream file), *DIR
// (directory), *FILE (only kept when the name ends .SAVF — otherwise
// it's a library/database object this client can't transfer and the
// line is dropped), *MEM (member of a *FILE, reported as a file with
// "/" normalized to the local path separator).
type os400Parser struct{}

func (p *os400Parser) Name() string { return "OS/400" }

func (p *os400Parser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, false
	}

	// Typical layout: owner size date time recordType name
	var recordTypeIdx = -1
	for i, f := range fields {
		switch f {
		case "*STMF", "*DIR", "*FILE", "*MEM":
			recordTypeIdx = i
		}
	}
	if recordTypeIdx == -1 || recordTypeIdx+1 >= len(fields) {
		return nil, false
	}

	recordType := fields[recordTypeIdx]
	name := strings.Join(fields[recordTypeIdx+1:], " ")

	entry := &Entry{RawLine: line, Valid: true}

	switch recordType {
	case "*STMF":
		entry.Type = EntryFile
	case "*DIR":
		entry.Type = EntryDir
	case "*FILE":
		if !strings.HasSuffix(strings.ToUpper(name), ".SAVF") {
			return nil, false
		}
		entry.Type = EntryFile
	case "*MEM":
		entry.Type = EntryFile
		name = strings.ReplaceAll(name, "/", string(os.PathSeparator))
	}
	entry.Name = name

	if recordTypeIdx >= 3 {
		if size, err := strconv.ParseInt(fields[recordTypeIdx-3], 10, 64); err == nil {
			entry.Size = size
		}
		if t, ok := parseOS400Date(fields[recordTypeIdx-2], fields[recordTypeIdx-1]); ok {
			entry.ModTime = t
			entry.HasModTime = true
		}
	}

	return entry, true
}

// parseOS400Date parses OS/400's "yy/MM/dd HH:mm:ss" timestamp.
func parseOS400Date(dateField, timeField string) (time.Time, bool) {
	dp := strings.Split(dateField, "/")
	if len(dp) != 3 {
		return time.Time{}, false
	}
	year, err1 := strconv.Atoi(dp[0])
	month, err2 := strconv.Atoi(dp[1])
	day, err3 := strconv.Atoi(dp[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	if year < 100 {
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	}

	tp := strings.Split(timeField, ":")
	var hour, minute, sec int
	if len(tp) >= 2 {
		hour, _ = strconv.Atoi(tp[0])
		minute, _ = strconv.Atoi(tp[1])
	}
	if len(tp) >= 3 {
		sec, _ = strconv.Atoi(tp[2])
	}

	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), true
}
