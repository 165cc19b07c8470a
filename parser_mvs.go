package ftp

import (
	"strconv"
	"strings"
	"time"
)

// mvsSubMode selects which of MVS's several listing shapes is active,
// latched once per listing by a header-detection preprocessing pass
// (spec.md §4.7.6).
type mvsSubMode int

const (
	mvsSubModeUnknown mvsSubMode = iota
	mvsSubModeFileList
	mvsSubModeMemberList
	mvsSubModeUnix
	mvsSubModeJES1
	mvsSubModeJES2
)

// mvsParser parses z/OS (MVS) LIST output across its several sub-modes.
// Each listing gets a fresh parser from parserByName, and StripHeaders
// latches the detected sub-mode on it, so the mode doesn't leak across
// listings.
type mvsParser struct {
	mode     mvsSubMode
	unixDeleg unixParser
}

func (p *mvsParser) Name() string { return "MVS" }

// StripHeaders inspects the listing's header line to pick a sub-mode,
// then removes that header (and, for JES listings, the banner lines)
// before per-line parsing runs.
func (p *mvsParser) StripHeaders(lines []string) []string {
	if len(lines) == 0 {
		return lines
	}

	header := lines[0]
	switch {
	case strings.HasPrefix(strings.TrimSpace(header), "total "):
		p.mode = mvsSubModeUnix
		return lines[1:]
	case strings.Contains(header, "Volume") && strings.Contains(header, "Dsname"):
		p.mode = mvsSubModeFileList
		return lines[1:]
	case strings.Contains(header, "Name") && strings.Contains(header, "Id"):
		p.mode = mvsSubModeMemberList
		return lines[1:]
	case strings.Contains(header, "Spool Files"):
		p.mode = mvsSubModeJES1
		return lines[1:]
	case isJESJobHeader(header):
		p.mode = mvsSubModeJES2
		return lines[1:]
	default:
		p.mode = mvsSubModeUnknown
		return lines
	}
}

func isJESJobHeader(line string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && fields[0] == "JOBNAME"
}

func (p *mvsParser) Parse(line string) (*Entry, bool) {
	switch p.mode {
	case mvsSubModeUnix:
		return p.unixDeleg.Parse(line)
	case mvsSubModeFileList:
		return p.parseFileList(line)
	case mvsSubModeMemberList:
		return p.parseMemberList(line)
	case mvsSubModeJES1:
		return p.parseJES1(line)
	case mvsSubModeJES2:
		return p.parseJES2(line)
	default:
		return nil, false
	}
}

// parseFileList handles "Volume Unit Referred Ext Used Recfm Lrecl
// BlkSz Dsorg Dsname" rows, keeping only PS/PO/PO-E organizations with
// fixed or variable record formats.
func (p *mvsParser) parseFileList(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, false
	}

	dsorg := fields[len(fields)-2]
	name := fields[len(fields)-1]
	recfm := fields[5]

	if dsorg != "PS" && dsorg != "PO" && dsorg != "PO-E" {
		return nil, false
	}
	if !strings.HasPrefix(recfm, "F") && !strings.HasPrefix(recfm, "V") {
		return nil, false
	}

	entry := &Entry{Name: name, RawLine: line, Valid: true}
	if dsorg == "PO" || dsorg == "PO-E" {
		entry.Type = EntryDir
	} else {
		entry.Type = EntryFile
	}
	return entry, true
}

// parseMemberList handles "Name VV.MM Created Changed Size Init Mod Id"
// rows: members within a partitioned data set. ModTime comes from the
// Changed date and time when present, else from the Created date.
func (p *mvsParser) parseMemberList(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, false
	}
	entry := &Entry{Name: fields[0], Type: EntryFile, RawLine: line, Valid: true}

	stamp := ""
	if len(fields) >= 5 && strings.Contains(fields[4], ":") {
		stamp = fields[3] + " " + fields[4]
	} else if len(fields) >= 3 {
		stamp = fields[2]
	}
	if t, ok := parseMVSMemberTimestamp(stamp); ok {
		entry.ModTime = t
		entry.HasModTime = true
	}
	return entry, true
}

// parseMVSMemberTimestamp parses "yyyy/MM/dd HH:mm", or a bare
// "yyyy/MM/dd" taken as midnight.
func parseMVSMemberTimestamp(s string) (time.Time, bool) {
	s, clock, hasClock := strings.Cut(s, " ")
	hour, minute := 0, 0
	if hasClock {
		hm, err := time.Parse("15:04", clock)
		if err != nil {
			return time.Time{}, false
		}
		hour, minute = hm.Hour(), hm.Minute()
	}
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	year, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	day, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), true
}

// parseJES1 extracts the job id as the entry name whenever the status
// column reads OUTPUT.
func (p *mvsParser) parseJES1(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, false
	}
	status := fields[1]
	if status != "OUTPUT" {
		return nil, false
	}
	return &Entry{Name: fields[0], Type: EntryFile, RawLine: line, Valid: true}, true
}

// parseJES2 parses one spool-file subsection row under a
// "JOBNAME JOBID OWNER STATUS CLASS" header.
func (p *mvsParser) parseJES2(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, false
	}
	if !strings.HasPrefix(fields[1], "JOB") && !strings.HasPrefix(fields[1], "TSU") {
		return nil, false
	}
	return &Entry{Name: fields[1], Type: EntryFile, RawLine: line, Valid: true}, true
}
