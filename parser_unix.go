package ftp

import (
	"strconv"
	"strings"
	"time"
)

// unixParser parses the 8/9-field Unix LIST format (spec.md §4.7.2).
// ltrim implements the UNIX_LTRIM variant for servers that double-space
// between the date and the filename.
type unixParser struct {
	ltrim bool
}

func (p *unixParser) Name() string {
	if p.ltrim {
		return "UNIX_LTRIM"
	}
	return "UNIX"
}

// StripHeaders drops the "total N" line `ls -l` output begins with.
func (p *unixParser) StripHeaders(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "total ") {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (p *unixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}

	perms := fields[0]
	isSymbolic := len(perms) >= 1 && strings.ContainsRune("-dlbcps", rune(perms[0]))
	isNumeric := len(perms) >= 3 && len(perms) <= 4 && isOctal(perms)
	if !isSymbolic && !isNumeric {
		return nil, false
	}

	entry := &Entry{RawLine: line, Valid: true}

	switch {
	case isSymbolic && perms[0] == 'd':
		entry.Type = EntryDir
	case isSymbolic && perms[0] == 'l':
		entry.Type = EntryLink
	default:
		entry.Type = EntryFile
	}

	if isSymbolic && len(perms) >= 10 {
		entry.Perm = parseUnixPermString(perms[1:10])
		entry.HasPerm = true
	}

	linkIdx := 1
	if n, err := strconv.ParseInt(fields[linkIdx], 10, 64); err == nil {
		entry.LinkCount = n
	}

	var sizeIdx, nameStartIdx int
	if len(fields) >= 9 {
		if _, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			sizeIdx, nameStartIdx = 4, 8
			entry.Owner, entry.Group = fields[2], fields[3]
		} else if _, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			sizeIdx, nameStartIdx = 3, 7
			entry.Owner = fields[2]
		} else {
			return nil, false
		}
	} else {
		if _, err := strconv.ParseInt(fields[3], 10, 64); err != nil {
			return nil, false
		}
		sizeIdx, nameStartIdx = 3, 7
		entry.Owner = fields[2]
	}

	size, err := strconv.ParseInt(fields[sizeIdx], 10, 64)
	if err != nil {
		return nil, false
	}
	entry.Size = size

	if t, ok := parseUnixDate(fields[sizeIdx+1:sizeIdx+4], defaultDateParseConfig()); ok {
		entry.ModTime = t
		entry.HasModTime = true
	}

	name := strings.Join(fields[nameStartIdx:], " ")
	if p.ltrim {
		name = strings.TrimLeft(name, " \t")
	}

	if entry.Type == EntryLink {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			entry.Name = before
			entry.Target = after
		} else {
			entry.Name = name
		}
	} else {
		entry.Name = name
	}

	return entry, true
}

func isOctal(s string) bool {
	for _, c := range s {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// parseUnixPermString converts the nine rwx characters into a
// Permissions matrix. A lowercase letter in an execute slot counts as
// executable; an uppercase S/T (no underlying x bit) does not.
func parseUnixPermString(p string) Permissions {
	var perm Permissions
	triads := []struct {
		read, write, exec *bool
	}{
		{&perm.OwnerRead, &perm.OwnerWrite, &perm.OwnerExecute},
		{&perm.GroupRead, &perm.GroupWrite, &perm.GroupExecute},
		{&perm.OtherRead, &perm.OtherWrite, &perm.OtherExecute},
	}
	for i, t := range triads {
		base := i * 3
		*t.read = p[base] == 'r'
		*t.write = p[base+1] == 'w'
		execCh := p[base+2]
		*t.exec = execCh != '-' && execCh == strings.ToLower(string(execCh))[0]
	}
	perm.SetUID = p[2] == 's' || p[2] == 'S'
	perm.SetGID = p[5] == 's' || p[5] == 'S'
	perm.Sticky = p[8] == 't' || p[8] == 'T'
	return perm
}

// dateParseConfig carries the locale-sensitive knobs spec.md §4.7.2
// names: the server time zone used to judge "future", the lenient
// future-date rollback window, and month-name tables for non-English
// servers.
type dateParseConfig struct {
	location           *time.Location
	lenientFutureDates bool
	shortMonthNames    []string // index 0 = January
}

func defaultDateParseConfig() dateParseConfig {
	return dateParseConfig{
		location:           time.UTC,
		lenientFutureDates: true,
		shortMonthNames:    []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"},
	}
}

// parseUnixDate interprets the three date fields of a Unix listing line
// (month, day, year-or-time), handling the "recent date" (assume current
// year, roll back one year if more than a day in the future), explicit
// 4-digit-year, and Japanese "M月d日yyyy年" forms (spec.md §4.7.2).
func parseUnixDate(fields []string, cfg dateParseConfig) (time.Time, bool) {
	if len(fields) != 3 {
		return time.Time{}, false
	}

	if t, ok := parseJapaneseDate(strings.Join(fields, " ")); ok {
		return t, true
	}

	month := monthFromName(fields[0], cfg.shortMonthNames)
	if month == 0 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(fields[1])
	if err != nil {
		return time.Time{}, false
	}

	if strings.Contains(fields[2], ":") {
		hm := strings.SplitN(fields[2], ":", 2)
		hour, herr := strconv.Atoi(hm[0])
		minute, merr := strconv.Atoi(hm[1])
		if herr != nil || merr != nil {
			return time.Time{}, false
		}
		now := time.Now().In(cfg.location)
		year := now.Year()
		t := time.Date(year, month, day, hour, minute, 0, 0, cfg.location)
		if cfg.lenientFutureDates && t.After(now.Add(24*time.Hour)) {
			t = time.Date(year-1, month, day, hour, minute, 0, 0, cfg.location)
		}
		return t, true
	}

	year, err := strconv.Atoi(fields[2])
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, cfg.location), true
}

func monthFromName(name string, table []string) time.Month {
	for i, m := range table {
		if strings.EqualFold(m, name) {
			return time.Month(i + 1)
		}
	}
	return 0
}

// parseJapaneseDate handles the "M月 d日 yyyy年"-style date variant some
// Japanese FTP servers emit instead of the Roman abbreviations.
func parseJapaneseDate(s string) (time.Time, bool) {
	if !strings.ContainsAny(s, "月日年") {
		return time.Time{}, false
	}
	s = strings.NewReplacer("月", " ", "日", " ", "年", " ").Replace(s)
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return time.Time{}, false
	}
	month, err1 := strconv.Atoi(fields[0])
	day, err2 := strconv.Atoi(fields[1])
	year, err3 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}
