package ftp

import (
	"strconv"
	"strings"
	"time"
)

// mlsxParser parses MLSD/MLST facts lines per RFC 3659 §7.1 (spec.md
// §4.7.7): "fact=value;fact=value; name".
type mlsxParser struct{}

func (p *mlsxParser) Name() string { return "MLSD" }

func (p *mlsxParser) Parse(line string) (*Entry, bool) {
	spaceIdx := strings.Index(line, " ")
	if spaceIdx == -1 {
		return nil, false
	}
	factsStr := line[:spaceIdx]
	name := line[spaceIdx+1:]
	if name == "" {
		return nil, false
	}

	facts := make(map[string]string)
	for _, pair := range strings.Split(factsStr, ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		facts[strings.ToLower(kv[0])] = kv[1]
	}

	entry := &Entry{Name: name, Facts: facts, RawLine: line, Valid: true}

	switch strings.ToLower(facts["type"]) {
	case "dir":
		entry.Type = EntryDir
	case "cdir":
		entry.Type = EntryCurrentDir
		entry.Name = "."
	case "pdir":
		entry.Type = EntryParentDir
		entry.Name = ".."
	case "file":
		entry.Type = EntryFile
	default:
		if strings.HasPrefix(strings.ToLower(facts["type"]), "os.unix=symlink") {
			entry.Type = EntryLink
		} else {
			entry.Type = EntryFile
		}
	}

	if sizeVal, ok := facts["size"]; ok {
		if n, err := strconv.ParseInt(sizeVal, 10, 64); err == nil {
			entry.Size = n
		}
	}

	if t, ok := parseMLSxTimestamp(facts["modify"]); ok {
		entry.ModTime = t
		entry.HasModTime = true
	}

	entry.Owner = facts["unix.owner"]
	entry.Group = facts["unix.group"]

	return entry, true
}

// parseMLSxTimestamp parses RFC 3659's "YYYYMMDDHHMMSS[.sss]" GMT
// timestamp, discarding any fractional-second suffix.
func parseMLSxTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ts := strings.SplitN(raw, ".", 2)[0]
	if len(ts) != 14 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", ts)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
