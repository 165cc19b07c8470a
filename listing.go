package ftp

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ListingParser turns one already-preprocessed listing line into an
// Entry. Implementations are the per-dialect parsers of C7.
type ListingParser interface {
	// Name returns the canonical dialect key (spec.md §4.7.1).
	Name() string
	// Parse attempts to interpret line, returning ok=false if it does
	// not match this dialect's grammar.
	Parse(line string) (*Entry, bool)
}

// HeaderStripper is implemented by parsers (Unix, MVS) whose listings
// carry non-entry header/banner lines that must be recognized and
// removed in a preprocessing pass before per-line parsing runs.
type HeaderStripper interface {
	StripHeaders(lines []string) []string
}

func defaultParsers() []ListingParser {
	return []ListingParser{
		&mlsxParser{},
		&eplfParser{},
		&windowsParser{},
		&vmsParser{},
		&os400Parser{},
		&mvsParser{},
		&netwareParser{},
		&macosParser{},
		&unixParser{ltrim: false},
	}
}

// parserByName resolves a canonical dialect key (spec.md §4.7.1) to its
// parser instance.
func parserByName(key string) ListingParser {
	switch strings.ToUpper(key) {
	case "UNIX":
		return &unixParser{ltrim: false}
	case "UNIX_LTRIM":
		return &unixParser{ltrim: true}
	case "WINDOWS":
		return &windowsParser{}
	case "VMS":
		return &vmsParser{}
	case "OS/400", "AS/400":
		return &os400Parser{}
	case "MVS":
		return &mvsParser{}
	case "NETWARE":
		return &netwareParser{}
	case "MACOS_PETER":
		return &macosParser{}
	case "L8":
		return &unixParser{ltrim: false}
	case "MLSD":
		return &mlsxParser{}
	default:
		return nil
	}
}

// resolveParser implements the dialect selection order of spec.md
// §4.7.1: explicit key, server_system_key, cached SYST (with
// default_system_type fallback and overrides table), and returns the
// single parser to use. A key that names no known dialect yields the
// Unix parser.
func (s *Session) resolveParser(explicitKey string) (ListingParser, error) {
	if explicitKey != "" {
		if p := parserByName(explicitKey); p != nil {
			return p, nil
		}
	}
	if s.serverSystemKey != "" {
		if p := parserByName(s.serverSystemKey); p != nil {
			return p, nil
		}
	}

	key, err := s.dialectKey()
	if err != nil {
		return nil, err
	}
	if p := parserByName(key); p != nil {
		return p, nil
	}
	return &unixParser{}, nil
}

// listEntries runs LIST (or MLSD when useMLSD) over a data socket and
// parses every resulting line with the resolved dialect's parser,
// dropping recognized header/banner lines first (spec.md §4.6).
func (s *Session) listEntries(dir string, useMLSD bool) ([]*Entry, error) {
	lines, err := s.fetchListingLines(dir, useMLSD)
	if err != nil {
		return nil, err
	}

	var parser ListingParser
	if useMLSD {
		parser = &mlsxParser{}
	} else {
		parser, err = s.resolveParser("")
		if err != nil {
			return nil, err
		}
	}

	if hs, ok := parser.(HeaderStripper); ok {
		lines = hs.StripHeaders(lines)
	}

	var entries []*Entry
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		entry, ok := parser.Parse(trimmed)
		if ok {
			entries = append(entries, entry)
			continue
		}
		if s.saveUnparseable {
			entries = append(entries, &Entry{Valid: false, RawLine: line})
		}
	}
	return entries, nil
}

// fetchListingLines opens the data socket for LIST/MLSD and drains it
// into an in-memory line list using the control encoding.
func (s *Session) fetchListingLines(dir string, useMLSD bool) ([]string, error) {
	cmd := "LIST"
	if useMLSD {
		cmd = "MLSD"
	}

	var args []string
	if dir != "" {
		arg := dir
		if !useMLSD && s.listHidden {
			arg = "-a " + dir
		}
		args = []string{arg}
	} else if !useMLSD && s.listHidden {
		args = []string{"-a"}
	}

	_, dc, err := s.cmdDataConnFrom(cmd, args...)
	if err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(dc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	scanErr := scanner.Err()

	if err := s.finishDataConn(dc); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, fmt.Errorf("ftp: failed to read listing: %w", scanErr)
	}
	return lines, nil
}

// List runs LIST on dir (or the working directory when empty) and
// returns every parsed entry.
func (s *Session) List(dir string) ([]*Entry, error) {
	return s.listEntries(dir, false)
}

// MLSD runs MLSD on dir, parsing with the fixed MLSx grammar regardless
// of dialect detection (spec.md §4.6).
func (s *Session) MLSD(dir string) ([]*Entry, error) {
	return s.listEntries(dir, true)
}

// MLST stats a single path over the control channel (spec.md §4.6).
func (s *Session) MLST(path string) (*Entry, error) {
	reply, err := s.send("MLST", path)
	if err != nil {
		return nil, err
	}
	if reply.Code != 250 {
		return nil, &ProtocolError{Command: "MLST", Response: reply.Message(), Code: reply.Code}
	}
	if len(reply.Lines) < 2 {
		return nil, &ParseError{Line: reply.String(), Dialect: "MLSD", Reason: "MLST reply has too few lines"}
	}

	var entryLine string
	for _, l := range reply.Lines[1 : len(reply.Lines)-1] {
		if strings.TrimSpace(l) != "" {
			entryLine = strings.TrimSpace(l)
			break
		}
	}
	if entryLine == "" {
		return nil, &ParseError{Line: reply.String(), Dialect: "MLSD", Reason: "no entry line found"}
	}

	parser := &mlsxParser{}
	entry, ok := parser.Parse(entryLine)
	if !ok {
		return nil, &ParseError{Line: entryLine, Dialect: "MLSD", Reason: "malformed facts"}
	}
	return entry, nil
}

// NameList runs NLST, returning bare names (spec.md §4.8's sibling to
// List).
func (s *Session) NameList(dir string) ([]string, error) {
	var args []string
	if dir != "" {
		args = []string{dir}
	}
	_, dc, err := s.cmdDataConnFrom("NLST", args...)
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(dc)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	scanErr := scanner.Err()

	if err := s.finishDataConn(dc); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, fmt.Errorf("ftp: failed to read name list: %w", scanErr)
	}
	return names, nil
}

// ListingCursor is the paged iterator spec.md §4.6 describes:
// initiate_list_parsing() has already drained the data socket and
// pre-parsed every entry, and exposes HasNext/Next(pageSize) over the
// in-memory result.
type ListingCursor struct {
	entries []*Entry
	pos     int
}

// InitiateListParsing runs LIST and parses every entry eagerly, then
// returns a cursor over the result. Unlike List, it never re-issues
// LIST: Next can be called repeatedly until exhausted, and HasNext
// simply reports whether unread entries remain.
func (s *Session) InitiateListParsing(dir string) (*ListingCursor, error) {
	entries, err := s.List(dir)
	if err != nil {
		return nil, err
	}
	return &ListingCursor{entries: entries}, nil
}

// HasNext reports whether Next has more entries to return.
func (c *ListingCursor) HasNext() bool {
	return c.pos < len(c.entries)
}

// Next returns up to pageSize unread entries, advancing the cursor.
func (c *ListingCursor) Next(pageSize int) []*Entry {
	if pageSize <= 0 || c.pos >= len(c.entries) {
		return nil
	}
	end := c.pos + pageSize
	if end > len(c.entries) {
		end = len(c.entries)
	}
	page := c.entries[c.pos:end]
	c.pos = end
	return page
}

// WalkFunc is the callback Walk invokes for each entry visited.
type WalkFunc func(path string, info *Entry, err error) error

// SkipDir instructs Walk to skip the directory currently being visited.
var SkipDir = filepath.SkipDir

// Walk walks the remote file tree rooted at root in lexical order,
// calling walkFn for every entry, including root itself.
func (s *Session) Walk(root string, walkFn WalkFunc) error {
	cleanRoot := path.Clean(root)

	var rootEntry *Entry
	if cleanRoot == "." || cleanRoot == "/" {
		rootEntry = &Entry{Name: cleanRoot, Type: EntryDir, Valid: true}
	} else {
		parent := path.Dir(cleanRoot)
		entries, err := s.List(parent)
		if err != nil {
			return walkFn(root, nil, err)
		}
		target := path.Base(cleanRoot)
		for _, e := range entries {
			if e.Name == target {
				rootEntry = e
				break
			}
		}
		if rootEntry == nil {
			return walkFn(root, nil, os.ErrNotExist)
		}
	}

	return s.walk(cleanRoot, rootEntry, walkFn)
}

func (s *Session) walk(p string, info *Entry, walkFn WalkFunc) error {
	if err := walkFn(p, info, nil); err != nil {
		if info != nil && info.Type == EntryDir && err == SkipDir {
			return nil
		}
		return err
	}

	if info == nil || info.Type != EntryDir {
		return nil
	}

	entries, err := s.List(p)
	if err != nil {
		return walkFn(p, info, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		full := path.Join(p, entry.Name)
		if err := s.walk(full, entry, walkFn); err != nil {
			if err == SkipDir {
				continue
			}
			return err
		}
	}
	return nil
}
