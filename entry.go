package ftp

import "time"

// EntryType classifies a listing entry.
type EntryType int

const (
	EntryUnknown EntryType = iota
	EntryFile
	EntryDir
	EntryLink
	EntryCurrentDir // MLSx "cdir"
	EntryParentDir  // MLSx "pdir"
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntryLink:
		return "link"
	case EntryCurrentDir:
		return "cdir"
	case EntryParentDir:
		return "pdir"
	default:
		return "unknown"
	}
}

// Permissions is the rwx matrix for owner/group/other plus the setuid/
// setgid/sticky bits, set from the nine permission characters of a Unix
// listing line (spec.md §4.7.2).
type Permissions struct {
	OwnerRead, OwnerWrite, OwnerExecute bool
	GroupRead, GroupWrite, GroupExecute bool
	OtherRead, OtherWrite, OtherExecute bool
	SetUID, SetGID, Sticky              bool
}

// Entry is one parsed directory-listing record, the common shape every
// dialect parser in C7 produces (spec.md §4.7, generalizing the
// narrower per-dialect entry types used historically).
type Entry struct {
	Name   string
	Type   EntryType
	Size   int64
	Target string // symlink target, empty otherwise

	ModTime    time.Time
	HasModTime bool

	Perm        Permissions
	HasPerm     bool
	LinkCount   int64
	Owner, Group string

	// MLSx-specific facts, preserved verbatim for callers that want raw
	// access beyond the normalized fields above.
	Facts map[string]string

	// Valid is false when SaveUnparseableEntries is set and this line
	// could not be interpreted; RawLine still carries the original text.
	Valid   bool
	RawLine string
}
