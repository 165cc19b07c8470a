package ftp

import (
	"fmt"
	"strconv"
	"strings"

	strftime "github.com/jehiah/go-strftime"
)

// systOverrides maps raw SYST strings (or distinctive prefixes of them)
// onto a canonical dialect key (spec.md §4.7.1 step 4), loaded once per
// process as a plain Go map rather than an external resource file.
var systOverrides = map[string]string{
	"Plan 9":       "UNIX",
	"L8":           "UNIX",
	"UNIX Type: L8": "UNIX",
}

// dialectKey resolves and caches the canonical dialect key derived from
// SYST (spec.md §4.7.1 step 3-4), consulting default_system_type when
// SYST fails.
func (s *Session) dialectKey() (string, error) {
	if s.systemTypeFetched && s.systemType != "" {
		return s.systemType, nil
	}

	syst, err := s.syst()
	if err != nil {
		if s.defaultSystemType != "" {
			s.systemType = s.defaultSystemType
			s.systemTypeFetched = true
			return s.systemType, nil
		}
		return "", &SystemTypeUnknownError{SystErr: err}
	}

	key := syst
	if idx := strings.Index(syst, " "); idx != -1 {
		key = syst[:idx]
	}
	for raw, mapped := range systOverrides {
		if strings.HasPrefix(syst, raw) {
			key = mapped
			break
		}
	}
	if strings.HasPrefix(strings.ToUpper(syst), "UNIX") {
		key = "UNIX"
	} else if strings.HasPrefix(strings.ToUpper(syst), "WINDOWS") {
		key = "WINDOWS"
	} else if strings.HasPrefix(strings.ToUpper(syst), "VMS") {
		key = "VMS"
	}

	s.systemType = key
	s.systemTypeFetched = true
	return key, nil
}

// syst issues SYST and returns the whole reply message, trimmed of
// surrounding whitespace (e.g. "UNIX Type: L8").
func (s *Session) syst() (string, error) {
	reply, err := s.send("SYST")
	if err != nil {
		return "", err
	}
	if !reply.Is2xx() {
		return "", &ProtocolError{Command: "SYST", Response: reply.Message(), Code: reply.Code}
	}
	return strings.TrimSpace(reply.Message()), nil
}

// Syst returns the raw SYST response, for callers that want it directly
// rather than through dialect resolution.
func (s *Session) Syst() (string, error) {
	return s.syst()
}

// Features returns the server's FEAT-advertised capability map,
// fetching and caching it on first use per spec.md §3 "Feature map": a
// 503 reply is remembered as "not logged in yet" (retried on the next
// call), any other failure disables further FEAT querying for the rest
// of the session.
func (s *Session) Features() (map[string]map[string]struct{}, error) {
	if cached, ok := s.caches.features.Get("FEAT"); ok {
		return cached.(map[string]map[string]struct{}), nil
	}

	if state, ok := s.caches.featState.Get("FEAT"); ok && state.(featState) == featStateDisabled {
		return nil, fmt.Errorf("ftp: FEAT disabled for this session")
	}

	reply, err := s.send("FEAT")
	if err != nil {
		return nil, err
	}

	if reply.Code == 503 {
		s.caches.featState.Set("FEAT", featStateNotLoggedIn, 0)
		return nil, &ProtocolError{Command: "FEAT", Response: reply.Message(), Code: reply.Code}
	}
	if !reply.Is2xx() {
		s.caches.featState.Set("FEAT", featStateDisabled, 0)
		return nil, &ProtocolError{Command: "FEAT", Response: reply.Message(), Code: reply.Code}
	}

	feats := make(map[string]map[string]struct{})
	for _, line := range reply.Lines[1 : len(reply.Lines)-1] {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		name := l
		value := ""
		if idx := strings.IndexAny(l, " \t"); idx != -1 {
			name = l[:idx]
			value = strings.TrimSpace(l[idx+1:])
		}
		name = strings.ToUpper(name)
		if feats[name] == nil {
			feats[name] = make(map[string]struct{})
		}
		feats[name][value] = struct{}{}
	}

	s.caches.features.Set("FEAT", feats, 0)
	s.caches.featState.Set("FEAT", featStateLoaded, 0)
	return feats, nil
}

// HasFeature reports whether name (case-insensitive) was advertised by
// FEAT, fetching and caching the feature map on first use.
func (s *Session) HasFeature(name string) bool {
	feats, err := s.Features()
	if err != nil {
		return false
	}
	_, ok := feats[strings.ToUpper(name)]
	return ok
}

// FeatureValue returns one advertised value string for name, and
// whether the feature was present at all.
func (s *Session) FeatureValue(name string) (string, bool) {
	feats, err := s.Features()
	if err != nil {
		return "", false
	}
	values, ok := feats[strings.ToUpper(name)]
	if !ok {
		return "", false
	}
	for v := range values {
		return v, true
	}
	return "", true
}

// Opts sends OPTS (RFC 2389), used to configure a feature the server
// advertised (e.g. "OPTS UTF8 ON").
func (s *Session) Opts(feature string, args ...string) (bool, error) {
	reply, err := s.send("OPTS", append([]string{feature}, args...)...)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// Format re-serializes an Entry into an `ls -l`-style line, the inverse
// direction the listing-idempotence property exercises (parse then
// reformat then reparse yields the same fields).
func (e *Entry) Format() string {
	typeChar := "-"
	switch e.Type {
	case EntryDir:
		typeChar = "d"
	case EntryLink:
		typeChar = "l"
	}

	perm := "---------"
	if e.HasPerm {
		perm = formatPermString(e.Perm)
	}

	modStr := ""
	if e.HasModTime {
		modStr = strftime.Format("%b %e %H:%M", e.ModTime)
	}

	return fmt.Sprintf("%s%s %s %s %s %s %s", typeChar, perm, formatLinkCount(e.LinkCount), e.Owner, e.Group, strconv.FormatInt(e.Size, 10), strings.TrimSpace(modStr+" "+e.Name))
}

func formatLinkCount(n int64) string {
	if n == 0 {
		return "1"
	}
	return strconv.FormatInt(n, 10)
}

func formatPermString(p Permissions) string {
	triad := func(r, w, x bool) string {
		out := "-"
		if r {
			out = "r"
		}
		if w {
			out += "w"
		} else {
			out += "-"
		}
		if x {
			out += "x"
		} else {
			out += "-"
		}
		return out
	}
	return triad(p.OwnerRead, p.OwnerWrite, p.OwnerExecute) +
		triad(p.GroupRead, p.GroupWrite, p.GroupExecute) +
		triad(p.OtherRead, p.OtherWrite, p.OtherExecute)
}
