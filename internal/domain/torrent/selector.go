package torrent

import (
	"sort"
	"strings"
)

// minSizeBytes is the hard floor below which a candidate is never
// selected, regardless of how well it otherwise matches — it exists to
// reject fake/sample releases and tracker placeholders.
const minSizeBytes int64 = 100 * 1024 * 1024

// Filter describes a subscription's resource preferences, each field
// as a comma-joined string exactly as stored: an empty string means
// "no preference" and matches any candidate value.
type Filter struct {
	Resolutions   string // e.g. "1080p,2160p"
	Languages     string // e.g. "CHS,CHT", a set: the order listed does not affect ranking
	ReleaseGroups string // e.g. "Group A,Group B"
}

// parsedFilter is Filter with its comma-joined fields split once, so a
// Select call over many candidates doesn't repeat the string split.
type parsedFilter struct {
	resolutions   map[Resolution]struct{}
	languages     map[string]struct{} // set, not preference order — see languageRank
	releaseGroups map[string]struct{}
}

// languageRank is the fixed global preference order the selector ranks
// by: CHS > CHT > JPN > ENG > unknown, independent of the order a
// subscription's language filter lists them in — the filter only
// narrows which candidates qualify, per matchLanguage.
var languageRank = map[string]int{
	"chs":     4,
	"cht":     3,
	"jpn":     2,
	"eng":     1,
	"unknown": 0,
}

func rankOf(lang string) int {
	if r, ok := languageRank[strings.ToLower(lang)]; ok {
		return r
	}
	return languageRank["unknown"]
}

func parseFilter(f Filter) parsedFilter {
	pf := parsedFilter{}
	if f.Resolutions != "" {
		pf.resolutions = make(map[Resolution]struct{})
		for _, s := range splitCSV(f.Resolutions) {
			pf.resolutions[parseResolution(s)] = struct{}{}
		}
	}
	if f.Languages != "" {
		pf.languages = make(map[string]struct{})
		for _, s := range splitCSV(f.Languages) {
			pf.languages[strings.ToLower(s)] = struct{}{}
		}
	}
	if f.ReleaseGroups != "" {
		pf.releaseGroups = make(map[string]struct{})
		for _, s := range splitCSV(f.ReleaseGroups) {
			pf.releaseGroups[strings.ToLower(s)] = struct{}{}
		}
	}
	return pf
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseResolution(s string) Resolution {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "2160p", "4k":
		return Resolution2160p
	case "1440p", "2k":
		return Resolution1440p
	case "1080p":
		return Resolution1080p
	case "720p":
		return Resolution720p
	case "sd":
		return ResolutionSD
	default:
		return ResolutionUnknown
	}
}

// Select picks the single best Record out of candidates according to
// the filter, or returns ok=false when nothing qualifies. Candidates
// under minSizeBytes are rejected unconditionally.
func Select(candidates []Record, f Filter) (Record, bool) {
	pf := parseFilter(f)

	type scored struct {
		rec      Record
		langRank int
	}
	var matches []scored
	for _, c := range candidates {
		if c.SizeBytes < minSizeBytes {
			continue
		}
		if !matchResolution(pf, c.Attributes.Resolution) {
			continue
		}
		langRank, ok := matchLanguage(pf, c.Attributes.Languages)
		if !ok {
			continue
		}
		if !matchReleaseGroup(pf, c.Attributes.ReleaseGroup) {
			continue
		}
		matches = append(matches, scored{rec: c, langRank: langRank})
	}

	if len(matches) == 0 {
		return Record{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.rec.Attributes.Resolution.rank() != b.rec.Attributes.Resolution.rank() {
			return a.rec.Attributes.Resolution.rank() > b.rec.Attributes.Resolution.rank()
		}
		if a.langRank != b.langRank {
			return a.langRank > b.langRank
		}
		return a.rec.PubDate.After(b.rec.PubDate)
	})

	return matches[0].rec, true
}

func matchResolution(pf parsedFilter, res Resolution) bool {
	if pf.resolutions == nil {
		return true
	}
	_, ok := pf.resolutions[res]
	return ok
}

// matchLanguage reports whether candidateLangs satisfies the filter —
// an empty filter matches everything, otherwise the candidate's parsed
// languages must intersect the filter set — and the rank to sort by:
// the max languageRank among ALL the candidate's parsed languages, not
// restricted to the ones the filter mentions.
func matchLanguage(pf parsedFilter, candidateLangs []string) (int, bool) {
	if len(pf.languages) > 0 {
		matched := false
		for _, cl := range candidateLangs {
			if _, ok := pf.languages[strings.ToLower(cl)]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return 0, false
		}
	}
	best := languageRank["unknown"]
	for _, cl := range candidateLangs {
		if r := rankOf(cl); r > best {
			best = r
		}
	}
	return best, true
}

func matchReleaseGroup(pf parsedFilter, group string) bool {
	if pf.releaseGroups == nil {
		return true
	}
	_, ok := pf.releaseGroups[strings.ToLower(group)]
	return ok
}
