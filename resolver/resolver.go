// Package resolver matches noisy recognized text against the roster of
// canonical character names.
package resolver

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"sync"

	"github.com/luolangaga/asgocr/config"
	"github.com/luolangaga/asgocr/observability"
)

// Roster is the collaborator-supplied list of canonical names. The two lists
// are disjoint.
type Roster struct {
	Survivors []string `json:"survivors"`
	Hunters   []string `json:"hunters"`
}

// Names returns the list a region draws from.
func (r Roster) Names(key config.RegionKey) []string {
	if key.IsHunterSide() {
		return r.Hunters
	}
	return r.Survivors
}

// Digest identifies a roster snapshot.
func (r Roster) Digest() string {
	h := sha256.New()
	for _, list := range [][]string{r.Survivors, r.Hunters} {
		for _, n := range list {
			h.Write([]byte(n))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NameMeta holds the derived forms of one roster name.
type NameMeta struct {
	Name          string
	Normalized    string
	RomanFull     string
	RomanInitials string
}

func newNameMeta(name string) NameMeta {
	full, initials := Romanize(name)
	return NameMeta{Name: name, Normalized: Normalize(name), RomanFull: full, RomanInitials: initials}
}

// Match scores.
const (
	ScoreExact               = 1.0
	ScoreNormalizedExact     = 0.96
	ScoreRomanFull           = 0.9
	ScoreRomanFullPrefix     = 0.86
	ScoreRomanInitials       = 0.85
	ScoreRomanInitialsPrefix = 0.82
	ContainBase              = 0.84
	ContainRawSpan           = 0.08
	ContainNormalizedSpan    = 0.06
	MinContainRatio          = 0.6
	EditDistanceScale        = 0.82
	WholeStringThresholdUp   = 0.05
	MinTokenRunes            = 2
)

// Defaults for thresholds and result counts.
const (
	DefaultThreshold  = 0.56
	BanThresholdDelta = 0.1
	MaxThreshold      = 0.95
	MaxSurvivors      = 4
	MaxHunters        = 1
	MaxBansPerSide    = 3
	metaCacheCapacity = 4
)

// Options tunes a Resolver.
type Options struct {
	// MaxResults overrides the per-region result caps.
	MaxResults map[config.RegionKey]int
	Log        observability.Logger
}

// DefaultMaxResults returns the per-region caps.
func DefaultMaxResults() map[config.RegionKey]int {
	return map[config.RegionKey]int{
		config.RegionSurvivors:    MaxSurvivors,
		config.RegionHunter:       MaxHunters,
		config.RegionSurvivorBans: MaxBansPerSide,
		config.RegionHunterBans:   MaxBansPerSide,
	}
}

// RegionThreshold returns the acceptance threshold for key. Ban lists use a
// stricter threshold.
func RegionThreshold(key config.RegionKey, base float64) float64 {
	if key.IsBan() {
		return min(MaxThreshold, base+BanThresholdDelta)
	}
	return base
}

// Method records which pass produced a match.
type Method string

const (
	MethodToken Method = "token"
	MethodWhole Method = "whole"
	MethodScan  Method = "scan"
)

// Match is one resolved name.
type Match struct {
	Name   string
	Score  float64
	Method Method
	Token  string
}

// Resolver resolves region text to roster names. Name metadata is cached per
// roster snapshot. It is safe for concurrent use.
type Resolver struct {
	maxResults map[config.RegionKey]int
	log        observability.Logger

	mu    sync.Mutex
	cache map[string][]NameMeta
	order []string
}

// New returns a Resolver.
func New(opts Options) *Resolver {
	maxResults := DefaultMaxResults()
	for k, v := range opts.MaxResults {
		if v > 0 {
			maxResults[k] = v
		}
	}
	return &Resolver{
		maxResults: maxResults,
		log:        observability.OrNop(opts.Log),
		cache:      make(map[string][]NameMeta),
	}
}

// MaxResults returns the result cap for key.
func (r *Resolver) MaxResults(key config.RegionKey) int { return r.maxResults[key] }

// metas returns the NameMeta of names, computing them once per roster
// snapshot and list.
func (r *Resolver) metas(digest string, key config.RegionKey, names []string) []NameMeta {
	cacheKey := digest
	if key.IsHunterSide() {
		cacheKey += "/h"
	} else {
		cacheKey += "/s"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache[cacheKey]; ok {
		return m
	}
	m := make([]NameMeta, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		m = append(m, newNameMeta(n))
	}
	r.cache[cacheKey] = m
	r.order = append(r.order, cacheKey)
	if len(r.order) > metaCacheCapacity*2 {
		delete(r.cache, r.order[0])
		r.order = r.order[1:]
	}
	return m
}

// ResolveAll resolves every region in raw against roster.
func (r *Resolver) ResolveAll(roster Roster, raw map[config.RegionKey]string, threshold float64) map[config.RegionKey][]Match {
	out := make(map[config.RegionKey][]Match, len(raw))
	for key, text := range raw {
		out[key] = r.Resolve(roster, key, text, threshold)
	}
	return out
}

// Resolve returns up to MaxResults(key) roster names found in text, in order
// of first appearance. base is the configured fuzzy threshold; ban regions raise
// it with RegionThreshold.
func (r *Resolver) Resolve(roster Roster, key config.RegionKey, text string, base float64) []Match {
	matches := []Match{}
	limit := r.maxResults[key]
	if strings.TrimSpace(text) == "" || limit <= 0 {
		return matches
	}
	names := r.metas(roster.Digest(), key, roster.Names(key))
	if len(names) == 0 {
		return matches
	}
	threshold := RegionThreshold(key, base)
	normText := Normalize(text)
	normalized := make(map[string]string, len(names))
	for _, n := range names {
		normalized[n.Name] = n.Normalized
	}
	seen := make(map[string]bool)
	pos := make(map[string]int)
	add := func(m Match) {
		if !seen[m.Name] {
			seen[m.Name] = true
			pos[m.Name] = position(normText, normalized[m.Name], Normalize(m.Token))
			matches = append(matches, m)
		}
	}

	for _, tok := range Tokenize(text) {
		t := newTokenForm(tok)
		if len([]rune(t.norm)) < MinTokenRunes {
			continue
		}
		if m, ok := bestMatch(t, names); ok && m.Score >= threshold {
			m.Method = MethodToken
			add(m)
		}
	}

	if len(matches) == 0 {
		whole := newTokenForm(text)
		if m, ok := bestMatch(whole, names); ok && m.Score >= min(1, threshold+WholeStringThresholdUp) {
			m.Method = MethodWhole
			add(m)
		}
	}

	if len(matches) < limit {
		for _, m := range scan(normText, names, limit-len(matches), seen) {
			add(m)
		}
	}

	// A phrase token can surface a later name before an earlier one.
	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(pos[a.Name], pos[b.Name])
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	r.log.Debug("resolved region",
		observability.String("region", string(key)),
		observability.Int("matches", len(matches)),
		observability.Float64("threshold", threshold))
	return matches
}

// position is the byte offset where name first occurs in text, else where
// token does, else len(text).
func position(text, name, token string) int {
	if name != "" {
		if i := strings.Index(text, name); i >= 0 {
			return i
		}
	}
	if token != "" {
		if i := strings.Index(text, token); i >= 0 {
			return i
		}
	}
	return len(text)
}

// Names extracts the names of ms.
func Names(ms []Match) []string {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		names = append(names, m.Name)
	}
	return names
}

type tokenForm struct {
	raw   string
	norm  string
	roman string
	ascii bool
}

func newTokenForm(s string) tokenForm {
	t := tokenForm{raw: strings.TrimSpace(s)}
	t.norm = Normalize(t.raw)
	switch {
	case isASCIIAlnum(t.norm):
		t.roman = t.norm
		t.ascii = true
	case hasHan(t.norm):
		t.roman, _ = Romanize(t.norm)
	}
	return t
}

// bestMatch scores t against every name and returns the highest. Ties keep
// roster order.
func bestMatch(t tokenForm, names []NameMeta) (Match, bool) {
	var best Match
	found := false
	for i := range names {
		s := scorePair(t, &names[i])
		if s > best.Score {
			best = Match{Name: names[i].Name, Score: s, Token: t.raw}
			found = true
		}
	}
	return best, found
}

// scorePair is the maximum over every matching rule.
func scorePair(t tokenForm, n *NameMeta) float64 {
	if t.raw == n.Name {
		return ScoreExact
	}
	var best float64
	if r := containment(t.raw, n.Name); r > 0 {
		best = max(best, ContainBase+ContainRawSpan*(r-MinContainRatio)/(1-MinContainRatio))
	}
	if t.norm != "" && t.norm == n.Normalized {
		best = max(best, ScoreNormalizedExact)
	}
	if r := containment(t.norm, n.Normalized); r > 0 {
		best = max(best, ContainBase+ContainNormalizedSpan*(r-MinContainRatio)/(1-MinContainRatio))
	}
	best = max(best, romanScore(t, n))
	best = max(best, EditDistanceScale*similarity(t.norm, n.Normalized))
	return best
}

// containment returns the length ratio when one string contains the other
// and the ratio is at least MinContainRatio, else 0.
func containment(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	if !strings.Contains(a, b) && !strings.Contains(b, a) {
		return 0
	}
	ratio := float64(min(la, lb)) / float64(max(la, lb))
	if ratio < MinContainRatio {
		return 0
	}
	return ratio
}

// romanScore compares pinyin forms. Han tokens match the full romanization
// only, so homophones misread by OCR still resolve; ASCII tokens may also
// match initials.
func romanScore(t tokenForm, n *NameMeta) float64 {
	if len(t.roman) < MinTokenRunes || n.RomanFull == "" {
		return 0
	}
	prefix := func(whole, part string) bool {
		return len(part) < len(whole) && strings.HasPrefix(whole, part) &&
			float64(len(part))/float64(len(whole)) >= MinContainRatio
	}
	switch {
	case t.roman == n.RomanFull:
		return ScoreRomanFull
	case prefix(n.RomanFull, t.roman):
		return ScoreRomanFullPrefix
	}
	if !t.ascii {
		return 0
	}
	switch {
	case t.roman == n.RomanInitials:
		return ScoreRomanInitials
	case prefix(n.RomanInitials, t.roman):
		return ScoreRomanInitialsPrefix
	}
	return 0
}

// scan walks the normalized text and, at each position, takes the longest
// name whose normalized form starts there.
func scan(text string, names []NameMeta, limit int, seen map[string]bool) []Match {
	if limit <= 0 || text == "" {
		return nil
	}
	byLength := make([]*NameMeta, 0, len(names))
	for i := range names {
		if len([]rune(names[i].Normalized)) >= MinTokenRunes {
			byLength = append(byLength, &names[i])
		}
	}
	slices.SortStableFunc(byLength, func(a, b *NameMeta) int {
		return cmp.Compare(len(b.Normalized), len(a.Normalized))
	})

	var out []Match
	picked := make(map[string]bool)
	runes := []rune(text)
	for i := 0; i < len(runes) && len(out) < limit; {
		rest := string(runes[i:])
		advanced := false
		for _, n := range byLength {
			if !strings.HasPrefix(rest, n.Normalized) {
				continue
			}
			if !seen[n.Name] && !picked[n.Name] {
				picked[n.Name] = true
				out = append(out, Match{Name: n.Name, Score: ScoreNormalizedExact, Method: MethodScan, Token: n.Normalized})
			}
			i += len([]rune(n.Normalized))
			advanced = true
			break
		}
		if !advanced {
			i++
		}
	}
	return out
}
