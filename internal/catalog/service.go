package catalog

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/thesadru/subsplease-dl/internal/metrics"
	"github.com/thesadru/subsplease-dl/internal/xdcc"
)

// PackRequester is the slice of the protocol client the catalog needs.
type PackRequester interface {
	RequestPack(pack string, dest io.Writer, timeout time.Duration) (*xdcc.File, error)
}

const (
	// DefaultCutoff is the minimum title similarity for a search match.
	DefaultCutoff = 0.6

	// searchMaxTitles caps how many distinct best-scoring titles a search
	// selects.
	searchMaxTitles = 8

	// listPack is the reserved pack token for the full directory listing.
	listPack = "list"
)

// Service lists and searches one bot's catalog through its protocol client.
type Service struct {
	bot         string
	client      PackRequester
	cache       *Cache
	listTimeout time.Duration
	log         *zap.SugaredLogger
}

// NewService creates a catalog service for one bot. The client must already
// be connected.
func NewService(bot string, client PackRequester, cache *Cache, listTimeout time.Duration, log *zap.SugaredLogger) *Service {
	if listTimeout <= 0 {
		listTimeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		bot:         bot,
		client:      client,
		cache:       cache,
		listTimeout: listTimeout,
		log:         log,
	}
}

// ListFiles returns every file the bot advertises, from cache when fresh,
// otherwise via a live listing fetch that is written back before parsing.
func (s *Service) ListFiles() ([]Entry, error) {
	raw, ok := s.cache.Read(s.bot)
	metrics.RecordCacheRead(ok)
	if !ok {
		var buf bytes.Buffer
		if _, err := s.client.RequestPack(listPack, &buf, s.listTimeout); err != nil {
			return nil, fmt.Errorf("fetch listing from %s: %w", s.bot, err)
		}
		raw = buf.String()
		if err := s.cache.Write(s.bot, raw); err != nil {
			s.log.Warnw("listing cache write failed", "bot", s.bot, "error", err)
		}
	}
	return ParseListing(TrimListing(raw), s.bot, s.log), nil
}

// Search fuzzy-matches title against the distinct titles in the bot's
// listing and returns every entry whose title made the cut, so all
// resolutions and groups of a show surface together. No match is an empty
// result, not an error.
func (s *Service) Search(title string, cutoff float64) ([]Entry, error) {
	files, err := s.ListFiles()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	titles := make([]string, 0, 64)
	for _, f := range files {
		if _, ok := seen[f.Title]; !ok {
			seen[f.Title] = struct{}{}
			titles = append(titles, f.Title)
		}
	}

	matched := closeMatches(title, titles, searchMaxTitles, cutoff)
	if len(matched) == 0 {
		return nil, nil
	}

	want := make(map[string]struct{}, len(matched))
	for _, t := range matched {
		want[t] = struct{}{}
	}

	var out []Entry
	for _, f := range files {
		if _, ok := want[f.Title]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// closeMatches returns the candidates whose similarity to query meets the
// cutoff, best first, at most n of them.
func closeMatches(query string, candidates []string, n int, cutoff float64) []string {
	type scored struct {
		title string
		score float64
	}

	q := splitChars(query)
	var hits []scored
	for _, cand := range candidates {
		m := difflib.NewMatcher(splitChars(cand), q)
		if r := m.Ratio(); r >= cutoff {
			hits = append(hits, scored{cand, r})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > n {
		hits = hits[:n]
	}

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.title
	}
	return out
}

// splitChars turns a string into the per-character sequence the matcher
// compares.
func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
