// Package catalog parses, caches, and searches the file directories
// advertised by XDCC bots.
package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/thesadru/subsplease-dl/internal/metrics"
)

// Entry is one advertised file from a bot's directory listing.
type Entry struct {
	ID         int
	Downloads  int
	Size       int64 // bytes
	Filename   string
	Group      string
	Title      string
	Episode    string // empty for batches and movies
	Resolution string
	Bot        string
}

// listLineRE matches one listing row: a "#id downloads [size]" header
// followed by a "[Group] Title - Episode (Resolution)….ext" filename. The
// episode segment is optional and the resolution may be bracketed either
// way.
var listLineRE = regexp.MustCompile(
	`^#(\d+) +(\d+)x +\[([\d. ]+)(\w)\] (\[(\w+)\] (.+?)(?: - (.+?))? [\[(](\w+)[\])].*\.\w+)`,
)

var sizeUnits = map[string]int64{
	"B": 1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
}

// ParseLine parses a single listing row.
func ParseLine(line, bot string) (Entry, error) {
	m := listLineRE.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, fmt.Errorf("line does not match listing format: %q", line)
	}

	id, _ := strconv.Atoi(m[1])
	downloads, _ := strconv.Atoi(m[2])

	value, err := strconv.ParseFloat(strings.TrimSpace(m[3]), 64)
	if err != nil {
		return Entry{}, fmt.Errorf("size value %q: %w", m[3], err)
	}
	mult, ok := sizeUnits[m[4]]
	if !ok {
		return Entry{}, fmt.Errorf("unknown size unit %q in %q", m[4], line)
	}

	return Entry{
		ID:         id,
		Downloads:  downloads,
		Size:       int64(value * float64(mult)),
		Filename:   m[5],
		Group:      m[6],
		Title:      m[7],
		Episode:    m[8],
		Resolution: m[9],
		Bot:        bot,
	}, nil
}

// ParseListing parses a trimmed listing body. Lines that fail the grammar
// are skipped with a warning; they never abort the rest of the listing.
func ParseListing(lines []string, bot string, log *zap.SugaredLogger) []Entry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e, err := ParseLine(line, bot)
		if err != nil {
			log.Warnw("skipping listing line", "bot", bot, "error", err)
			metrics.RecordLineSkipped()
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// Bots frame their listing with a fixed banner: 4 header lines and a
// 2-line footer with totals. The counts are a convention of the listing
// format, not derivable from the content.
const (
	listingHeaderLines = 4
	listingFooterLines = 2
)

// TrimListing splits a raw listing body into its data rows, stripping the
// bot's banner and footer.
func TrimListing(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.TrimRight(raw, "\n")
	lines := strings.Split(raw, "\n")
	if len(lines) <= listingHeaderLines+listingFooterLines {
		return nil
	}
	return lines[listingHeaderLines : len(lines)-listingFooterLines]
}
