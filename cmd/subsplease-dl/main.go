// subsplease-dl searches the SubsPlease XDCC bots and downloads episodes.
//
// Usage:
//
//	subsplease-dl [flags] <anime>
//
// Without -d, matches are only printed. With -d, each matched pack is
// downloaded into the working directory, skipping files that already exist
// with the declared size.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/thesadru/subsplease-dl/internal/catalog"
	"github.com/thesadru/subsplease-dl/internal/config"
	"github.com/thesadru/subsplease-dl/internal/irc"
	"github.com/thesadru/subsplease-dl/internal/logging"
	"github.com/thesadru/subsplease-dl/internal/metrics"
	"github.com/thesadru/subsplease-dl/internal/xdcc"
)

var resolutions = map[string]bool{
	"480p": true, "540p": true, "720p": true, "1080p": true, "SD": true,
}

func main() {
	cfg := config.Load()

	bot := flag.String("b", "", "Only use this bot")
	download := flag.Bool("d", false, "Download all matched files")
	episodesArg := flag.String("e", "", "Episodes to match, comma separated, ranges allowed (e.g. 1,3-5)")
	resolution := flag.String("r", "", "Resolution to match (480p, 540p, 720p, 1080p, SD)")
	group := flag.String("g", "", "Release group to match")
	cutoff := flag.Float64("cutoff", catalog.DefaultCutoff, "Search similarity cutoff (0-1)")
	verbose := flag.Bool("v", false, "Debug logging")
	server := flag.String("server", cfg.Server, "IRC server")
	cacheDir := flag.String("cache-dir", cfg.CacheDir, "Listing cache directory")
	metricsAddr := flag.String("metrics", cfg.MetricsAddr, "Serve Prometheus metrics on this address (empty = off)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <anime>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	query := flag.Arg(0)
	cfg.Server = *server
	cfg.CacheDir = *cacheDir

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	log := logging.S()

	if *resolution != "" && !resolutions[*resolution] {
		fmt.Fprintf(os.Stderr, "Error: unknown resolution %q\n", *resolution)
		os.Exit(2)
	}
	if *bot != "" && !contains(cfg.Bots, *bot) {
		fmt.Fprintf(os.Stderr, "Error: unknown bot %q\n", *bot)
		os.Exit(2)
	}
	episodes, err := parseEpisodes(*episodesArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, metrics.Handler()); err != nil {
				log.Warnw("metrics listener failed", "addr", *metricsAddr, "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := catalog.NewCache(cfg.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	factory := clientFactory(cfg, false, log)
	multi := catalog.NewMulti(cfg.Bots, factory, cache, cfg.ListTimeout, cfg.Concurrency, log)

	entryc, errc := multi.SearchAll(ctx, query, *cutoff)

	var matches []catalog.Entry
	for e := range entryc {
		if len(episodes) > 0 {
			if _, ok := episodes[strings.TrimLeft(e.Episode, "0")]; !ok {
				continue
			}
		}
		if *resolution != "" && e.Resolution != *resolution {
			continue
		}
		if *group != "" && e.Group != *group {
			continue
		}
		if *bot != "" && e.Bot != *bot {
			continue
		}
		matches = append(matches, e)
	}

	var botErrs []error
	for err := range errc {
		botErrs = append(botErrs, err)
	}
	if len(botErrs) == len(cfg.Bots) {
		fmt.Fprintln(os.Stderr, "Error: every bot failed:")
		for _, err := range botErrs {
			fmt.Fprintf(os.Stderr, "  %v\n", err)
		}
		os.Exit(1)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Title != matches[j].Title {
			return matches[i].Title < matches[j].Title
		}
		return matches[i].Episode < matches[j].Episode
	})

	for _, e := range matches {
		fmt.Printf("[%s] %s - %s (%s)        (#%d - %s)\n",
			e.Group, e.Title, e.Episode, e.Resolution, e.ID, e.Bot)
	}

	if !*download {
		return
	}

	dlFactory := clientFactory(cfg, true, log)
	failed := 0
	for _, e := range matches {
		if ctx.Err() != nil {
			break
		}
		if fi, err := os.Stat(e.Filename); err == nil && abs(fi.Size()-e.Size) < 4096 {
			fmt.Printf("Skipping %s, already downloaded\n", e.Filename)
			continue
		}
		if err := downloadEntry(ctx, cfg, dlFactory, e, log); err != nil {
			log.Errorw("download failed", "file", e.Filename, "bot", e.Bot, "error", err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// clientFactory builds connected per-bot protocol clients.
func clientFactory(cfg *config.Config, progress bool, log *zap.SugaredLogger) catalog.ClientFactory {
	return func(ctx context.Context, bot string) (catalog.ProtocolClient, error) {
		tr := irc.New(irc.Config{Server: cfg.Server, Port: cfg.Port}, log)
		client := xdcc.New(tr, xdcc.Config{
			Bot:          bot,
			Channel:      cfg.Channel,
			ShowProgress: progress,
		}, log)

		cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := client.Connect(cctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

func downloadEntry(ctx context.Context, cfg *config.Config, factory catalog.ClientFactory, e catalog.Entry, log *zap.SugaredLogger) error {
	client, err := factory(ctx, e.Bot)
	if err != nil {
		return err
	}
	defer client.Close()

	file, err := client.RequestPack(strconv.Itoa(e.ID), nil, cfg.DownloadTimeout)
	if err != nil {
		if ie, ok := xdcc.AsInterrupted(err); ok {
			log.Warnw("partial file kept", "file", ie.Filename, "received", ie.Received, "expected", ie.Expected)
		}
		return err
	}
	log.Infow("downloaded", "file", file.Filename, "bytes", file.Received)
	return nil
}

// parseEpisodes expands "1,3-5" into the set {"1","3","4","5"}. Keys are
// episode numbers without leading zeros, matching how entry episodes are
// normalized for filtering.
func parseEpisodes(s string) (map[string]struct{}, error) {
	if s == "" {
		return nil, nil
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("episode %q is not a number", part)
			}
			set[strconv.Itoa(n)] = struct{}{}
			continue
		}
		if strings.Contains(hi, "-") {
			return nil, fmt.Errorf("range %q is not valid", part)
		}
		a, err1 := strconv.Atoi(lo)
		b, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || a > b {
			return nil, fmt.Errorf("range %q is not valid", part)
		}
		for i := a; i <= b; i++ {
			set[strconv.Itoa(i)] = struct{}{}
		}
	}
	return set, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
