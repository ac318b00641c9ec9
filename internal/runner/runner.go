// Package runner paginates configured searches and routes every extracted
// listing into the deduplication store.
package runner

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"yad2_bot/internal/extract"
	"yad2_bot/internal/failure"
	"yad2_bot/internal/model"
	"yad2_bot/internal/retry"
)

// Fetcher downloads a raw page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extractor turns a raw page into listing records.
type Extractor interface {
	Extract(raw []byte) (extract.Page, error)
}

// Store records observed listings.
type Store interface {
	Upsert(ctx context.Context, rec model.ListingRecord) (model.UpsertResult, error)
}

// Options tunes a Runner.
type Options struct {
	// Retry is applied to every page fetch.
	Retry retry.Policy
	// Delay is waited before every page fetch of a search.
	Delay time.Duration
	// Concurrency bounds how many searches run at once. Values below 1 mean 1.
	Concurrency int
}

// Runner executes search cycles.
type Runner struct {
	fetcher   Fetcher
	extractor Extractor
	store     Store
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a Runner.
func New(f Fetcher, e Extractor, s Store, opts Options, log zerolog.Logger) *Runner {
	return &Runner{
		fetcher:   f,
		extractor: e,
		store:     s,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Run executes one cycle over the enabled searches. A failing search never
// affects the others; its outcome is reported in its SearchResult.
func (r *Runner) Run(ctx context.Context, searches []model.Search) model.CycleResult {
	cycle := model.CycleResult{StartedAt: r.now()}

	enabled := lo.Filter(searches, func(s model.Search, _ int) bool { return s.Enabled })
	results := make([]model.SearchResult, len(enabled))
	seen := mapset.NewSet[model.Identity]()

	var g errgroup.Group
	g.SetLimit(max(1, r.opts.Concurrency))
	for i, s := range enabled {
		g.Go(func() error {
			results[i] = r.runSearch(ctx, s, seen)
			return nil
		})
	}
	_ = g.Wait()

	cycle.Searches = results
	cycle.Distinct = seen.Cardinality()
	cycle.FinishedAt = r.now()
	return cycle
}

func (r *Runner) runSearch(ctx context.Context, s model.Search, seen mapset.Set[model.Identity]) model.SearchResult {
	res := model.SearchResult{Tag: s.Tag}
	log := r.log.With().Str("search_tag", s.Tag).Logger()

	maxPages := max(1, s.MaxPages)
	for page := 1; page <= maxPages; page++ {
		if err := sleep(ctx, r.opts.Delay); err != nil {
			res.Err = err
			break
		}

		url, err := s.PageURL(page)
		if err != nil {
			res.Err = failure.NewPermanentFetch("build page url", err)
			log.Error().Err(err).Msg("invalid search query")
			break
		}

		raw, err := r.fetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				res.Err = ctx.Err()
				break
			}
			res.FailedPages++
			log.Warn().Err(err).Int("page", page).Msg("skipping page after fetch failure")
			continue
		}

		p, err := r.extractor.Extract(raw)
		if err != nil {
			res.FailedPages++
			log.Warn().Err(err).Int("page", page).Msg("skipping unparseable page")
			continue
		}
		res.Pages++

		if len(p.Records) == 0 && p.Skipped == 0 {
			log.Debug().Int("page", page).Msg("empty page, stopping pagination")
			break
		}
		if p.Skipped > 0 {
			log.Warn().Int("page", page).Int("count", p.Skipped).Msg("skipped malformed listings")
		}

		for _, rec := range p.Records {
			rec.SearchTag = s.Tag
			up, err := r.store.Upsert(ctx, rec)
			if err != nil {
				if failure.Is(err, failure.StoreUnavailable) {
					res.Err = err
					log.Error().Err(err).Int("page", page).Str("identity", string(rec.ID)).Msg("store unavailable, aborting search")
					return res
				}
				log.Warn().Err(err).Int("page", page).Str("identity", string(rec.ID)).Msg("skipping listing")
				continue
			}
			res.Observed++
			seen.Add(rec.ID)
			if up.IsNew {
				res.New++
			}
		}

		if p.TotalPages > 0 && page >= p.TotalPages {
			break
		}
	}

	log.Info().
		Int("pages", res.Pages).
		Int("failed_pages", res.FailedPages).
		Int("observed", res.Observed).
		Int("new", res.New).
		Msg("search finished")
	return res
}

func (r *Runner) fetch(ctx context.Context, url string) ([]byte, error) {
	var raw []byte
	err := r.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		body, err := r.fetcher.Fetch(ctx, url)
		if err != nil {
			if failure.IsRetryable(err) {
				r.log.Debug().Err(err).Str("url", url).Int("attempt", attempt).Msg("fetch attempt failed")
			}
			return err
		}
		raw = body
		return nil
	})
	return raw, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
