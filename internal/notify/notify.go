// Package notify delivers pending listings to a notification sink.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"yad2_bot/internal/failure"
	"yad2_bot/internal/model"
	"yad2_bot/internal/retry"
)

// Sink delivers a formatted message to a destination.
type Sink interface {
	Send(ctx context.Context, destination, text string) error
}

// Store is the part of the deduplication store the dispatcher needs.
type Store interface {
	PendingNotifications(ctx context.Context, tag string, limit int) ([]model.TrackedListing, error)
	MarkNotified(ctx context.Context, id model.Identity) error
}

// Options tunes a Dispatcher.
type Options struct {
	// Retry is applied to every delivery.
	Retry retry.Policy
	// Limit caps the listings sent per drain. Zero means no limit.
	Limit int
	// Delay is waited between two deliveries.
	Delay time.Duration
}

// Dispatcher drains pending listings to a sink.
type Dispatcher struct {
	store       Store
	sink        Sink
	destination string
	opts        Options
	log         zerolog.Logger
}

// New creates a Dispatcher sending to destination.
func New(store Store, sink Sink, destination string, opts Options, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		sink:        sink,
		destination: destination,
		opts:        opts,
		log:         log,
	}
}

// Drain sends pending listings oldest first. A listing is marked notified
// only after the sink confirmed delivery; failed deliveries stay pending for
// the next drain. Limit counts confirmed deliveries, so listings that keep
// failing never hold back newer ones. A store failure aborts the drain.
func (d *Dispatcher) Drain(ctx context.Context) (model.DrainResult, error) {
	var res model.DrainResult

	// attempted holds identities tried during this drain that are still
	// pending in the store, so later batches skip them.
	attempted := make(map[model.Identity]struct{})
	for {
		want := 0
		if d.opts.Limit > 0 {
			want = d.opts.Limit - res.Sent + len(attempted)
		}
		pending, err := d.store.PendingNotifications(ctx, "", want)
		if err != nil {
			return res, err
		}

		fresh := lo.Filter(pending, func(l model.TrackedListing, _ int) bool {
			_, seen := attempted[l.ID]
			return !seen
		})
		for _, l := range fresh {
			if d.opts.Limit > 0 && res.Sent >= d.opts.Limit {
				break
			}
			if res.Sent+len(attempted) > 0 {
				if err := wait(ctx, d.opts.Delay); err != nil {
					return res, err
				}
			}
			delivered, err := d.deliver(ctx, l, &res)
			if err != nil {
				return res, err
			}
			if !delivered {
				attempted[l.ID] = struct{}{}
			}
		}

		// A short batch means the queue is exhausted.
		if len(fresh) == 0 || want == 0 || len(pending) < want ||
			(d.opts.Limit > 0 && res.Sent >= d.opts.Limit) {
			break
		}
	}

	if res != (model.DrainResult{}) {
		d.log.Info().
			Int("sent", res.Sent).
			Int("deferred", res.Deferred).
			Int("unmarked", res.Unmarked).
			Msg("notifications drained")
	}
	return res, nil
}

// deliver sends one listing and reports whether it left the pending queue.
func (d *Dispatcher) deliver(ctx context.Context, l model.TrackedListing, res *model.DrainResult) (bool, error) {
	log := d.log.With().Str("identity", string(l.ID)).Str("search_tag", l.SearchTag).Logger()

	text := Format(l)
	err := d.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := d.sink.Send(ctx, d.destination, text)
		if err != nil && failure.IsRetryable(err) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("delivery attempt failed")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		res.Deferred++
		log.Warn().Err(err).Msg("delivery deferred to next cycle")
		return false, nil
	}
	res.Sent++

	if err := d.store.MarkNotified(ctx, l.ID); err != nil {
		res.Unmarked++
		log.Error().Err(err).Msg("delivered but not marked notified, may be sent again")
		if failure.Is(err, failure.StoreUnavailable) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func wait(ctx context.Context, d time.Duration) error {
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
