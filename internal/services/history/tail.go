package histsvc

import (
	"context"
	"errors"
	"time"

	"github.com/histore/histore/internal/history"
	"github.com/histore/histore/internal/listener"
	"github.com/histore/histore/internal/source"
	logpkg "github.com/histore/histore/pkg/log"
)

// ErrNoCategories is returned when a tail names no categories.
var ErrNoCategories = errors.New("histsvc: tail requires at least one category")

// ErrBadBound is returned when a tail bound fails legacy id translation.
var ErrBadBound = errors.New("histsvc: invalid tail bound")

// tailBufLen is the buffered item capacity between the engine callbacks and
// the sink writer.
const tailBufLen = 1024

// Tail streams the merged, globally ordered history of the given categories
// to the sink: stored events first, then live appends, until the context ends,
// the limit is reached or, with StopOnLast, the stored range is exhausted.
func (s *Service) Tail(ctx context.Context, realmName string, guildID uint64, opts TailOptions, sink TailSink) error {
	if len(opts.Categories) == 0 {
		return ErrNoCategories
	}
	rm, err := s.resolveRealm(realmName)
	if err != nil {
		return err
	}
	filter, err := newCELFilter(opts.Filter)
	if err != nil {
		return err
	}

	defaults := s.rt.Config().HistoryDefaults
	cache := s.rt.OpenCache(rm.Name, guildID)
	sources := make([]*source.Listener, 0, len(opts.Categories))
	for _, cat := range opts.Categories {
		src := source.New(cache, cat, s.logger)
		src.SetReplayBatchSize(defaults.ReplayBatchSize)
		sources = append(sources, src)
	}
	key := listener.Key{Realm: rm.Name, GuildID: guildID, Category: opts.Categories[0]}
	agg := listener.New(key, sources, listener.Config{
		DrainBatchSize:    defaults.DrainBatchSize,
		RateWindowSeconds: defaults.RateWindowSeconds,
	}, s.logger)

	if opts.AfterID != 0 && !agg.SetAfterEventID(opts.AfterID) {
		return ErrBadBound
	}
	if opts.BeforeID != 0 && !agg.SetBeforeEventID(opts.BeforeID) {
		return ErrBadBound
	}
	switch {
	case opts.StartMs > 0 && opts.EndMs > 0:
		agg.SetTimeFrame(opts.StartMs, opts.EndMs)
	case opts.StartMs > 0:
		agg.SetAfterTime(opts.StartMs - 1)
	case opts.EndMs > 0:
		agg.SetBeforeTime(opts.EndMs - 1)
	}
	agg.SetStopOnLastEvent(opts.StopOnLast)

	outCh := make(chan TailItem, tailBufLen)
	push := func(item TailItem) {
		select {
		case outCh <- item:
		case <-ctx.Done():
		}
	}
	agg.SetNextEventCallback(func(ev history.Event) {
		if filter.Eval(guildID, ev, false) {
			push(tailItem(ev, false))
		}
	})
	agg.SetMissedEventCallback(func(ev history.Event) {
		if filter.Eval(guildID, ev, true) {
			push(tailItem(ev, true))
		}
	})

	if !agg.Start() {
		return errors.New("histsvc: tail engine failed to start")
	}
	defer agg.Stop()

	tk := tailKey(rm.Name, guildID)
	s.incTail(tk)
	defer s.decTail(tk)
	s.logger.Debug("tail started",
		logpkg.Str("partition", key.String()), logpkg.Int("sources", len(sources)))

	delivered := 0
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sink.Context().Done():
			return nil
		case item := <-outCh:
			if err := sink.Send(item); err != nil {
				return err
			}
			if err := sink.Flush(); err != nil {
				return err
			}
			if !item.Missed {
				delivered++
				if opts.Limit > 0 && delivered >= opts.Limit {
					return nil
				}
			}
		case <-poll.C:
			// A stop-on-last engine halts itself once the drain finishes;
			// hand back after the buffered items are flushed.
			if !agg.IsRunning() && len(outCh) == 0 {
				return nil
			}
		}
	}
}

func tailItem(ev history.Event, missed bool) TailItem {
	legacyID, _ := ev.ID.Legacy()
	return TailItem{
		ID:          legacyID,
		TimestampMs: ev.TimestampMs,
		Category:    ev.Category,
		Payload:     ev.Payload,
		Missed:      missed,
	}
}
