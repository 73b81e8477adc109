// Package histsvc provides the guild-history operations built on the runtime:
// realm management, append with linked/missed classification, status and
// ordered tail streaming with optional CEL filters.
package histsvc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/histore/histore/internal/history"
	"github.com/histore/histore/internal/realm"
	"github.com/histore/histore/internal/runtime"
	"github.com/histore/histore/pkg/eventid"
	logpkg "github.com/histore/histore/pkg/log"
)

// ErrRealmUnknown is returned when a realm does not exist and auto-creation
// is disabled.
var ErrRealmUnknown = errors.New("histsvc: unknown realm")

// ErrRealmName is returned when a realm name fails validation.
var ErrRealmName = errors.New("histsvc: invalid realm name")

// ErrPayloadTooLarge is returned when an event payload exceeds the realm cap.
var ErrPayloadTooLarge = errors.New("histsvc: payload too large")

// Service provides guild-history operations for transports and the CLI.
type Service struct {
	rt        *runtime.Runtime
	logger    logpkg.Logger
	realmName *regexp.Regexp

	tailsMu     sync.Mutex
	activeTails map[string]int
}

// New returns a Service using a default logger.
func New(rt *runtime.Runtime) *Service {
	return NewWithLogger(rt, nil)
}

// NewWithLogger constructs the service with an injected logger.
func NewWithLogger(rt *runtime.Runtime, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("history"))
	}
	pattern := rt.Config().RealmNameRegex
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		logger.Warn("invalid realm name pattern, falling back to default", logpkg.Str("pattern", pattern), logpkg.Err(err))
		re = regexp.MustCompile("^[a-z0-9-_]{1,64}$")
	}
	return &Service{rt: rt, logger: logger, realmName: re, activeTails: map[string]int{}}
}

// CreateRealm validates the name and creates the realm record if absent.
func (s *Service) CreateRealm(ctx context.Context, name string) (realm.Meta, error) {
	if !s.realmName.MatchString(name) {
		return realm.Meta{}, fmt.Errorf("%w: %q", ErrRealmName, name)
	}
	return s.rt.EnsureRealm(name)
}

// ListRealms lists known realm names.
func (s *Service) ListRealms(ctx context.Context) ([]string, error) {
	return s.rt.ListRealms()
}

// resolveRealm maps an optional realm name onto an existing record, creating
// it when auto-creation is enabled.
func (s *Service) resolveRealm(name string) (realm.Meta, error) {
	if name == "" {
		name = s.rt.Config().DefaultRealmName
	}
	if !s.realmName.MatchString(name) {
		return realm.Meta{}, fmt.Errorf("%w: %q", ErrRealmName, name)
	}
	if m, ok, err := s.rt.GetRealm(name); err != nil {
		return realm.Meta{}, err
	} else if ok {
		return m, nil
	}
	if !s.rt.Config().AllowAutoCreateRealms {
		return realm.Meta{}, fmt.Errorf("%w: %q", ErrRealmUnknown, name)
	}
	return s.rt.EnsureRealm(name)
}

// Append stores items for one (realm, guild, category). Each item is
// classified against the category watermark: ids above it append as linked
// in-order events, ids at or below it backfill as missed events. Returns the
// linked and missed counts.
func (s *Service) Append(ctx context.Context, realmName string, guildID uint64, category uint32, items []AppendItem) (linked, missed int, err error) {
	rm, err := s.resolveRealm(realmName)
	if err != nil {
		return 0, 0, err
	}
	maxBytes := rm.PayloadMaxBytes
	if maxBytes <= 0 {
		maxBytes = s.rt.Config().HistoryDefaults.PayloadMaxBytes
	}
	cache := s.rt.OpenCache(rm.Name, guildID)
	for _, item := range items {
		id, err := eventid.FromLegacy(item.ID)
		if err != nil {
			return linked, missed, err
		}
		if len(item.Payload) > maxBytes {
			return linked, missed, fmt.Errorf("%w: %d bytes (cap %d)", ErrPayloadTooLarge, len(item.Payload), maxBytes)
		}
		ev := history.Event{ID: id, TimestampMs: item.TimestampMs, Payload: item.Payload}
		last, _ := cache.LastID(category)
		if id.Compare(last) > 0 {
			if err := cache.AppendLinked(ctx, category, []history.Event{ev}); err != nil {
				return linked, missed, err
			}
			linked++
			continue
		}
		if err := cache.AppendMissed(ctx, category, ev); err != nil {
			return linked, missed, err
		}
		missed++
	}
	return linked, missed, nil
}

// Status reports stored counts and watermarks for the given categories.
func (s *Service) Status(ctx context.Context, realmName string, guildID uint64, categories []uint32) (GuildStatus, error) {
	rm, err := s.resolveRealm(realmName)
	if err != nil {
		return GuildStatus{}, err
	}
	cache := s.rt.OpenCache(rm.Name, guildID)
	st := GuildStatus{
		Realm:       rm.Name,
		GuildID:     guildID,
		ActiveTails: s.ActiveTailsCount(rm.Name, guildID),
	}
	for _, cat := range categories {
		last, _ := cache.LastID(cat)
		legacyLast, _ := last.Legacy()
		st.Categories = append(st.Categories, CategoryStatus{
			Category: cat,
			Count:    cache.Count(cat),
			LastID:   legacyLast,
		})
	}
	return st, nil
}

// ActiveTailsCount reports the number of tails streaming for a guild.
func (s *Service) ActiveTailsCount(realmName string, guildID uint64) int {
	s.tailsMu.Lock()
	defer s.tailsMu.Unlock()
	return s.activeTails[tailKey(realmName, guildID)]
}

func (s *Service) incTail(key string) {
	s.tailsMu.Lock()
	s.activeTails[key]++
	s.tailsMu.Unlock()
}

func (s *Service) decTail(key string) {
	s.tailsMu.Lock()
	if s.activeTails[key] > 1 {
		s.activeTails[key]--
	} else {
		delete(s.activeTails, key)
	}
	s.tailsMu.Unlock()
}

func tailKey(realmName string, guildID uint64) string {
	return fmt.Sprintf("%s|%d", realmName, guildID)
}
