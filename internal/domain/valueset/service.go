package valueset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/careforms/internal/platform/cache"
	"github.com/ehr/careforms/internal/platform/db"
)

const (
	DefaultExpandCount = 10
	MaxExpandCount     = 100

	// maxRemoteIncludes bounds concurrent terminology calls per expansion.
	maxRemoteIncludes = 4
)

type Service struct {
	repo       Repository
	remote     Terminology
	lookups    cache.Store
	lookupTTL  time.Duration
	expansions *ttlcache.Cache[string, []Coding]
	logger     zerolog.Logger
}

// NewService builds a service with an in-process lookup cache and no remote
// terminology server.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		lookups:    cache.NewMemoryStore(time.Hour),
		lookupTTL:  time.Hour,
		expansions: newExpansionCache(5 * time.Minute),
		logger:     logger,
	}
}

func newExpansionCache(ttl time.Duration) *ttlcache.Cache[string, []Coding] {
	c := ttlcache.New[string, []Coding](
		ttlcache.WithTTL[string, []Coding](ttl),
		ttlcache.WithCapacity[string, []Coding](10_000),
	)
	go c.Start()
	return c
}

func (s *Service) SetTerminology(t Terminology) { s.remote = t }

func (s *Service) SetLookupCache(store cache.Store, ttl time.Duration) {
	s.lookups = store
	s.lookupTTL = ttl
}

func (s *Service) SetExpandTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.expansions.Stop()
	s.expansions = newExpansionCache(ttl)
}

// Close stops the expansion cache expiry loop.
func (s *Service) Close() {
	s.expansions.Stop()
}

// -- Value set administration --

func (s *Service) Create(ctx context.Context, vs *ValueSet) error {
	if err := vs.validate(); err != nil {
		return err
	}
	return s.repo.Create(ctx, vs)
}

func (s *Service) Get(ctx context.Context, slug string) (*ValueSet, error) {
	return s.repo.GetBySlug(ctx, slug)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*ValueSet, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Update replaces the value set stored under slug. System-defined value sets
// are immutable.
func (s *Service) Update(ctx context.Context, slug string, vs *ValueSet) error {
	existing, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if existing.IsSystemDefined {
		return ErrSystemDefined
	}
	if err := vs.validate(); err != nil {
		return err
	}
	vs.ID = existing.ID
	vs.IsSystemDefined = false
	vs.CreatedBy = existing.CreatedBy
	vs.CreatedAt = existing.CreatedAt
	if err := s.repo.Update(ctx, vs); err != nil {
		return err
	}
	s.invalidate(ctx, existing, vs)
	return nil
}

// EnsureSystemDefined creates any missing built-in value set. Existing ones
// are left alone.
func (s *Service) EnsureSystemDefined(ctx context.Context) (int, error) {
	created := 0
	for _, vs := range SystemDefined() {
		_, err := s.repo.GetBySlug(ctx, vs.Slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		if err := s.Create(ctx, vs); err != nil {
			return created, fmt.Errorf("create %s: %w", vs.Slug, err)
		}
		created++
	}
	return created, nil
}

func (s *Service) invalidate(ctx context.Context, sets ...*ValueSet) {
	prefix := db.TenantFromContext(ctx) + "\x00"
	var lookupKeys []string
	for _, vs := range sets {
		p := prefix + vs.Slug + "\x00"
		for _, k := range s.expansions.Keys() {
			if strings.HasPrefix(k, p) {
				s.expansions.Delete(k)
			}
		}
		for _, c := range vs.concepts() {
			lookupKeys = append(lookupKeys, lookupKey(ctx, c.System, c.Code))
		}
	}
	if len(lookupKeys) > 0 {
		if err := s.lookups.Delete(ctx, lookupKeys...); err != nil {
			s.logger.Warn().Err(err).Msg("failed to invalidate lookup cache")
		}
	}
}

// -- Lookup --

func lookupKey(ctx context.Context, system, code string) string {
	return "lookup:" + db.TenantFromContext(ctx) + ":" + system + "|" + code
}

// Lookup resolves a code through the shared cache, then explicitly listed
// concepts, then the terminology server.
func (s *Service) Lookup(ctx context.Context, system, code string) (*CodeMetadata, error) {
	if system == "" || code == "" {
		return nil, fmt.Errorf("%w: system and code are required", ErrInvalid)
	}
	key := lookupKey(ctx, system, code)
	var meta CodeMetadata
	err := cache.GetJSON(ctx, s.lookups, key, &meta)
	if err == nil {
		return &meta, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Str("key", key).Msg("lookup cache read failed")
	}

	found, err := s.lookupUncached(ctx, system, code)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, s.lookups, key, found, s.lookupTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("lookup cache write failed")
	}
	return found, nil
}

func (s *Service) lookupUncached(ctx context.Context, system, code string) (*CodeMetadata, error) {
	local, err := s.repo.FindConcept(ctx, system, code)
	switch {
	case err == nil:
		return &CodeMetadata{Code: code, Display: local.Display, Name: systemName(system), System: system}, nil
	case !errors.Is(err, ErrCodeNotFound):
		return nil, err
	}
	if s.remote == nil {
		return nil, ErrCodeNotFound
	}
	return s.remote.Lookup(ctx, system, code)
}

// -- Expand --

type ExpandRequest struct {
	Search string `json:"search"`
	Count  int    `json:"count"`
}

func normalizeCount(n int) int {
	if n <= 0 {
		return DefaultExpandCount
	}
	if n > MaxExpandCount {
		return MaxExpandCount
	}
	return n
}

func expandKey(ctx context.Context, slug, search string, count int) string {
	return db.TenantFromContext(ctx) + "\x00" + slug + "\x00" + search + "\x00" + strconv.Itoa(count)
}

// Expand returns at most count codings of the value set matching search,
// best matches first.
func (s *Service) Expand(ctx context.Context, slug string, req ExpandRequest) (*Expansion, error) {
	count := normalizeCount(req.Count)
	search := strings.TrimSpace(req.Search)
	vs, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	key := expandKey(ctx, slug, search, count)
	if item := s.expansions.Get(key); item != nil {
		return &Expansion{Results: item.Value(), Count: len(item.Value())}, nil
	}

	results, err := s.expand(ctx, vs, search, count)
	if err != nil {
		return nil, err
	}
	s.expansions.Set(key, results, ttlcache.DefaultTTL)
	return &Expansion{Results: results, Count: len(results)}, nil
}

func (s *Service) expand(ctx context.Context, vs *ValueSet, search string, count int) ([]Coding, error) {
	includes := make([][]Coding, len(vs.Compose.Include))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRemoteIncludes)
	for i, entry := range vs.Compose.Include {
		if entry.Local() {
			includes[i] = matchLocal(entry, search)
			continue
		}
		i, entry := i, entry
		g.Go(func() error {
			if s.remote == nil {
				return fmt.Errorf("%w: no terminology server configured for %s", ErrRemoteUnavailable, entry.System)
			}
			// the server applies the excludes, so truncation at count is safe
			codings, err := s.remote.Expand(gctx, entry, vs.excludesFor(entry.System), search, count)
			if err != nil {
				return err
			}
			includes[i] = codings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Str("valueset", vs.Slug).Msg("value set expansion failed")
		return nil, err
	}

	// Local concepts have not been checked against filter excludes yet.
	seen := map[string]bool{}
	unchecked := map[string]bool{}
	var candidates []Coding
	for i, list := range includes {
		local := vs.Compose.Include[i].Local()
		for _, c := range list {
			k := c.key()
			if !local {
				delete(unchecked, k)
			}
			if seen[k] || vs.excluded(c) {
				continue
			}
			seen[k] = true
			if local && vs.hasFilterExclude(c.System) {
				unchecked[k] = true
			}
			candidates = append(candidates, c)
		}
	}
	rankCodings(candidates, search)

	out := make([]Coding, 0, count)
	for _, c := range candidates {
		if len(out) == count {
			break
		}
		if unchecked[c.key()] {
			removed, err := s.inFilterExclude(ctx, vs, c)
			if err != nil {
				s.logger.Warn().Err(err).Str("valueset", vs.Slug).Msg("value set expansion failed")
				return nil, err
			}
			if removed {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// inFilterExclude asks the terminology server whether c is a member of one
// of the value set's filter excludes.
func (s *Service) inFilterExclude(ctx context.Context, vs *ValueSet, c Coding) (bool, error) {
	for _, e := range vs.Compose.Exclude {
		if e.System != c.System || len(e.Filter) == 0 {
			continue
		}
		if s.remote == nil {
			return false, fmt.Errorf("%w: no terminology server configured for %s", ErrRemoteUnavailable, e.System)
		}
		member, _, err := s.remote.ValidateCode(ctx, e, nil, c.System, c.Code)
		if err != nil {
			return false, err
		}
		if member {
			return true, nil
		}
	}
	return false, nil
}

func matchLocal(entry ComposeEntry, search string) []Coding {
	var out []Coding
	for _, c := range entry.Concept {
		coding := Coding{System: entry.System, Code: c.Code, Display: c.Display}
		if matchRank(coding, search) < noMatch {
			out = append(out, coding)
		}
	}
	return out
}

const noMatch = 3

// matchRank orders a coding against the search term: a display prefix match
// ranks first, then a display substring, then a code prefix.
func matchRank(c Coding, search string) int {
	if search == "" {
		return 0
	}
	q := strings.ToLower(search)
	d := strings.ToLower(c.Display)
	switch {
	case strings.HasPrefix(d, q):
		return 0
	case strings.Contains(d, q):
		return 1
	case strings.HasPrefix(strings.ToLower(c.Code), q):
		return 2
	}
	return noMatch
}

func rankCodings(codings []Coding, search string) {
	sort.SliceStable(codings, func(i, j int) bool {
		ri, rj := matchRank(codings[i], search), matchRank(codings[j], search)
		if ri != rj {
			return ri < rj
		}
		di, dj := strings.ToLower(codings[i].Display), strings.ToLower(codings[j].Display)
		if di != dj {
			return di < dj
		}
		return codings[i].Code < codings[j].Code
	})
}

// -- Coded answers --

// ResolveChoice checks that coding belongs to the value set and returns it
// with the canonical system and display. A coding without system is tried
// against every include. Explicitly listed concepts are checked before the
// terminology server is asked. Errors wrapping ErrRemoteUnavailable mean
// membership could not be decided.
func (s *Service) ResolveChoice(ctx context.Context, slug string, coding Coding) (Coding, error) {
	vs, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return coding, err
	}
	if coding.Code == "" {
		return coding, ErrCodeNotFound
	}
	applies := func(entry ComposeEntry) bool {
		return coding.System == "" || entry.System == coding.System
	}

	var remoteErr error
	for _, entry := range vs.Compose.Include {
		if !entry.Local() || !applies(entry) {
			continue
		}
		c, ok := entry.concept(coding.Code)
		if !ok {
			continue
		}
		candidate := Coding{System: entry.System, Code: c.Code, Display: c.Display}
		if vs.excluded(candidate) {
			continue
		}
		removed, err := s.inFilterExclude(ctx, vs, candidate)
		if err != nil {
			remoteErr = err
			continue
		}
		if !removed {
			return candidate, nil
		}
	}

	for _, entry := range vs.Compose.Include {
		if entry.Local() || !applies(entry) {
			continue
		}
		candidate := Coding{System: entry.System, Code: coding.Code, Display: coding.Display}
		if vs.excluded(candidate) {
			continue
		}
		if s.remote == nil {
			remoteErr = fmt.Errorf("%w: no terminology server configured for %s", ErrRemoteUnavailable, entry.System)
			continue
		}
		ok, display, err := s.remote.ValidateCode(ctx, entry, vs.excludesFor(entry.System), entry.System, coding.Code)
		if err != nil {
			remoteErr = err
			continue
		}
		if ok {
			if display != "" {
				candidate.Display = display
			}
			return candidate, nil
		}
	}
	if remoteErr != nil {
		return coding, remoteErr
	}
	return coding, ErrCodeNotFound
}
