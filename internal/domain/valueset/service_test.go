package valueset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	store map[string]*ValueSet
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]*ValueSet)}
}

func (m *mockRepo) Create(_ context.Context, vs *ValueSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[vs.Slug]; ok {
		return ErrDuplicateSlug
	}
	vs.ID = uuid.New()
	vs.CreatedAt = time.Now()
	vs.UpdatedAt = vs.CreatedAt
	m.store[vs.Slug] = vs
	return nil
}

func (m *mockRepo) GetBySlug(_ context.Context, slug string) (*ValueSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.store[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return vs, nil
}

func (m *mockRepo) Update(_ context.Context, vs *ValueSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slug, existing := range m.store {
		if existing.ID == vs.ID {
			delete(m.store, slug)
			vs.UpdatedAt = time.Now()
			m.store[vs.Slug] = vs
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*ValueSet, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ValueSet
	for _, vs := range m.store {
		if f.Status != "" && vs.Status != f.Status {
			continue
		}
		if f.SystemDefined != nil && vs.IsSystemDefined != *f.SystemDefined {
			continue
		}
		out = append(out, vs)
	}
	return out, len(out), nil
}

func (m *mockRepo) FindConcept(_ context.Context, system, code string) (*Coding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vs := range m.store {
		for _, c := range vs.concepts() {
			if c.System == system && c.Code == code {
				return &c, nil
			}
		}
	}
	return nil, ErrCodeNotFound
}

// -- Stub terminology server --

type stubTerminology struct {
	mu      sync.Mutex
	lookups int
	expands int
	checks  int
	codes   map[string][]Coding // system -> available codings
	isa     map[string][]string // filter value -> member codes; unknown values match the whole system
	fail    bool
}

func newStubTerminology() *stubTerminology {
	return &stubTerminology{codes: map[string][]Coding{
		SystemSNOMED: {
			{System: SystemSNOMED, Code: "38341003", Display: "Hypertension"},
			{System: SystemSNOMED, Code: "73211009", Display: "Diabetes mellitus"},
			{System: SystemSNOMED, Code: "44054006", Display: "Diabetes mellitus type 2"},
			{System: SystemSNOMED, Code: "195967001", Display: "Asthma"},
		},
	}}
}

func (s *stubTerminology) inEntry(entry ComposeEntry, code string) bool {
	if entry.Local() {
		_, ok := entry.concept(code)
		return ok
	}
	for _, f := range entry.Filter {
		members, ok := s.isa[f.Value]
		if !ok {
			continue
		}
		found := false
		for _, m := range members {
			found = found || m == code
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *stubTerminology) inCompose(entry ComposeEntry, excludes []ComposeEntry, code string) bool {
	if !s.inEntry(entry, code) {
		return false
	}
	for _, ex := range excludes {
		if ex.System == entry.System && s.inEntry(ex, code) {
			return false
		}
	}
	return true
}

func (s *stubTerminology) Lookup(_ context.Context, system, code string) (*CodeMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.fail {
		return nil, fmt.Errorf("%w: lookup: connection refused", ErrRemoteUnavailable)
	}
	for _, c := range s.codes[system] {
		if c.Code == code {
			return &CodeMetadata{Code: code, Display: c.Display, Name: systemName(system), System: system, Version: "2024-09"}, nil
		}
	}
	return nil, ErrCodeNotFound
}

func (s *stubTerminology) Expand(_ context.Context, entry ComposeEntry, excludes []ComposeEntry, search string, count int) ([]Coding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expands++
	if s.fail {
		return nil, fmt.Errorf("%w: expand: timeout", ErrRemoteUnavailable)
	}
	var out []Coding
	for _, c := range s.codes[entry.System] {
		if !s.inCompose(entry, excludes, c.Code) {
			continue
		}
		if search == "" || strings.Contains(strings.ToLower(c.Display), strings.ToLower(search)) {
			out = append(out, c)
		}
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func (s *stubTerminology) ValidateCode(_ context.Context, entry ComposeEntry, excludes []ComposeEntry, system, code string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if s.fail {
		return false, "", fmt.Errorf("%w: validate-code: timeout", ErrRemoteUnavailable)
	}
	if system != entry.System {
		return false, "", nil
	}
	for _, c := range s.codes[system] {
		if c.Code == code && s.inCompose(entry, excludes, code) {
			return true, c.Display, nil
		}
	}
	return false, "", nil
}

func newTestService() (*Service, *mockRepo, *stubTerminology) {
	repo := newMockRepo()
	remote := newStubTerminology()
	svc := NewService(repo, zerolog.Nop())
	svc.SetTerminology(remote)
	return svc, repo, remote
}

func vitalsValueSet() *ValueSet {
	return &ValueSet{
		Slug: "vital-signs",
		Name: "Vital signs",
		Compose: Compose{
			Include: []ComposeEntry{{System: SystemLOINC, Concept: []Concept{
				{Code: "8867-4", Display: "Heart rate"},
				{Code: "8310-5", Display: "Body temperature"},
				{Code: "9279-1", Display: "Respiratory rate"},
				{Code: "85354-9", Display: "Blood pressure panel"},
				{Code: "8480-6", Display: "Systolic blood pressure"},
			}}},
			Exclude: []ComposeEntry{{System: SystemLOINC, Concept: []Concept{{Code: "85354-9"}}}},
		},
	}
}

// -- Administration --

func TestCreate_DefaultsAndValidation(t *testing.T) {
	svc, _, _ := newTestService()
	vs := vitalsValueSet()
	if err := svc.Create(context.Background(), vs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs.Status != "active" {
		t.Errorf("expected default status active, got %s", vs.Status)
	}

	cases := []struct {
		name string
		vs   *ValueSet
	}{
		{"missing name", &ValueSet{Slug: "a"}},
		{"bad status", &ValueSet{Slug: "a", Name: "A", Status: "inactive-ish"}},
		{"no system", &ValueSet{Slug: "a", Name: "A", Compose: Compose{Include: []ComposeEntry{{}}}}},
		{"concept and filter", &ValueSet{Slug: "a", Name: "A", Compose: Compose{Include: []ComposeEntry{{
			System: SystemLOINC, Concept: []Concept{{Code: "1"}}, Filter: []Filter{{Property: "p", Op: "=", Value: "v"}},
		}}}}},
		{"incomplete filter", &ValueSet{Slug: "a", Name: "A", Compose: Compose{Include: []ComposeEntry{{
			System: SystemLOINC, Filter: []Filter{{Property: "p"}},
		}}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.Create(context.Background(), tc.vs); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestUpdate_SystemDefinedIsImmutable(t *testing.T) {
	svc, _, _ := newTestService()
	n, err := svc.EnsureSystemDefined(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(SystemDefined()) {
		t.Errorf("expected %d created, got %d", len(SystemDefined()), n)
	}
	again, _ := svc.EnsureSystemDefined(context.Background())
	if again != 0 {
		t.Errorf("expected seeding to be idempotent, created %d", again)
	}

	err = svc.Update(context.Background(), "system-condition-code", &ValueSet{Slug: "system-condition-code", Name: "Mine"})
	if !errors.Is(err, ErrSystemDefined) {
		t.Errorf("expected ErrSystemDefined, got %v", err)
	}
}

func TestUpdate_InvalidatesExpansion(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	if err := svc.Create(ctx, vitalsValueSet()); err != nil {
		t.Fatal(err)
	}
	first, err := svc.Expand(ctx, "vital-signs", ExpandRequest{Search: "heart"})
	if err != nil || first.Count != 1 {
		t.Fatalf("expected one match, got %+v %v", first, err)
	}

	upd := vitalsValueSet()
	upd.Compose.Include[0].Concept = append(upd.Compose.Include[0].Concept, Concept{Code: "8889-8", Display: "Heart rate by Pulse oximetry"})
	if err := svc.Update(ctx, "vital-signs", upd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Expand(ctx, "vital-signs", ExpandRequest{Search: "heart"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Count != 2 {
		t.Errorf("expected stale expansion to be dropped, got %+v", second)
	}
}

// -- Lookup --

func TestLookup_LocalConceptThenCache(t *testing.T) {
	svc, repo, remote := newTestService()
	ctx := context.Background()
	if err := svc.Create(ctx, vitalsValueSet()); err != nil {
		t.Fatal(err)
	}

	meta, err := svc.Lookup(ctx, SystemLOINC, "8867-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Display != "Heart rate" || meta.Name != "LOINC" {
		t.Errorf("unexpected metadata %+v", meta)
	}
	if remote.lookups != 0 {
		t.Errorf("expected local concept to avoid the remote, got %d calls", remote.lookups)
	}

	// Served from cache even after the concept disappears.
	delete(repo.store, "vital-signs")
	if _, err := svc.Lookup(ctx, SystemLOINC, "8867-4"); err != nil {
		t.Errorf("expected cached lookup, got %v", err)
	}
}

func TestLookup_RemoteOnceThenCached(t *testing.T) {
	svc, _, remote := newTestService()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		meta, err := svc.Lookup(ctx, SystemSNOMED, "38341003")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if meta.Display != "Hypertension" || meta.Version != "2024-09" {
			t.Errorf("unexpected metadata %+v", meta)
		}
	}
	if remote.lookups != 1 {
		t.Errorf("expected 1 remote lookup, got %d", remote.lookups)
	}
}

func TestLookup_Errors(t *testing.T) {
	svc, _, remote := newTestService()
	ctx := context.Background()

	if _, err := svc.Lookup(ctx, "", "x"); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if _, err := svc.Lookup(ctx, SystemSNOMED, "0000"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound, got %v", err)
	}
	remote.fail = true
	if _, err := svc.Lookup(ctx, SystemSNOMED, "73211009"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("expected ErrRemoteUnavailable, got %v", err)
	}

	svc.SetTerminology(nil)
	if _, err := svc.Lookup(ctx, SystemSNOMED, "73211009"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound without a remote, got %v", err)
	}
}

// -- Expand --

func TestExpand_RanksAndExcludes(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	if err := svc.Create(ctx, vitalsValueSet()); err != nil {
		t.Fatal(err)
	}

	exp, err := svc.Expand(ctx, "vital-signs", ExpandRequest{Search: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var codes []string
	for _, c := range exp.Results {
		codes = append(codes, c.Code)
	}
	// "Body temperature" is a prefix match; "Systolic blood pressure" is a
	// substring match; the panel is excluded.
	want := []string{"8310-5", "8480-6"}
	if strings.Join(codes, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, codes)
	}
}

func TestExpand_CountBounds(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	if err := svc.Create(ctx, vitalsValueSet()); err != nil {
		t.Fatal(err)
	}

	exp, err := svc.Expand(ctx, "vital-signs", ExpandRequest{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if exp.Count != 2 || len(exp.Results) != 2 {
		t.Errorf("expected 2 results, got %+v", exp)
	}
	if normalizeCount(0) != DefaultExpandCount || normalizeCount(1000) != MaxExpandCount || normalizeCount(7) != 7 {
		t.Error("unexpected count normalization")
	}
}

func TestExpand_MergesRemoteIncludesAndDedupes(t *testing.T) {
	svc, _, remote := newTestService()
	ctx := context.Background()
	vs := &ValueSet{
		Slug: "conditions",
		Name: "Conditions",
		Compose: Compose{
			Include: []ComposeEntry{
				{System: SystemSNOMED, Filter: []Filter{{Property: "concept", Op: "is-a", Value: "404684003"}}},
				{System: SystemSNOMED, Concept: []Concept{{Code: "73211009", Display: "Diabetes mellitus"}}},
			},
			Exclude: []ComposeEntry{{System: SystemSNOMED, Filter: []Filter{{Property: "concept", Op: "is-a", Value: "195967001"}}}},
		},
	}
	if err := svc.Create(ctx, vs); err != nil {
		t.Fatal(err)
	}

	exp, err := svc.Expand(ctx, "conditions", ExpandRequest{Search: "diabetes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The filtered exclude resolves to the same stub codes.
	if exp.Count != 0 {
		t.Errorf("expected excluded codes to be removed, got %+v", exp.Results)
	}

	vs.Compose.Exclude = nil
	svc.invalidate(ctx, vs)
	exp, err = svc.Expand(ctx, "conditions", ExpandRequest{Search: "diabetes"})
	if err != nil {
		t.Fatal(err)
	}
	if exp.Count != 2 {
		t.Fatalf("expected 2 deduplicated results, got %+v", exp.Results)
	}
	if exp.Results[0].Display != "Diabetes mellitus" || exp.Results[1].Code != "44054006" {
		t.Errorf("unexpected order %+v", exp.Results)
	}

	calls := remote.expands
	if _, err := svc.Expand(ctx, "conditions", ExpandRequest{Search: "diabetes"}); err != nil {
		t.Fatal(err)
	}
	if remote.expands != calls {
		t.Errorf("expected cached expansion, remote called %d more times", remote.expands-calls)
	}
}

func TestExpand_RemoteFailure(t *testing.T) {
	svc, _, remote := newTestService()
	ctx := context.Background()
	vs := &ValueSet{Slug: "obs", Name: "Observations", Compose: Compose{Include: []ComposeEntry{{System: SystemLOINC}}}}
	if err := svc.Create(ctx, vs); err != nil {
		t.Fatal(err)
	}
	remote.fail = true
	if _, err := svc.Expand(ctx, "obs", ExpandRequest{Search: "heart"}); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("expected ErrRemoteUnavailable, got %v", err)
	}
	if _, err := svc.Expand(ctx, "missing", ExpandRequest{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Coded answers --

func TestResolveChoice(t *testing.T) {
	svc, _, remote := newTestService()
	ctx := context.Background()
	if err := svc.Create(ctx, vitalsValueSet()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EnsureSystemDefined(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := svc.ResolveChoice(ctx, "vital-signs", Coding{Code: "8867-4"})
	if err != nil || got.System != SystemLOINC || got.Display != "Heart rate" {
		t.Errorf("expected local match with system filled, got %+v %v", got, err)
	}
	if _, err := svc.ResolveChoice(ctx, "vital-signs", Coding{System: SystemLOINC, Code: "85354-9"}); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected excluded code to be rejected, got %v", err)
	}
	if _, err := svc.ResolveChoice(ctx, "vital-signs", Coding{System: SystemSNOMED, Code: "8867-4"}); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected wrong system to be rejected, got %v", err)
	}

	got, err = svc.ResolveChoice(ctx, "system-condition-code", Coding{System: SystemSNOMED, Code: "38341003", Display: "high bp"})
	if err != nil || got.Display != "Hypertension" {
		t.Errorf("expected remote display, got %+v %v", got, err)
	}
	if _, err := svc.ResolveChoice(ctx, "system-condition-code", Coding{System: SystemSNOMED, Code: "1"}); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound, got %v", err)
	}

	remote.fail = true
	got, err = svc.ResolveChoice(ctx, "system-condition-code", Coding{System: SystemSNOMED, Code: "38341003", Display: "high bp"})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("expected ErrRemoteUnavailable, got %v", err)
	}
	if got.Display != "high bp" {
		t.Errorf("expected submitted coding back on outage, got %+v", got)
	}
}

func conditionsValueSet(include, exclude string) *ValueSet {
	vs := &ValueSet{
		Slug: "conditions",
		Name: "Conditions",
		Compose: Compose{Include: []ComposeEntry{
			{System: SystemSNOMED, Filter: []Filter{{Property: "concept", Op: "is-a", Value: include}}},
		}},
	}
	if exclude != "" {
		vs.Compose.Exclude = []ComposeEntry{
			{System: SystemSNOMED, Filter: []Filter{{Property: "concept", Op: "is-a", Value: exclude}}},
		}
	}
	return vs
}

func TestResolveChoice_NoSystemAgainstFilterInclude(t *testing.T) {
	svc, _, remote := newTestService()
	ctx := context.Background()
	if err := svc.Create(ctx, conditionsValueSet("404684003", "")); err != nil {
		t.Fatal(err)
	}

	got, err := svc.ResolveChoice(ctx, "conditions", Coding{Code: "38341003"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.System != SystemSNOMED || got.Display != "Hypertension" {
		t.Errorf("expected system and display filled in, got %+v", got)
	}
	if _, err := svc.ResolveChoice(ctx, "conditions", Coding{Code: "0000"}); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound, got %v", err)
	}

	remote.fail = true
	if _, err := svc.ResolveChoice(ctx, "conditions", Coding{Code: "38341003"}); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("expected ErrRemoteUnavailable on outage, got %v", err)
	}

	svc.SetTerminology(nil)
	got, err = svc.ResolveChoice(ctx, "conditions", Coding{Code: "38341003", Display: "htn"})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("expected ErrRemoteUnavailable without a remote, got %v", err)
	}
	if got.Display != "htn" {
		t.Errorf("expected submitted coding back, got %+v", got)
	}
}

func TestFilterExclude_RespectedByExpandAndResolveChoice(t *testing.T) {
	svc, _, remote := newTestService()
	remote.isa = map[string][]string{
		"1": {"38341003", "73211009", "44054006", "195967001"},
		"2": {"195967001"},
	}
	ctx := context.Background()
	if err := svc.Create(ctx, conditionsValueSet("1", "2")); err != nil {
		t.Fatal(err)
	}

	exp, err := svc.Expand(ctx, "conditions", ExpandRequest{Search: "asthma"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp.Count != 0 {
		t.Errorf("expected asthma to be excluded from expansion, got %+v", exp.Results)
	}
	if _, err := svc.ResolveChoice(ctx, "conditions", Coding{System: SystemSNOMED, Code: "195967001"}); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected excluded code to be rejected, got %v", err)
	}
	if _, err := svc.ResolveChoice(ctx, "conditions", Coding{Code: "195967001"}); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected excluded code without system to be rejected, got %v", err)
	}
	got, err := svc.ResolveChoice(ctx, "conditions", Coding{System: SystemSNOMED, Code: "73211009"})
	if err != nil || got.Display != "Diabetes mellitus" {
		t.Errorf("expected included code to resolve, got %+v %v", got, err)
	}
}

func TestFilterExclude_RemovesListedConcepts(t *testing.T) {
	svc, _, remote := newTestService()
	remote.isa = map[string][]string{"2": {"195967001"}}
	ctx := context.Background()
	vs := &ValueSet{
		Slug: "respiratory",
		Name: "Respiratory",
		Compose: Compose{
			Include: []ComposeEntry{{System: SystemSNOMED, Concept: []Concept{
				{Code: "195967001", Display: "Asthma"},
				{Code: "38341003", Display: "Hypertension"},
			}}},
			Exclude: []ComposeEntry{{System: SystemSNOMED, Filter: []Filter{{Property: "concept", Op: "is-a", Value: "2"}}}},
		},
	}
	if err := svc.Create(ctx, vs); err != nil {
		t.Fatal(err)
	}

	exp, err := svc.Expand(ctx, "respiratory", ExpandRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp.Count != 1 || exp.Results[0].Code != "38341003" {
		t.Errorf("expected only hypertension, got %+v", exp.Results)
	}
	if _, err := svc.ResolveChoice(ctx, "respiratory", Coding{Code: "195967001"}); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected excluded concept to be rejected, got %v", err)
	}

	svc.SetTerminology(nil)
	if _, err := svc.ResolveChoice(ctx, "respiratory", Coding{Code: "38341003"}); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("expected undecidable exclude to report ErrRemoteUnavailable, got %v", err)
	}
}
