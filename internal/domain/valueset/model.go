package valueset

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalid           = errors.New("invalid value set")
	ErrNotFound          = errors.New("value set not found")
	ErrDuplicateSlug     = errors.New("value set slug already exists")
	ErrSystemDefined     = errors.New("system-defined value sets cannot be modified")
	ErrCodeNotFound      = errors.New("code not found")
	ErrRemoteUnavailable = errors.New("terminology server unavailable, try again later")
)

var validStatuses = map[string]bool{
	"active": true, "draft": true, "retired": true, "unknown": true,
}

// Well-known code systems and their display names.
const (
	SystemLOINC  = "http://loinc.org"
	SystemSNOMED = "http://snomed.info/sct"
	SystemUCUM   = "http://unitsofmeasure.org"
)

var systemNames = map[string]string{
	SystemLOINC:  "LOINC",
	SystemSNOMED: "SNOMED CT",
	SystemUCUM:   "UCUM",
}

func systemName(system string) string {
	if n, ok := systemNames[system]; ok {
		return n
	}
	return system
}

type Concept struct {
	Code    string `json:"code"`
	Display string `json:"display"`
}

type Filter struct {
	Property string `json:"property"`
	Op       string `json:"op"`
	Value    string `json:"value"`
}

// ComposeEntry selects codes from one system: explicitly listed concepts,
// the result of filters, or the whole system when neither is given.
type ComposeEntry struct {
	System  string    `json:"system"`
	Concept []Concept `json:"concept,omitempty"`
	Filter  []Filter  `json:"filter,omitempty"`
}

// Local reports whether the entry can be resolved without the terminology
// server.
func (e ComposeEntry) Local() bool {
	return len(e.Concept) > 0
}

func (e ComposeEntry) concept(code string) (Concept, bool) {
	for _, c := range e.Concept {
		if c.Code == code {
			return c, true
		}
	}
	return Concept{}, false
}

type Compose struct {
	Include []ComposeEntry `json:"include"`
	Exclude []ComposeEntry `json:"exclude"`
}

type ValueSet struct {
	ID              uuid.UUID `json:"id"`
	Slug            string    `json:"slug"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	IsSystemDefined bool      `json:"is_system_defined"`
	Compose         Compose   `json:"compose"`
	CreatedBy       string    `json:"created_by,omitempty"`
	UpdatedBy       string    `json:"updated_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

func (c Coding) key() string { return c.System + "|" + c.Code }

// CodeMetadata is the result of a code lookup.
type CodeMetadata struct {
	Code     string `json:"code"`
	Display  string `json:"display"`
	Name     string `json:"name"`
	System   string `json:"system"`
	Version  string `json:"version"`
	Inactive bool   `json:"inactive"`
}

type Expansion struct {
	Results []Coding `json:"results"`
	Count   int      `json:"count"`
}

// validate checks the shape of the value set and fills defaults.
func (vs *ValueSet) validate() error {
	if vs.Status == "" {
		vs.Status = "active"
	}
	if !validStatuses[vs.Status] {
		return fmt.Errorf("%w: status %q", ErrInvalid, vs.Status)
	}
	if strings.TrimSpace(vs.Slug) == "" || strings.TrimSpace(vs.Name) == "" {
		return fmt.Errorf("%w: slug and name are required", ErrInvalid)
	}
	if vs.Compose.Include == nil {
		vs.Compose.Include = []ComposeEntry{}
	}
	if vs.Compose.Exclude == nil {
		vs.Compose.Exclude = []ComposeEntry{}
	}
	check := func(kind string, entries []ComposeEntry) error {
		for i, e := range entries {
			if e.System == "" {
				return fmt.Errorf("%w: %s[%d] has no system", ErrInvalid, kind, i)
			}
			if len(e.Concept) > 0 && len(e.Filter) > 0 {
				return fmt.Errorf("%w: %s[%d] cannot have both concept and filter", ErrInvalid, kind, i)
			}
			for _, c := range e.Concept {
				if c.Code == "" {
					return fmt.Errorf("%w: %s[%d] has a concept without code", ErrInvalid, kind, i)
				}
			}
			for _, f := range e.Filter {
				if f.Property == "" || f.Op == "" || f.Value == "" {
					return fmt.Errorf("%w: %s[%d] filter needs property, op and value", ErrInvalid, kind, i)
				}
			}
		}
		return nil
	}
	if err := check("include", vs.Compose.Include); err != nil {
		return err
	}
	return check("exclude", vs.Compose.Exclude)
}

// concepts flattens the explicitly listed include concepts.
func (vs *ValueSet) concepts() []Coding {
	var out []Coding
	for _, e := range vs.Compose.Include {
		for _, c := range e.Concept {
			out = append(out, Coding{System: e.System, Code: c.Code, Display: c.Display})
		}
	}
	return out
}

// excludesFor returns the exclude entries that apply to codes of system.
func (vs *ValueSet) excludesFor(system string) []ComposeEntry {
	var out []ComposeEntry
	for _, e := range vs.Compose.Exclude {
		if e.System == system {
			out = append(out, e)
		}
	}
	return out
}

func (vs *ValueSet) hasFilterExclude(system string) bool {
	for _, e := range vs.Compose.Exclude {
		if e.System == system && len(e.Filter) > 0 {
			return true
		}
	}
	return false
}

// excluded reports whether the coding is removed by an explicit exclude
// concept or a whole-system exclude. Filter excludes need the terminology
// server and are checked by Service.inFilterExclude.
func (vs *ValueSet) excluded(c Coding) bool {
	for _, e := range vs.Compose.Exclude {
		if e.System != c.System {
			continue
		}
		if len(e.Concept) == 0 && len(e.Filter) == 0 {
			return true
		}
		for _, ex := range e.Concept {
			if ex.Code == c.Code {
				return true
			}
		}
	}
	return false
}
