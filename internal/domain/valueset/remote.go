package valueset

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// Terminology resolves codes that are not listed explicitly in a value set.
type Terminology interface {
	Lookup(ctx context.Context, system, code string) (*CodeMetadata, error)
	// Expand and ValidateCode evaluate entry minus excludes.
	Expand(ctx context.Context, entry ComposeEntry, excludes []ComposeEntry, search string, count int) ([]Coding, error)
	ValidateCode(ctx context.Context, entry ComposeEntry, excludes []ComposeEntry, system, code string) (bool, string, error)
}

type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// RemoteClient talks to a FHIR terminology server.
type RemoteClient struct {
	http *resty.Client
}

const fhirJSON = "application/fhir+json"

func NewRemoteClient(cfg RemoteConfig) *RemoteClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Accept", fhirJSON).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &RemoteClient{http: client}
}

type parameter struct {
	Name         string      `json:"name"`
	ValueString  *string     `json:"valueString,omitempty"`
	ValueBoolean *bool       `json:"valueBoolean,omitempty"`
	ValueInteger *int        `json:"valueInteger,omitempty"`
	ValueUri     *string     `json:"valueUri,omitempty"`
	ValueCode    *string     `json:"valueCode,omitempty"`
	Resource     interface{} `json:"resource,omitempty"`
}

type parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []parameter `json:"parameter"`
}

func (p parameters) str(name string) string {
	for _, x := range p.Parameter {
		if x.Name != name {
			continue
		}
		switch {
		case x.ValueString != nil:
			return *x.ValueString
		case x.ValueCode != nil:
			return *x.ValueCode
		case x.ValueUri != nil:
			return *x.ValueUri
		}
	}
	return ""
}

func (p parameters) boolean(name string) bool {
	for _, x := range p.Parameter {
		if x.Name == name && x.ValueBoolean != nil {
			return *x.ValueBoolean
		}
	}
	return false
}

type expandedValueSet struct {
	Expansion struct {
		Contains []Coding `json:"contains"`
	} `json:"expansion"`
}

type operationOutcome struct {
	Issue []struct {
		Code        string `json:"code"`
		Diagnostics string `json:"diagnostics"`
	} `json:"issue"`
}

func inlineValueSet(entry ComposeEntry, excludes []ComposeEntry) map[string]interface{} {
	compose := map[string]interface{}{"include": []ComposeEntry{entry}}
	if len(excludes) > 0 {
		compose["exclude"] = excludes
	}
	return map[string]interface{}{
		"resourceType": "ValueSet",
		"status":       "active",
		"compose":      compose,
	}
}

func strp(s string) *string { return &s }

// checkResponse maps transport failures and server errors to
// ErrRemoteUnavailable and a 404 to ErrCodeNotFound.
func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return ErrCodeNotFound
	case resp.IsError():
		msg := resp.Status()
		if oo, ok := resp.Error().(*operationOutcome); ok && len(oo.Issue) > 0 && oo.Issue[0].Diagnostics != "" {
			msg = oo.Issue[0].Diagnostics
		}
		if resp.StatusCode() < http.StatusInternalServerError {
			return fmt.Errorf("%s rejected: %s", op, msg)
		}
		return fmt.Errorf("%w: %s: %s", ErrRemoteUnavailable, op, msg)
	}
	return nil
}

func (c *RemoteClient) Lookup(ctx context.Context, system, code string) (*CodeMetadata, error) {
	var out parameters
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"system": system, "code": code}).
		SetResult(&out).
		SetError(&operationOutcome{}).
		Get("/CodeSystem/$lookup")
	if err := checkResponse("lookup", resp, err); err != nil {
		return nil, err
	}
	meta := &CodeMetadata{
		Code:     code,
		System:   system,
		Display:  out.str("display"),
		Name:     out.str("name"),
		Version:  out.str("version"),
		Inactive: out.boolean("inactive"),
	}
	if meta.Name == "" {
		meta.Name = systemName(system)
	}
	return meta, nil
}

func (c *RemoteClient) Expand(ctx context.Context, entry ComposeEntry, excludes []ComposeEntry, search string, count int) ([]Coding, error) {
	body := parameters{ResourceType: "Parameters", Parameter: []parameter{
		{Name: "valueSet", Resource: inlineValueSet(entry, excludes)},
		{Name: "count", ValueInteger: &count},
	}}
	if search != "" {
		body.Parameter = append(body.Parameter, parameter{Name: "filter", ValueString: strp(search)})
	}
	var out expandedValueSet
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", fhirJSON).
		SetBody(body).
		SetResult(&out).
		SetError(&operationOutcome{}).
		Post("/ValueSet/$expand")
	if err := checkResponse("expand", resp, err); err != nil {
		return nil, err
	}
	for i := range out.Expansion.Contains {
		if out.Expansion.Contains[i].System == "" {
			out.Expansion.Contains[i].System = entry.System
		}
	}
	return out.Expansion.Contains, nil
}

func (c *RemoteClient) ValidateCode(ctx context.Context, entry ComposeEntry, excludes []ComposeEntry, system, code string) (bool, string, error) {
	body := parameters{ResourceType: "Parameters", Parameter: []parameter{
		{Name: "valueSet", Resource: inlineValueSet(entry, excludes)},
		{Name: "system", ValueUri: strp(system)},
		{Name: "code", ValueCode: strp(code)},
	}}
	var out parameters
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", fhirJSON).
		SetBody(body).
		SetResult(&out).
		SetError(&operationOutcome{}).
		Post("/ValueSet/$validate-code")
	if err := checkResponse("validate-code", resp, err); err != nil {
		if err == ErrCodeNotFound {
			return false, "", nil
		}
		return false, "", err
	}
	return out.boolean("result"), out.str("display"), nil
}
