package structured

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ehr/careforms/internal/platform/db"
)

// ResourceWriter creates a clinical resource and returns its id.
type ResourceWriter interface {
	Create(ctx context.Context, resource string, body map[string]interface{}) (string, error)
}

type WriterConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// HTTPWriter posts resources to the clinical API at
// {BaseURL}/{resource}. The tenant travels in X-Tenant-ID.
type HTTPWriter struct {
	http *resty.Client
}

func NewHTTPWriter(cfg WriterConfig) *HTTPWriter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only transport failures and gateway errors; a 500 may have
			// created the resource already.
			return err != nil || r.StatusCode() == http.StatusBadGateway ||
				r.StatusCode() == http.StatusServiceUnavailable ||
				r.StatusCode() == http.StatusGatewayTimeout
		})
	return &HTTPWriter{http: client}
}

type createdResource struct {
	ID string `json:"id"`
}

type apiError struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (w *HTTPWriter) Create(ctx context.Context, resource string, body map[string]interface{}) (string, error) {
	var out createdResource
	req := w.http.R().
		SetContext(ctx).
		SetPathParam("resource", resource).
		SetBody(body).
		SetResult(&out).
		SetError(&apiError{})
	if tenant := db.TenantFromContext(ctx); tenant != "" {
		req.SetHeader("X-Tenant-ID", tenant)
	}
	resp, err := req.Post("/{resource}")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWriterUnavailable, resource, err)
	}
	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*apiError); ok {
			switch {
			case e.Message != "":
				msg = e.Message
			case e.Detail != "":
				msg = e.Detail
			}
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w: %s: %s", ErrWriterUnavailable, resource, msg)
		}
		return "", fmt.Errorf("%w: %s: %s", ErrWriterRejected, resource, msg)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: %s: response has no id", ErrWriterRejected, resource)
	}
	return out.ID, nil
}

// MemoryWriter keeps created resources in memory. It backs deployments
// without a clinical API and tests.
type MemoryWriter struct {
	mu        sync.Mutex
	resources map[string]map[string]map[string]interface{}
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{resources: make(map[string]map[string]map[string]interface{})}
}

func (w *MemoryWriter) Create(_ context.Context, resource string, body map[string]interface{}) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := uuid.New().String()
	if w.resources[resource] == nil {
		w.resources[resource] = make(map[string]map[string]interface{})
	}
	w.resources[resource][id] = body
	return id, nil
}

// Get returns a stored resource body.
func (w *MemoryWriter) Get(resource, id string) (map[string]interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	body, ok := w.resources[resource][id]
	return body, ok
}

func (w *MemoryWriter) Count(resource string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.resources[resource])
}
