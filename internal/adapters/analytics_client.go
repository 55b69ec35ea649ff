package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
)

const activityRequestTimeout = 30 * time.Second

// AnalyticsClient calls the analytics service over HTTP. Recompute requests
// have no client-side timeout; the caller's context bounds them.
type AnalyticsClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logger.Logger
}

var (
	_ ports.AnalyticsProcessor    = (*AnalyticsClient)(nil)
	_ ports.OpportunityRecomputer = (*AnalyticsClient)(nil)
)

func NewAnalyticsClient(baseURL, apiKey string, log *logger.Logger) *AnalyticsClient {
	return &AnalyticsClient{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		apiKey:     apiKey,
		log:        log,
	}
}

type processActivityRequest struct {
	ItemID         uuid.UUID  `json:"itemId"`
	ProspectID     uuid.UUID  `json:"prospectId"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	SourceEventID  string     `json:"sourceEventId"`
	Kind           string     `json:"kind"`
	OccurredAt     time.Time  `json:"occurredAt"`
	Attempt        int        `json:"attempt"`
}

// ProcessActivity runs order-sensitive analytics for one activity item.
func (c *AnalyticsClient) ProcessActivity(ctx context.Context, item domain.QueueItem) error {
	if item.ProspectID == nil || item.SourceEventID == nil || item.SourceEventKind == nil || item.EventTimestamp == nil {
		return fmt.Errorf("activity item %s is missing event fields", item.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, activityRequestTimeout)
	defer cancel()

	body := processActivityRequest{
		ItemID:         item.ID,
		ProspectID:     *item.ProspectID,
		OrganizationID: item.OrganizationID,
		SourceEventID:  *item.SourceEventID,
		Kind:           string(*item.SourceEventKind),
		OccurredAt:     *item.EventTimestamp,
		Attempt:        item.RetryCount + 1,
	}
	return c.post(ctx, "/v1/activities/process", body)
}

// Recompute rebuilds an opportunity's derived state. Cancelling ctx aborts
// the in-flight request.
func (c *AnalyticsClient) Recompute(ctx context.Context, opportunityID uuid.UUID) error {
	path := fmt.Sprintf("/v1/opportunities/%s/recompute", url.PathEscape(opportunityID.String()))
	return c.post(ctx, path, nil)
}

func (c *AnalyticsClient) post(ctx context.Context, path string, payload any) error {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("analytics request failed", "error", err, "path", path)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.log.Error("analytics unauthorized", "status", resp.StatusCode)
		return fmt.Errorf("unauthorized: invalid API key")
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn("analytics upstream error", "status", resp.StatusCode, "path", path)
		return fmt.Errorf("analytics error: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
}

// NoopAnalytics accepts every call. It backs dry runs without an analytics
// service configured.
type NoopAnalytics struct {
	log *logger.Logger
}

func NewNoopAnalytics(log *logger.Logger) NoopAnalytics {
	return NoopAnalytics{log: log}
}

func (n NoopAnalytics) ProcessActivity(_ context.Context, item domain.QueueItem) error {
	n.log.Debug("analytics disabled, activity accepted", "itemId", item.ID)
	return nil
}

func (n NoopAnalytics) Recompute(_ context.Context, opportunityID uuid.UUID) error {
	n.log.Debug("analytics disabled, recompute accepted", "opportunityId", opportunityID)
	return nil
}
