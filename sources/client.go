package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Client reads the activity API. It implements every port in this package.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
	validate  *validator.Validate
	logger    *logrus.Logger

	// AgingThresholdDays is forwarded to the metrics query.
	AgingThresholdDays int
}

var (
	_ ActiveAssessmentFeed = (*Client)(nil)
	_ MetricsSource        = (*Client)(nil)
	_ InventorySource      = (*Client)(nil)
	_ OwnershipChangeFeed  = (*Client)(nil)
)

// NewClientFromEnv reads ACTIVITY_API_BASE_URL, ACTIVITY_API_KEY, ACTIVITY_API_KEY_HEADER,
// ACTIVITY_RATE_LIMIT_PER_MIN and UPSTREAM_TIMEOUT_SECONDS.
func NewClientFromEnv(settings config.MonitorSettings) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("ACTIVITY_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("ACTIVITY_API_BASE_URL is required")
	}
	rateLimitPerMin := int64(120)
	if v := strings.TrimSpace(os.Getenv("ACTIVITY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	c, err := NewClient(baseURL, os.Getenv("ACTIVITY_API_KEY"), settings.UpstreamTimeout, rateLimitPerMin)
	if err != nil {
		return nil, err
	}
	if hdr := strings.TrimSpace(os.Getenv("ACTIVITY_API_KEY_HEADER")); hdr != "" {
		c.apiKeyHdr = hdr
	}
	c.AgingThresholdDays = settings.AgingThresholdDays
	return c, nil
}

func NewClient(baseURL, apiKey string, timeout time.Duration, rateLimitPerMin int64) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("activity api base url is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter <-chan time.Time
	if rateLimitPerMin > 0 {
		limiter = time.Tick(time.Minute / time.Duration(rateLimitPerMin))
	}
	return &Client{
		baseURL:            strings.TrimRight(baseURL, "/"),
		apiKey:             apiKey,
		apiKeyHdr:          "X-API-Key",
		http:               &http.Client{Timeout: timeout},
		limiter:            limiter,
		validate:           validator.New(),
		logger:             config.GetLogger(),
		AgingThresholdDays: 14,
	}, nil
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

type objectResponse struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.limiter:
		}
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("activity api error %d on %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// getList follows next_cursor until the server reports no more pages.
func (c *Client) getList(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	var out []json.RawMessage
	cursor := ""
	for {
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		body, err := c.get(ctx, path, params)
		if err != nil {
			return nil, err
		}
		var parsed listResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		items := parsed.Data
		if len(items) == 0 {
			items = parsed.Items
		}
		out = append(out, items...)

		more := parsed.NextCursor != ""
		if parsed.HasMore != nil {
			more = *parsed.HasMore && parsed.NextCursor != ""
		}
		if !more || parsed.NextCursor == cursor {
			return out, nil
		}
		cursor = parsed.NextCursor
	}
}

// GetActiveAssessments returns every decodable row. When some rows had to be dropped the
// decoded rows come back together with an error wrapping ErrIncompleteFeed, since the list
// can no longer prove that a missing id is closed.
func (c *Client) GetActiveAssessments(ctx context.Context) ([]ActiveAssessment, error) {
	items, err := c.getList(ctx, "/v1/assessments/active", nil)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveAssessment, 0, len(items))
	dropped := 0
	for _, raw := range items {
		a, err := DecodeActiveAssessment(raw)
		if err != nil {
			c.logDropped("GetActiveAssessments", string(raw), err)
			dropped++
			continue
		}
		a.AssessmentId = strings.TrimSpace(a.AssessmentId)
		if err := c.validate.Struct(a); err != nil {
			c.logDropped("GetActiveAssessments", string(raw), err)
			dropped++
			continue
		}
		out = append(out, a)
	}
	if dropped > 0 {
		return out, fmt.Errorf("%w: dropped %d of %d rows", ErrIncompleteFeed, dropped, len(items))
	}
	return out, nil
}

func (c *Client) GetDailySnapshotMetrics(ctx context.Context, jobGuid string) (SnapshotMetrics, error) {
	params := url.Values{}
	params.Set("aging_days", strconv.Itoa(c.AgingThresholdDays))
	body, err := c.get(ctx, "/v1/assessments/"+url.PathEscape(jobGuid)+"/metrics", params)
	if err != nil {
		return SnapshotMetrics{}, err
	}
	var envelope objectResponse
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		return DecodeSnapshotMetrics(envelope.Data), nil
	}
	return DecodeSnapshotMetrics(body), nil
}

func (c *Client) GetUnitInventory(ctx context.Context, jobGuid string) ([]InventoryUnit, error) {
	items, err := c.getList(ctx, "/v1/assessments/"+url.PathEscape(jobGuid)+"/units", nil)
	if err != nil {
		return nil, err
	}
	out := make([]InventoryUnit, 0, len(items))
	for _, raw := range items {
		var u InventoryUnit
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode unit of %s: %w", jobGuid, err)
		}
		u.UnitId = strings.TrimSpace(u.UnitId)
		if u.UnitId == "" {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *Client) GetOwnershipChangesSince(ctx context.Context, since time.Time) ([]OwnershipChange, error) {
	params := url.Values{}
	params.Set("since", since.UTC().Format(time.RFC3339))
	items, err := c.getList(ctx, "/v1/ownership-changes", params)
	if err != nil {
		return nil, err
	}
	out := make([]OwnershipChange, 0, len(items))
	for _, raw := range items {
		var ch OwnershipChange
		if err := json.Unmarshal(raw, &ch); err != nil {
			c.logDropped("GetOwnershipChangesSince", string(raw), err)
			continue
		}
		ch.AssessmentId = strings.TrimSpace(ch.AssessmentId)
		ch.NewOwnerUsername = strings.TrimSpace(ch.NewOwnerUsername)
		if err := c.validate.Struct(ch); err != nil {
			c.logDropped("GetOwnershipChangesSince", string(raw), err)
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func (c *Client) logDropped(funcName string, raw string, err error) {
	config.LogError(c.logger, "sources", funcName, "dropping malformed row", raw, err)
}
