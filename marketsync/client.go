package marketsync

import (
	"bytes"
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
)

// integrationClient is the shared HTTP plumbing for the marketplace, ERP and
// carrier APIs: api-key auth, a coarse per-minute rate limit, and non-2xx
// responses as errors.
type integrationClient struct {
	name      string
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *time.Ticker
}

func newIntegrationClient(name, baseURLEnv, defaultBaseURL, apiKey string) (*integrationClient, error) {
	baseURL := strings.TrimSpace(os.Getenv(baseURLEnv))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("INTEGRATION_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%s api key is empty", name)
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("INTEGRATION_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &integrationClient{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.NewTicker(interval),
	}, nil
}

// close releases the rate-limit ticker. Callers build a client per
// operation execution, so skipping this leaks a ticker per call.
func (c *integrationClient) close() {
	c.limiter.Stop()
}

func newMarketplaceClient(apiKey string) (*integrationClient, error) {
	return newIntegrationClient("marketplace", "MARKETPLACE_API_BASE_URL", "https://open-api.marketplace.example", apiKey)
}

func newErpClient(apiKey string) (*integrationClient, error) {
	return newIntegrationClient("erp", "ERP_API_BASE_URL", "https://erp.example/api", apiKey)
}

func newCarrierClient(apiKey string) (*integrationClient, error) {
	return newIntegrationClient("carrier", "CARRIER_API_BASE_URL", "https://api.carrier.example", apiKey)
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (r listResponse) records() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

func (c *integrationClient) getList(ctx context.Context, path string, params url.Values) (listResponse, error) {
	body, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return listResponse{}, err
	}
	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return listResponse{}, err
	}
	return parsed, nil
}

func (c *integrationClient) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := c.do(ctx, http.MethodPost, path, nil, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *integrationClient) do(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	select {
	case <-c.limiter.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{
			client:  c.name,
			status:  resp.StatusCode,
			message: strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// apiError keeps the HTTP status so callers can map remote rejections to
// stable operation error codes.
type apiError struct {
	client  string
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.client, e.status, e.message)
}

func asAPIError(err error) (*apiError, bool) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
