package recommendations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RestorePath names the rollback tier.
type RestorePath string

const (
	RestoreFast     RestorePath = "fast"
	RestoreStandard RestorePath = "standard"
)

// RestoreRequest asks the provisioning service to reinstate a prior state.
type RestoreRequest struct {
	RecommendationID uuid.UUID   `json:"recommendation_id"`
	OrgID            string      `json:"org_id"`
	UserID           string      `json:"user_id"`
	Path             RestorePath `json:"path"`
	Prior            PriorState  `json:"prior_state"`
}

// Provisioner applies restores to the managed system.
type Provisioner interface {
	Restore(ctx context.Context, req RestoreRequest) error
}

// ProvisioningClient talks to the external provisioning service.
type ProvisioningClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewProvisioningClient constructs a client. Per-call deadlines come from
// the caller's context.
func NewProvisioningClient(baseURL string) *ProvisioningClient {
	return &ProvisioningClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Hour,
		},
	}
}

// Ping checks if the provisioning service is available.
func (c *ProvisioningClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provisioning returned status %d", resp.StatusCode)
	}
	return nil
}

// Restore posts the prior state to the tier-specific restore endpoint.
func (c *ProvisioningClient) Restore(ctx context.Context, in RestoreRequest) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/restore/%s", c.baseURL, in.Path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("restore %s failed with status %d: %s", in.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
