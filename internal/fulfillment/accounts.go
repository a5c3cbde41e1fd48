package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ms-fulfillment/internal/config"

	"github.com/go-resty/resty/v2"
)

// AccountClient provisions user accounts through the user service for
// guest checkouts that arrive with only an email address.
type AccountClient struct {
	client  *resty.Client
	baseURL string
}

func NewAccountClient(cfg config.AccountsConfig) *AccountClient {
	client := resty.New().SetTimeout(cfg.Timeout)
	return &AccountClient{client: client, baseURL: cfg.UserServiceURL}
}

type provisionRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type provisionResponse struct {
	UserID string `json:"user_id"`
}

func (c *AccountClient) ProvisionByEmail(ctx context.Context, email, name string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("user service not configured")
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(provisionRequest{Email: email, Name: name}).
		Post(c.baseURL + "/api/users/provision")
	if err != nil {
		return "", fmt.Errorf("user service request failed: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		var out provisionResponse
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return "", fmt.Errorf("invalid user service response: %w", err)
		}
		return out.UserID, nil
	default:
		return "", fmt.Errorf("user service status %d", resp.StatusCode())
	}
}
