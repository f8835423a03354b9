// Package channel talks to the messaging channel gateway.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Config struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

type Gateway struct {
	client *httpclient.Client
	logger ectologger.Logger
	config Config
}

func NewGateway(client *httpclient.Client, logger ectologger.Logger, config Config) *Gateway {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Gateway{
		client: client,
		logger: logger,
		config: config,
	}
}

type profilePictureResponse struct {
	URL string `json:"url"`
}

// ProfilePictureURL returns the channel's current picture URL for remoteAddress;
// "" when the contact has none.
func (g *Gateway) ProfilePictureURL(ctx context.Context, remoteAddress string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "channel.Gateway.ProfilePictureURL")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/contacts/%s/profile-picture", g.config.BaseURL, url.PathEscape(remoteAddress))
	headers := map[string]string{"Accept": "application/json"}
	if g.config.Token != "" {
		headers["Authorization"] = "Bearer " + g.config.Token
	}

	resp, err := g.client.Get(ctx, endpoint, headers)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if !resp.OK() {
		return "", fmt.Errorf("channel gateway returned status %d", resp.StatusCode)
	}

	var body profilePictureResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("failed to decode channel gateway response: %w", err)
	}
	return body.URL, nil
}
