package rest

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-cleanhttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultBaseUrl = "https://discord.com/api/v10"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type GatewayBotResponse struct {
	Url               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // Millis
	MaxConcurrency int   `json:"max_concurrency"`
}

// FallbackGatewayBot is used when the gateway info can't be fetched.
func FallbackGatewayBot() GatewayBotResponse {
	return GatewayBotResponse{
		Url:    "wss://gateway.discord.gg/",
		Shards: 1,
		SessionStartLimit: SessionStartLimit{
			Total:          1000,
			Remaining:      1000,
			MaxConcurrency: 1,
		},
	}
}

// StatusError is returned for non 2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	Token      string
	BaseUrl    string
	HttpClient *http.Client
	MaxRetries uint64
}

func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		BaseUrl:    DefaultBaseUrl,
		HttpClient: cleanhttp.DefaultPooledClient(),
		MaxRetries: 3,
	}
}

// GetGatewayBot fetches the recommended shard count and identify concurrency. 5xx responses,
// 429s and network errors are retried with exponential backoff.
func (c *Client) GetGatewayBot(ctx context.Context) (res GatewayBotResponse, err error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		res, err = c.getGatewayBot(ctx)
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}

		logrus.Debugf("rest: GET /gateway/bot failed, retrying: %s", err.Error())
		return err
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.MaxRetries), ctx))
	return
}

func (c *Client) getGatewayBot(ctx context.Context) (res GatewayBotResponse, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseUrl+"/gateway/bot", nil)
	if err != nil {
		return
	}

	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/TicketsBot/gatewaysharder, 1.0)")

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return res, errors.Wrap(err, "GET /gateway/bot")
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return res, errors.Wrap(err, "read /gateway/bot")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	err = json.Unmarshal(body, &res)
	return res, errors.WithMessage(err, "decode /gateway/bot")
}
