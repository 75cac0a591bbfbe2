// Package steamapi talks to the Steam storefront and Web API: app details for
// change detection, store search for command lookups, and player counts.
package steamapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/game-tender/telemetry"
	"github.com/onnwee/game-tender/tracker"
)

const (
	DefaultStoreURL = "https://store.steampowered.com"
	DefaultAPIURL   = "https://api.steampowered.com"

	playerCountPath = "/ISteamUserStats/GetNumberOfCurrentPlayers/v1/"
	maxAttempts     = 3
)

// APIError is a non-success response from a Steam endpoint.
type APIError struct {
	Endpoint   string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("steam %s: unexpected status %d", e.Endpoint, e.StatusCode)
}

var (
	// ErrNoAPIKey is returned by Web API calls when no key is configured.
	ErrNoAPIKey = errors.New("steam api key not configured")

	errDecode = errors.New("malformed steam response")
)

// Client is a minimal Steam client. The zero value talks to the public Steam
// endpoints with US/english storefront settings.
type Client struct {
	StoreURL   string
	APIURL     string
	APIKey     string
	Country    string
	Language   string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// RetryInterval is the first backoff delay for Web API retries.
	RetryInterval time.Duration

	now func() time.Time
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) storeURL() string {
	if c.StoreURL != "" {
		return c.StoreURL
	}
	return DefaultStoreURL
}

func (c *Client) apiURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return DefaultAPIURL
}

func (c *Client) country() string {
	if c.Country != "" {
		return c.Country
	}
	return "US"
}

func (c *Client) language() string {
	if c.Language != "" {
		return c.Language
	}
	return "english"
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// getJSON performs a GET and decodes a 200 response into out.
func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "steam."+endpoint, telemetry.SteamEndpointAttr(endpoint))
	defer func() { telemetry.EndSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		telemetry.IncVec(telemetry.SteamRequests, endpoint, "error")
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log().Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.IncVec(telemetry.SteamRequests, endpoint, strconv.Itoa(resp.StatusCode))
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w from %s: %w", errDecode, endpoint, err)
	}
	return nil
}

type appData struct {
	Name          string `json:"name"`
	HeaderImage   string `json:"header_image"`
	PriceOverview *struct {
		FinalFormatted *string `json:"final_formatted"`
	} `json:"price_overview"`
	ReleaseDate *struct {
		ComingSoon bool    `json:"coming_soon"`
		Date       *string `json:"date"`
	} `json:"release_date"`
	Genres []struct {
		Description string `json:"description"`
	} `json:"genres"`
}

// appDetails returns the store data of an app, or nil when Steam does not know it.
func (c *Client) appDetails(ctx context.Context, appID int64) (*appData, error) {
	id := strconv.FormatInt(appID, 10)
	q := url.Values{}
	q.Set("appids", id)
	q.Set("cc", c.country())
	q.Set("l", c.language())
	var body map[string]struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := c.getJSON(ctx, "appdetails", c.storeURL()+"/api/appdetails?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	entry, ok := body[id]
	if !ok || !entry.Success || len(entry.Data) == 0 || entry.Data[0] != '{' {
		return nil, nil
	}
	var data appData
	if err := json.Unmarshal(entry.Data, &data); err != nil {
		return nil, fmt.Errorf("%w from appdetails: %w", errDecode, err)
	}
	return &data, nil
}

// FetchSnapshot returns the current price, release date and pre-order flag of
// an app. Apps unknown to the store yield an empty observation and no error.
func (c *Client) FetchSnapshot(ctx context.Context, appID int64) (tracker.Observation, error) {
	data, err := c.appDetails(ctx, appID)
	if err != nil {
		return tracker.Observation{}, err
	}
	if data == nil {
		c.log().Debug("app not found in store", slog.Int64("game_id", appID))
		return tracker.Observation{}, nil
	}
	now := c.clock()
	obs := tracker.Observation{LastUpdate: &now}
	if data.PriceOverview != nil {
		obs.Price = data.PriceOverview.FinalFormatted
	}
	preorder := false
	if data.ReleaseDate != nil {
		obs.ReleaseDate = data.ReleaseDate.Date
		preorder = data.ReleaseDate.ComingSoon
	}
	obs.PreorderStatus = &preorder
	return obs, nil
}

// SearchResult is one storefront search hit.
type SearchResult struct {
	AppID int64
	Name  string
	Type  string
}

// SearchGames looks up apps by name, best match first. At most limit results
// are returned; limit <= 0 means 5.
func (c *Client) SearchGames(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("term", query)
	q.Set("l", c.language())
	q.Set("cc", c.country())
	var body struct {
		Total int `json:"total"`
		Items []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"items"`
	}
	if err := c.getJSON(ctx, "storesearch", c.storeURL()+"/api/storesearch/?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, min(limit, len(body.Items)))
	for _, it := range body.Items {
		if len(out) == limit {
			break
		}
		out = append(out, SearchResult{AppID: it.ID, Name: it.Name, Type: it.Type})
	}
	c.log().Debug("store search", slog.String("query", query), slog.Int("results", len(out)))
	return out, nil
}

// PlayerCount returns the number of players currently in the app. Transport
// errors and HTTP 429 are retried with exponential backoff, up to three attempts.
func (c *Client) PlayerCount(ctx context.Context, appID int64) (int, error) {
	if c.APIKey == "" {
		return 0, ErrNoAPIKey
	}
	q := url.Values{}
	q.Set("appid", strconv.FormatInt(appID, 10))
	q.Set("key", c.APIKey)
	rawURL := c.apiURL() + playerCountPath + "?" + q.Encode()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	if c.RetryInterval > 0 {
		b.InitialInterval = c.RetryInterval
	}
	b.Multiplier = 2

	attempt := 0
	count, err := backoff.Retry(ctx, func() (int, error) {
		attempt++
		var body struct {
			Response struct {
				PlayerCount int `json:"player_count"`
				Result      int `json:"result"`
			} `json:"response"`
		}
		err := c.getJSON(ctx, "player_count", rawURL, &body)
		var apiErr *APIError
		switch {
		case err == nil:
			return body.Response.PlayerCount, nil
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
			c.log().Warn("steam rate limited",
				slog.Int64("game_id", appID), slog.Int("attempt", attempt), slog.Int("max_attempts", maxAttempts))
			return 0, err
		case errors.As(err, &apiErr):
			return 0, backoff.Permanent(err)
		case errors.Is(err, errDecode):
			return 0, backoff.Permanent(err)
		case ctx.Err() != nil:
			return 0, backoff.Permanent(ctx.Err())
		default:
			c.log().Warn("steam request failed",
				slog.Int64("game_id", appID), slog.Int("attempt", attempt), slog.Any("err", err))
			return 0, err
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return 0, fmt.Errorf("player count for %d: %w", appID, err)
	}
	return count, nil
}
