package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/redis"
)

const (
	DefaultAccountsURL = "https://accounts.spotify.com"
	DefaultAPIURL      = "https://api.spotify.com/v1"

	tokenName = "spotify:client_credentials"
	// tokens are refreshed this long before Spotify expires them
	expiryMargin = 30 * time.Second
)

// TokenCache shares access tokens between server processes. *redis.TokenStore
// implements it.
type TokenCache interface {
	GetToken(ctx context.Context, name string) (*redis.TokenInfo, error)
	StoreToken(ctx context.Context, name string, token *redis.TokenInfo) error
	DeleteToken(ctx context.Context, name string) error
}

type Config struct {
	ClientID     string
	ClientSecret string
	AccountsURL  string
	APIURL       string
}

// Client talks to the Spotify Web API with an app-only client-credentials token.
type Client struct {
	clientID     string
	clientSecret string
	accountsURL  string
	apiURL       string
	httpClient   *http.Client
	tokens       TokenCache

	mu    sync.Mutex
	token *redis.TokenInfo
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type Track struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Artists  []Artist `json:"artists"`
	Duration int      `json:"duration_ms"`
	Album    Album    `json:"album"`
}

type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Album struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Images []Image `json:"images"`
}

type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type SearchResponse struct {
	Tracks struct {
		Items []Track `json:"items"`
	} `json:"tracks"`
}

// ArtistNames joins the track's artists for display.
func (t Track) ArtistNames() string {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

// Thumbnail returns the album's first image, Spotify lists the largest first.
func (t Track) Thumbnail() string {
	if len(t.Album.Images) == 0 {
		return ""
	}
	return t.Album.Images[0].URL
}

// NewClient builds a client. tokens may be nil, in which case tokens are only kept in
// this process.
func NewClient(cfg Config, tokens TokenCache) *Client {
	if cfg.AccountsURL == "" {
		cfg.AccountsURL = DefaultAccountsURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		accountsURL:  strings.TrimRight(cfg.AccountsURL, "/"),
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		tokens:       tokens,
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && time.Now().Before(c.token.ExpiresAt) {
		return c.token.AccessToken, nil
	}

	if c.tokens != nil {
		token, err := c.tokens.GetToken(ctx, tokenName)
		switch {
		case err == nil && time.Now().Before(token.ExpiresAt):
			c.token = token
			return token.AccessToken, nil
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			logrus.WithError(err).Warn("Spotify token cache unavailable")
		}
	}

	resp, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}
	token := &redis.TokenInfo{
		AccessToken: resp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - expiryMargin),
	}
	c.token = token
	if c.tokens != nil {
		if err := c.tokens.StoreToken(ctx, tokenName, token); err != nil {
			logrus.WithError(err).Warn("Failed to cache Spotify token")
		}
	}
	return token.AccessToken, nil
}

// dropToken forgets a token Spotify rejected, here and in the shared cache.
func (c *Client) dropToken(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	if c.tokens != nil {
		if err := c.tokens.DeleteToken(ctx, tokenName); err != nil {
			logrus.WithError(err).Warn("Failed to drop cached Spotify token")
		}
	}
}

func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, "POST", c.accountsURL+"/api/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Add("Authorization", "Basic "+auth)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport(fmt.Errorf("spotify: token request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Transport(fmt.Errorf("spotify: token request failed with status %d", resp.StatusCode))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, apperr.Transport(fmt.Errorf("spotify: decode token: %w", err))
	}
	logrus.WithField("expires_in", token.ExpiresIn).Debug("Obtained Spotify token")
	return &token, nil
}

// SearchTracks runs a track search. A rejected token is replaced once.
func (c *Client) SearchTracks(ctx context.Context, query string, limit int) ([]Track, error) {
	tracks, status, err := c.searchTracks(ctx, query, limit)
	if status == http.StatusUnauthorized {
		c.dropToken(ctx)
		tracks, _, err = c.searchTracks(ctx, query, limit)
	}
	return tracks, err
}

func (c *Client) searchTracks(ctx context.Context, query string, limit int) ([]Track, int, error) {
	accessToken, err := c.accessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	params := url.Values{}
	params.Add("q", query)
	params.Add("type", "track")
	params.Add("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, "GET", c.apiURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}

	req.Header.Add("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperr.Transport(fmt.Errorf("spotify: search request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, apperr.Transport(fmt.Errorf("spotify: search request failed with status %d", resp.StatusCode))
	}

	var searchResp SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, resp.StatusCode, apperr.Transport(fmt.Errorf("spotify: decode search: %w", err))
	}

	return searchResp.Tracks.Items, resp.StatusCode, nil
}
