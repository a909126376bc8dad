package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const giphyBaseURL = "https://api.giphy.com/v1/gifs/search"

// Gif is the trimmed-down search result returned to clients: the full-size
// URL for sending and a small preview for the picker.
type Gif struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Preview string `json:"preview"`
	Title   string `json:"title"`
}

// GifSearcher proxies GIF search so clients never see the upstream API key.
type GifSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Gif, error)
}

// GiphyClient talks to the Giphy search API. The base URL is configurable
// so tests can point it at a local server.
type GiphyClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGiphyClient(apiKey string) *GiphyClient {
	return &GiphyClient{
		apiKey:  apiKey,
		baseURL: giphyBaseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type giphyResponse struct {
	Data []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Images struct {
			Original struct {
				URL string `json:"url"`
			} `json:"original"`
			PreviewGif struct {
				URL string `json:"url"`
			} `json:"preview_gif"`
		} `json:"images"`
	} `json:"data"`
}

func (g *GiphyClient) Search(ctx context.Context, query string, limit int) ([]Gif, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	params := url.Values{}
	params.Set("api_key", g.apiKey)
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("rating", "g")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("giphy request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("giphy returned status %d", resp.StatusCode)
	}

	var body giphyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode giphy response: %w", err)
	}
	gifs := make([]Gif, 0, len(body.Data))
	for _, item := range body.Data {
		gifs = append(gifs, Gif{
			ID:      item.ID,
			URL:     item.Images.Original.URL,
			Preview: item.Images.PreviewGif.URL,
			Title:   item.Title,
		})
	}
	return gifs, nil
}
