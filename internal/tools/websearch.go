package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	WebSearchToolName    = "web_search"
	WebSearchHTTPTimeout = 10 * time.Second
	webSearchRateLimit   = 5
	webSearchRateWindow  = time.Minute
	maxFetchedBodySize   = 512 * 1024
)

// WebSearchConfig enables the search backends; Google is used only with both keys.
type WebSearchConfig struct {
	GoogleAPIKey         string
	GoogleSearchEngineID string
	DisableDuckDuckGo    bool
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *rateLimiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

// NewWebSearchTool returns nil when no backend is available.
func NewWebSearchTool(ctx context.Context, cfg WebSearchConfig) tool.InvokableTool {
	ws := &webSearchTool{
		google:     newGoogleSearch(ctx, cfg),
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newRateLimiter(webSearchRateLimit, webSearchRateWindow),
	}
	if !cfg.DisableDuckDuckGo {
		ws.duck = newDuckDuckGo(ctx)
	}
	if ws.google == nil && ws.duck == nil {
		log.Info().Msg("web search tool disabled: no search providers available")
		return nil
	}

	info := &schema.ToolInfo{
		Name: WebSearchToolName,
		Desc: "Search the web for information; " +
			"automatically falls back to another provider if needed; " +
			"fetches the page when given a URL.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	key := "global"
	if scope, ok := ScopeFromContext(ctx); ok {
		key = "room:" + scope.RoomID
	}
	if !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		log.Warn().Err(err).Str("url", query).Msg("web url fetch failed")
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", errors.Wrap(err, "marshal search params")
	}

	for _, backend := range []struct {
		name string
		t    tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}} {
		if backend.t == nil {
			continue
		}
		result, err := backend.t.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		log.Warn().Err(err).Str("backend", backend.name).Msg("web search failed")
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrap(err, "invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "flowchat-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func newDuckDuckGo(ctx context.Context) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    WebSearchHTTPTimeout,
	})
	if err != nil {
		log.Warn().Err(err).Msg("duckduckgo search disabled")
		return nil
	}
	return duckTool
}

func newGoogleSearch(ctx context.Context, cfg WebSearchConfig) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleSearchEngineID == "" {
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Warn().Err(err).Msg("google search disabled")
		return nil
	}
	return googleTool
}
