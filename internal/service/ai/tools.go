package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"turodesk/internal/service/memory"
)

var (
	webSearchOnce sync.Once
	webSearch     tool.InvokableTool
)

// duckduckgo regions by ISO country code (basic_config.country)
var ddgRegions = map[string]string{
	"US": "us-en",
	"GB": "uk-en",
	"BR": "br-pt",
	"PT": "pt-pt",
	"ES": "es-es",
	"DE": "de-de",
	"FR": "fr-fr",
	"JP": "jp-jp",
	"CN": "cn-zh",
}

// InitToolsChain returns the tools offered to the agent: the memory tools
// and, when a search provider is available, web_search. The search tool is
// built once per process so its rate limit covers every chat service.
func InitToolsChain(mem *memory.Service, country string) []tool.BaseTool {
	tools := MemoryTools(mem)
	webSearchOnce.Do(func() {
		webSearch = InitWebSearch(country)
	})
	if webSearch != nil {
		tools = append(tools, webSearch)
	}
	return tools
}

func InitWebSearch(country string) tool.InvokableTool {
	googleTool := InitGooglesearch()
	duckTool := InitDDGsearch(country)
	if googleTool == nil && duckTool == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}
	return newWebSearchTool(googleTool, duckTool)
}

func newWebSearchTool(google, duck tool.InvokableTool) tool.InvokableTool {
	ws := &webSearchTool{
		google:     google,
		duck:       duck,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information. " +
			"Falls back to another provider if one fails. " +
			"Pass a URL to read that page directly.",
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

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *toolRateLimiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if userID, _, ok := ToolSessionFromContext(ctx); ok && !w.limiter.Allow(userID) {
		return "Web search rate limit exceeded, answer from what you already know.", nil
	}

	if looksLikeURL(query) {
		if content, err := w.fetchURL(ctx, query); err == nil {
			return content, nil
		} else {
			log.Printf("web url loader failed: %v", err)
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}
	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}
	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch builds the keyless DuckDuckGo search, localized to country
// when it has a known region.
func InitDDGsearch(country string) tool.InvokableTool {
	region := duckduckgo.RegionWT
	if code, ok := ddgRegions[strings.ToUpper(strings.TrimSpace(country))]; ok {
		region = duckduckgo.Region(code)
	}
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     region,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		log.Printf("duckduckgo search tool disabled: %v", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch needs GOOGLE_API_KEY and GOOGLE_SEARCH_ENGINE_ID.
func InitGooglesearch() tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search tool disabled: %v", err)
		return nil
	}
	return googleTool
}
