// Package wikiproxy fetches, rewrites, and caches upstream Simple Wikipedia
// article HTML so the arena UI can embed it in an iframe and turn in-page
// link clicks into moves.
package wikiproxy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/andrewginns/wikirace-arena/internal/v1/bus"
	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
	"github.com/andrewginns/wikirace-arena/internal/v1/metrics"
)

// CacheStatus values surfaced on the X-Wiki-Proxy-Cache response header.
type CacheStatus string

const (
	CacheHit     CacheStatus = "HIT"
	CacheMiss    CacheStatus = "MISS"
	CacheOffline CacheStatus = "OFFLINE"
)

// Graph is the subset of graphdb.Store the proxy needs: resolving the
// requested title and listing its outbound links for the offline fallback.
type Graph interface {
	Canonical(ctx context.Context, title string) (string, error)
	ArticleWithLinks(ctx context.Context, title string) (resolvedTitle string, links []string, found bool, err error)
}

// Page is a rendered proxy response.
type Page struct {
	HTML   string
	Status CacheStatus
}

// Config controls upstream fetch behavior and cache sizing.
type Config struct {
	Origin         string
	MaxEntries     int
	TTL            time.Duration
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxConnections int
}

// DefaultConfig matches the teacher-style env-var defaults wired in
// internal/v1/config.
func DefaultConfig() Config {
	return Config{
		Origin:         "https://simple.wikipedia.org",
		MaxEntries:     512,
		TTL:            time.Hour,
		ConnectTimeout: 3 * time.Second,
		TotalTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

// Proxy serves rewritten upstream HTML behind a bounded LRU+TTL cache with
// request coalescing and a circuit-breaker-guarded upstream client.
type Proxy struct {
	cfg   Config
	graph Graph
	redis *bus.Service // optional secondary cache layer

	client *http.Client
	cb     *gobreaker.CircuitBreaker
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key       string
	html      string
	expiresAt time.Time
}

// New builds a Proxy. redis may be nil to run with in-memory caching only.
func New(cfg Config, graph Graph, redis *bus.Service) *Proxy {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 512
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	transport := &http.Transport{MaxConnsPerHost: cfg.MaxConnections}
	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
	}

	st := gobreaker.Settings{
		Name:        "wiki_proxy_upstream",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("wiki_proxy_upstream").Set(v)
		},
	}

	return &Proxy{
		cfg:     cfg,
		graph:   graph,
		redis:   redis,
		client:  client,
		cb:      gobreaker.NewCircuitBreaker(st),
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Fetch returns the rewritten HTML for articleTitle, serving from cache when
// possible, coalescing concurrent misses onto a single upstream request, and
// falling back to a locally-generated offline page on any upstream failure.
func (p *Proxy) Fetch(ctx context.Context, articleTitle string) (*Page, error) {
	resolved, err := p.graph.Canonical(ctx, articleTitle)
	if err != nil || resolved == "" {
		resolved = normalizeProxyTitle(articleTitle)
	}
	cacheKey := resolved

	if cached, ok := p.cacheGet(cacheKey); ok {
		return &Page{HTML: cached, Status: CacheHit}, nil
	}
	if p.redis != nil {
		if cached, found, err := p.redis.Get(ctx, redisKey(cacheKey)); err == nil && found {
			p.cacheSet(cacheKey, cached)
			return &Page{HTML: cached, Status: CacheHit}, nil
		}
	}

	remoteURL := p.cfg.Origin + "/wiki/" + url.PathEscape(strings.ReplaceAll(cacheKey, " ", "_"))

	resultAny, err, _ := p.group.Do(cacheKey, func() (interface{}, error) {
		return p.fetchAndRewrite(ctx, remoteURL)
	})
	if err == nil {
		rewritten := resultAny.(string)
		p.cacheSet(cacheKey, rewritten)
		if p.redis != nil {
			_ = p.redis.Set(ctx, redisKey(cacheKey), rewritten, p.cfg.TTL)
		}
		return &Page{HTML: rewritten, Status: CacheMiss}, nil
	}

	logging.Warn(ctx, "wiki proxy upstream fetch failed, serving offline fallback",
		zap.String("article", articleTitle), zap.Error(err))

	title, links, _, lookupErr := p.graph.ArticleWithLinks(ctx, cacheKey)
	if lookupErr != nil || title == "" {
		title = cacheKey
	}
	offline := injectWikiBridge(offlineHTML(title, links, err))
	return &Page{HTML: offline, Status: CacheOffline}, nil
}

func (p *Proxy) fetchAndRewrite(ctx context.Context, remoteURL string) (string, error) {
	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout+p.cfg.TotalTimeout)
	defer cancel()

	resultAny, err := p.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(connectCtx, http.MethodGet, remoteURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "wikirace-arena")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return string(body), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("wiki_proxy_upstream").Inc()
		}
		return "", err
	}
	return rewriteHTML(resultAny.(string), p.cfg.Origin), nil
}

func (p *Proxy) cacheGet(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		p.order.Remove(el)
		delete(p.entries, key)
		return "", false
	}
	p.order.MoveToFront(el)
	return entry.html, true
}

func (p *Proxy) cacheSet(key, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[key]; ok {
		el.Value.(*cacheEntry).html = html
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(p.cfg.TTL)
		p.order.MoveToFront(el)
		return
	}

	el := p.order.PushFront(&cacheEntry{key: key, html: html, expiresAt: time.Now().Add(p.cfg.TTL)})
	p.entries[key] = el

	for p.order.Len() > p.cfg.MaxEntries {
		oldest := p.order.Back()
		if oldest == nil {
			break
		}
		p.order.Remove(oldest)
		delete(p.entries, oldest.Value.(*cacheEntry).key)
	}
}

func redisKey(title string) string {
	return "wikiproxy:" + title
}

func normalizeProxyTitle(title string) string {
	return strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
}

var scriptTagRE = regexp.MustCompile(`(?is)<script\b.*?</script>`)
var headTagRE = regexp.MustCompile(`(?i)<head[^>]*>`)

func rewriteHTML(raw, origin string) string {
	rewritten := scriptTagRE.ReplaceAllString(raw, "")
	baseTag := fmt.Sprintf(`<base href="%s/" />`, origin)

	loc := headTagRE.FindStringIndex(rewritten)
	if loc == nil {
		rewritten = baseTag + rewritten
	} else {
		rewritten = rewritten[:loc[1]] + baseTag + rewritten[loc[1]:]
	}
	return injectWikiBridge(rewritten)
}

// injectWikiBridge appends the click-bridge script that intercepts in-page
// anchor clicks and posts the target title to the parent window instead of
// navigating the iframe.
func injectWikiBridge(htmlDoc string) string {
	return htmlDoc + wikiBridgeScript
}

const wikiBridgeScript = `
<script>
(function () {
  function articleTitleFromHref(href) {
    try {
      var u = new URL(href, window.location.href);
      var m = u.pathname.match(/\/wiki\/([^#?]+)/);
      if (!m) return null;
      return decodeURIComponent(m[1]).replace(/_/g, " ");
    } catch (e) {
      return null;
    }
  }

  document.addEventListener("click", function (ev) {
    var anchor = ev.target.closest && ev.target.closest("a[href]");
    if (!anchor) return;
    var title = articleTitleFromHref(anchor.getAttribute("href"));
    if (!title) return;

    ev.preventDefault();
    window.parent.postMessage({ type: "wikirace:navigate", title: title }, "*");
  }, true);
})();
</script>`

// offlineHTML renders a minimal page from the graph's outbound links when
// the upstream fetch fails, so the arena keeps functioning without network
// access to the real wiki.
func offlineHTML(title string, links []string, fetchErr error) string {
	const maxLinks = 400
	if len(links) > maxLinks {
		links = links[:maxLinks]
	}

	var items strings.Builder
	for _, link := range links {
		safe := url.PathEscape(strings.ReplaceAll(link, " ", "_"))
		items.WriteString(fmt.Sprintf(`<li><a href="/wiki/%s">%s</a></li>`, safe, html.EscapeString(link)))
	}

	errorHTML := ""
	if fetchErr != nil {
		errorHTML = fmt.Sprintf(`<div class="error">Fetch error: %s</div>`, html.EscapeString(fetchErr.Error()))
	}

	return fmt.Sprintf(`<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>%s</title>
    <style>
      body { font-family: system-ui, -apple-system, Segoe UI, Roboto, sans-serif; padding: 16px; line-height: 1.4; }
      h1 { font-size: 22px; margin: 0 0 8px; }
      .note { font-size: 12px; color: #555; margin-bottom: 12px; }
      .error { font-size: 12px; color: #7f1d1d; background: #fef2f2; border: 1px solid #fecaca; padding: 8px; border-radius: 6px; margin-bottom: 12px; }
      ul { padding-left: 18px; }
      li { margin: 4px 0; }
    </style>
  </head>
  <body>
    <h1>%s</h1>
    <div class="note">Offline wiki view (rendered from graph links). Some content may be missing.</div>
    %s
    <div class="note">Links (%d shown):</div>
    <ul>
      %s
    </ul>
  </body>
</html>`, html.EscapeString(title), html.EscapeString(title), errorHTML, len(links), items.String())
}
