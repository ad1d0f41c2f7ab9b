package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// pathParam extracts a gin wildcard path param (registered as "/*title")
// and strips the leading slash gin leaves on it.
func pathParam(c *gin.Context, name string) string {
	return strings.TrimPrefix(c.Param(name), "/")
}

// getAllArticles handles GET /get_all_articles: the full list of article
// titles in the graph.
func (s *Server) getAllArticles(c *gin.Context) {
	titles, err := s.Graph.AllTitles(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail(err.Error()))
		return
	}
	if titles == nil {
		titles = []string{}
	}
	c.JSON(http.StatusOK, titles)
}

// articleWithLinksResponse is the §6 GET /get_article_with_links/{title}
// wire shape.
type articleWithLinksResponse struct {
	Title string   `json:"title"`
	Links []string `json:"links"`
}

// getArticleWithLinks handles GET /get_article_with_links/{title:path}.
func (s *Server) getArticleWithLinks(c *gin.Context) {
	title := pathParam(c, "title")
	resolvedTitle, links, found, err := s.Graph.ArticleWithLinks(c.Request.Context(), title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail(err.Error()))
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, detail(fmt.Sprintf("article not found: %s", title)))
		return
	}
	if links == nil {
		links = []string{}
	}
	c.JSON(http.StatusOK, articleWithLinksResponse{Title: resolvedTitle, Links: links})
}

// resolveArticleResponse is the §6 GET /resolve_article/{title} wire shape.
type resolveArticleResponse struct {
	Exists bool   `json:"exists"`
	Title  string `json:"title,omitempty"`
}

// resolveArticle handles GET /resolve_article/{title:path}: case-insensitive
// title lookup, cached for WIKIRACE_RESOLVE_ARTICLE_CACHE_TTL_SECONDS.
func (s *Server) resolveArticle(c *gin.Context) {
	title := pathParam(c, "title")
	resolved, err := s.Graph.Resolve(c.Request.Context(), title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail(err.Error()))
		return
	}
	c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cacheTTL(s.ResolveArticleCacheTTLSeconds)))
	if resolved == "" {
		c.JSON(http.StatusOK, resolveArticleResponse{Exists: false})
		return
	}
	c.JSON(http.StatusOK, resolveArticleResponse{Exists: true, Title: resolved})
}

// canonicalTitleResponse is the §6 GET /canonical_title/{title} wire shape.
type canonicalTitleResponse struct {
	Title string `json:"title"`
}

// canonicalTitle handles GET /canonical_title/{title:path}: falls back to
// the trimmed input title if nothing resolves.
func (s *Server) canonicalTitle(c *gin.Context) {
	title := pathParam(c, "title")
	trimmed := strings.TrimSpace(title)

	canonical, err := s.Graph.Canonical(c.Request.Context(), trimmed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail(err.Error()))
		return
	}
	if canonical == "" {
		canonical = trimmed
	}
	c.JSON(http.StatusOK, canonicalTitleResponse{Title: canonical})
}

// wikiProxy handles GET /wiki/{title:path}: rewritten upstream HTML behind
// the bounded cache of §4.7, falling back to an offline page on failure.
func (s *Server) wikiProxy(c *gin.Context) {
	title := pathParam(c, "title")
	page, err := s.Proxy.Fetch(c.Request.Context(), title)
	if err != nil {
		c.JSON(http.StatusBadGateway, detail(err.Error()))
		return
	}
	c.Header("X-Wiki-Proxy-Cache", string(page.Status))
	c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cacheTTL(s.WikiCacheTTLSeconds)))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page.HTML))
}

// cacheTTL falls back to one hour when the Server wasn't configured with an
// explicit TTL (e.g. in handler tests).
func (s *Server) cacheTTL(seconds int) int {
	if seconds > 0 {
		return seconds
	}
	return 3600
}
