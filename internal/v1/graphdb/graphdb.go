// Package graphdb reads the read-only article-link graph backing a race:
// a SQLite table of article titles and their outbound links, with
// case/underscore-insensitive title resolution and redirect-stub
// canonicalization.
package graphdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// maxCanonicalHops bounds the redirect-stub chase so a cyclic or
// pathological link graph can never canonicalize forever.
const maxCanonicalHops = 6

// resolveCacheSize and canonicalCacheSize mirror the teacher/original's
// lru_cache(maxsize=...) memoization of the hot lookup paths.
const (
	resolveCacheSize   = 32768
	canonicalCacheSize = 16384
)

// Store is a read-only handle onto the article graph.
type Store struct {
	db *sql.DB

	mu             sync.Mutex
	resolveCache   *lru
	canonicalCache *lru
}

// Open connects to the SQLite database at path and reports the number of
// loaded articles. The caller owns the returned Store's lifetime and must
// call Close.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("graphdb: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers; this store is read-only anyway
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphdb: ping %s: %w", path, err)
	}

	s := &Store{
		db:             db,
		resolveCache:   newLRU(resolveCacheSize),
		canonicalCache: newLRU(canonicalCacheSize),
	}
	if _, err := s.ArticleCount(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphdb: counting articles in %s: %w", path, err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArticleCount returns the number of rows in core_articles. Satisfies
// health.ArticleCounter.
func (s *Store) ArticleCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM core_articles").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("graphdb: count articles: %w", err)
	}
	return count, nil
}

// AllTitles returns every article title in the graph.
func (s *Store) AllTitles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT title FROM core_articles")
	if err != nil {
		return nil, fmt.Errorf("graphdb: list titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("graphdb: scan title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// ArticleWithLinks returns the stored title and its outbound link titles.
// found is false if no article exactly matches title (exact match only —
// callers should Resolve first).
func (s *Store) ArticleWithLinks(ctx context.Context, title string) (resolvedTitle string, links []string, found bool, err error) {
	var linksJSON string
	row := s.db.QueryRowContext(ctx, "SELECT title, links_json FROM core_articles WHERE title = ?", title)
	if err := row.Scan(&resolvedTitle, &linksJSON); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("graphdb: article with links %q: %w", title, err)
	}
	if err := json.Unmarshal([]byte(linksJSON), &links); err != nil {
		return "", nil, false, fmt.Errorf("graphdb: decode links for %q: %w", title, err)
	}
	return resolvedTitle, links, true, nil
}

// Resolve maps a user-supplied title to its stored form: underscores become
// spaces, whitespace is trimmed, then an exact match is tried before a
// case-insensitive one. Returns "" if nothing matches.
func (s *Store) Resolve(ctx context.Context, title string) (string, error) {
	normalized := strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
	if normalized == "" {
		return "", nil
	}

	if cached, ok := s.getCached(s.resolveCache, normalized); ok {
		return cached, nil
	}

	resolved, err := s.resolveUncached(ctx, normalized)
	if err != nil {
		return "", err
	}
	s.setCached(s.resolveCache, normalized, resolved)
	return resolved, nil
}

func (s *Store) resolveUncached(ctx context.Context, normalized string) (string, error) {
	var title string
	row := s.db.QueryRowContext(ctx, "SELECT title FROM core_articles WHERE title = ? LIMIT 1", normalized)
	switch err := row.Scan(&title); err {
	case nil:
		return title, nil
	case sql.ErrNoRows:
		// fall through to the case-insensitive lookup
	default:
		return "", fmt.Errorf("graphdb: resolve %q: %w", normalized, err)
	}

	row = s.db.QueryRowContext(ctx, "SELECT title FROM core_articles WHERE title = ? COLLATE NOCASE LIMIT 1", normalized)
	switch err := row.Scan(&title); err {
	case nil:
		return title, nil
	case sql.ErrNoRows:
		return "", nil
	default:
		return "", fmt.Errorf("graphdb: resolve (nocase) %q: %w", normalized, err)
	}
}

// Canonical follows single-outbound-link "stub" pages for up to six hops,
// returning the first title that either has zero or more than one outbound
// link, or that closes a cycle. Returns "" if title doesn't resolve.
func (s *Store) Canonical(ctx context.Context, title string) (string, error) {
	resolved, err := s.Resolve(ctx, title)
	if err != nil || resolved == "" {
		return "", err
	}

	if cached, ok := s.getCached(s.canonicalCache, resolved); ok {
		return cached, nil
	}

	current := resolved
	seen := map[string]bool{current: true}

	for i := 0; i < maxCanonicalHops; i++ {
		articleTitle, links, found, err := s.ArticleWithLinks(ctx, current)
		if err != nil {
			return "", err
		}
		if !found || len(links) != 1 {
			break
		}

		candidate, err := s.Resolve(ctx, links[0])
		if err != nil {
			return "", err
		}
		if candidate == "" || seen[candidate] {
			break
		}
		seen[candidate] = true
		current = candidate
		_ = articleTitle
	}

	s.setCached(s.canonicalCache, resolved, current)
	return current, nil
}

func (s *Store) getCached(c *lru, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.get(key)
}

func (s *Store) setCached(c *lru, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.set(key, value)
}
