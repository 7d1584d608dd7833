package scrape

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"workshopd/internal/errors"
	"workshopd/internal/logging"
)

const (
	defaultBaseURL  = "https://steamcommunity.com"
	defaultCacheMax = 512
	defaultCacheTTL = 10 * time.Minute
)

// Metadata is the snapshot of a workshop item page taken at submit time.
type Metadata struct {
	ItemID       string    `json:"itemId"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	PreviewURL   string    `json:"previewUrl,omitempty"`
	AppID        uint64    `json:"appId"`
	DeclaredSize string    `json:"declaredSize,omitempty"`
	Valid        bool      `json:"valid"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

// MetadataFetcher obtains item metadata. The orchestrator depends on this
// interface; the workshop page scraper below is the default implementation.
type MetadataFetcher interface {
	Fetch(ctx context.Context, itemID string) (Metadata, error)
}

// cacheEntry holds a cached result along with the time it was stored.
type cacheEntry struct {
	meta     Metadata
	storedAt time.Time
}

// WorkshopScraper fetches and parses the public workshop item page.
type WorkshopScraper struct {
	client  *http.Client
	baseURL string
	cache   *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	retry   errors.RetryConfig
	logger  logging.Logger
}

// Option configures the scraper.
type Option func(*WorkshopScraper)

// WithBaseURL points the scraper at a different host (tests).
func WithBaseURL(url string) Option {
	return func(s *WorkshopScraper) { s.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *WorkshopScraper) { s.client = client }
}

// WithRetryConfig overrides the upstream retry policy.
func WithRetryConfig(cfg errors.RetryConfig) Option {
	return func(s *WorkshopScraper) { s.retry = cfg }
}

// NewWorkshopScraper creates a scraper with an LRU result cache.
func NewWorkshopScraper(logger logging.Logger, opts ...Option) (*WorkshopScraper, error) {
	cache, err := lru.New[string, cacheEntry](defaultCacheMax)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}
	s := &WorkshopScraper{
		client:  &http.Client{Timeout: 20 * time.Second},
		baseURL: defaultBaseURL,
		cache:   cache,
		ttl:     defaultCacheTTL,
		retry:   errors.RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond},
		logger:  logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var appHrefPattern = regexp.MustCompile(`/app/(\d+)`)

// Fetch returns the parsed page for itemID, serving repeats from cache
// within the TTL. Transient upstream failures are retried briefly so a
// flapping community site does not bounce valid submissions.
func (s *WorkshopScraper) Fetch(ctx context.Context, itemID string) (Metadata, error) {
	if entry, ok := s.cache.Get(itemID); ok && time.Since(entry.storedAt) < s.ttl {
		return entry.meta, nil
	}

	var meta Metadata
	err := errors.Retry(ctx, s.retry, s.logger, func(ctx context.Context, _ int) error {
		m, err := s.fetchOnce(ctx, itemID)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return Metadata{}, err
	}

	s.cache.Add(itemID, cacheEntry{meta: meta, storedAt: time.Now()})
	return meta, nil
}

func (s *WorkshopScraper) fetchOnce(ctx context.Context, itemID string) (Metadata, error) {
	url := fmt.Sprintf("%s/sharedfiles/filedetails/?id=%s", s.baseURL, itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, errors.Permanent(fmt.Errorf("build metadata request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch item page: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Metadata{}, errors.Transient(fmt.Errorf("item page returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Metadata{}, errors.Permanent(fmt.Errorf("item page returned status %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Metadata{}, errors.Permanent(fmt.Errorf("parse item page: %w", err))
	}
	return s.parse(doc, itemID), nil
}

func (s *WorkshopScraper) parse(doc *goquery.Document, itemID string) Metadata {
	meta := Metadata{
		ItemID:    itemID,
		FetchedAt: time.Now().UTC(),
	}

	meta.Title = strings.TrimSpace(doc.Find("div.workshopItemTitle").First().Text())
	meta.Author = strings.TrimSpace(doc.Find("div.creatorsBlock div.friendBlockContent").First().Clone().Children().Remove().End().Text())
	if meta.Author == "" {
		meta.Author = strings.TrimSpace(doc.Find("div.creatorsBlock a.friendBlockLinkOverlay").First().AttrOr("title", ""))
	}

	if src, ok := doc.Find("img#previewImageMain").Attr("src"); ok {
		meta.PreviewURL = src
	} else if src, ok := doc.Find("img#previewImage").Attr("src"); ok {
		meta.PreviewURL = src
	}

	meta.DeclaredSize = strings.TrimSpace(doc.Find("div.detailsStatRight").First().Text())

	doc.Find("div.apphub_OtherSiteInfo a, div.breadcrumbs a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		if m := appHrefPattern.FindStringSubmatch(href); m != nil {
			var appID uint64
			if _, err := fmt.Sscanf(m[1], "%d", &appID); err == nil {
				meta.AppID = appID
				return false
			}
		}
		return true
	})

	pageError := doc.Find("div.error_ctn, #message").Length() > 0 && meta.Title == ""
	meta.Valid = meta.Title != "" && meta.AppID != 0 && !pageError
	if !meta.Valid {
		s.logger.Debug("item %s failed validity check (title=%q appID=%d)", itemID, meta.Title, meta.AppID)
	}
	return meta
}
