package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/time/rate"

	"pkgscout/searchservice/internal/domain"
	"pkgscout/searchservice/internal/metrics"
)

const (
	defaultEndpoint  = "https://registry.npmjs.org"
	defaultUserAgent = "pkgscout-search/1.0"
	defaultRPS       = 10
	defaultBurst     = 20

	maxSearchLimit = 250
)

var ErrInvalidQuery = errors.New("query is required")

// SearchQuery is one registry search page request. Offset/Limit address the
// registry's native pagination; Mode controls how Text is rendered into the
// registry's qualifier syntax.
type SearchQuery struct {
	Text     string
	Mode     domain.SearchMode
	Weights  domain.Weights
	Weighted bool
	Offset   int
	Limit    int
}

// Page is one page of search hits plus the registry-reported grand total.
type Page struct {
	Items []domain.PackageResult
	Total int
}

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
	RPS       float64
	Burst     int
	Cache     *DetailsCache
}

// Client talks to an npm-flavored package registry: paginated full-text
// search plus per-package manifest lookups. All requests pass a token-bucket
// rate limiter and transient failures are retried with backoff.
type Client struct {
	client    *http.Client
	endpoint  string
	userAgent string
	limiter   *rate.Limiter
	cache     *DetailsCache
	folder    cases.Caser
}

func NewClient(cfg Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	return &Client{
		client:    client,
		endpoint:  endpoint,
		userAgent: userAgent,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		cache:     cfg.Cache,
		folder:    cases.Fold(),
	}
}

type searchEnvelope struct {
	Objects []searchObject `json:"objects"`
	Total   int            `json:"total"`
}

type searchObject struct {
	Package struct {
		Name        string     `json:"name"`
		Version     string     `json:"version"`
		Description string     `json:"description"`
		Keywords    []string   `json:"keywords"`
		Date        *time.Time `json:"date"`
		Links       struct {
			NPM        string `json:"npm"`
			Homepage   string `json:"homepage"`
			Repository string `json:"repository"`
			Bugs       string `json:"bugs"`
		} `json:"links"`
		Author    person `json:"author"`
		Publisher person `json:"publisher"`
	} `json:"package"`
	Score struct {
		Final  float64 `json:"final"`
		Detail struct {
			Quality     float64 `json:"quality"`
			Popularity  float64 `json:"popularity"`
			Maintenance float64 `json:"maintenance"`
		} `json:"detail"`
	} `json:"score"`
	SearchScore float64 `json:"searchScore"`
}

type person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	// Some registries return a bare username string instead of an object.
	raw string
}

func (p *person) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		if err := json.Unmarshal(data, &p.raw); err != nil {
			return err
		}
		p.Name = p.raw
		return nil
	}
	type alias struct {
		Name     string `json:"name"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	p.Name = a.Name
	if p.Name == "" {
		p.Name = a.Username
	}
	p.Email = a.Email
	return nil
}

// Search issues one bulk search request against the registry.
func (c *Client) Search(ctx context.Context, query SearchQuery) (Page, error) {
	text := c.renderSearchText(query)
	if text == "" {
		return Page{}, ErrInvalidQuery
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	uri, err := url.Parse(c.endpoint + "/-/v1/search")
	if err != nil {
		return Page{}, fmt.Errorf("invalid endpoint: %w", err)
	}
	params := uri.Query()
	params.Set("text", text)
	params.Set("size", strconv.Itoa(limit))
	params.Set("from", strconv.Itoa(offset))
	if query.Weighted && query.Mode != domain.SearchModeDiscovery {
		weights := domain.NormalizeWeights(query.Weights)
		params.Set("quality", formatWeight(weights.Quality))
		params.Set("popularity", formatWeight(weights.Popularity))
		params.Set("maintenance", formatWeight(weights.Maintenance))
	}
	uri.RawQuery = params.Encode()

	var envelope searchEnvelope
	err = c.doJSON(ctx, "search", uri.String(), &envelope)
	if err != nil {
		return Page{}, err
	}

	items := make([]domain.PackageResult, 0, len(envelope.Objects))
	for _, object := range envelope.Objects {
		pkg := object.Package
		if strings.TrimSpace(pkg.Name) == "" {
			continue
		}
		items = append(items, domain.PackageResult{
			Name:        pkg.Name,
			Version:     pkg.Version,
			Description: pkg.Description,
			Keywords:    pkg.Keywords,
			Author:      domain.PackagePerson{Name: pkg.Author.Name, Email: pkg.Author.Email},
			Publisher:   domain.PackagePerson{Name: pkg.Publisher.Name, Email: pkg.Publisher.Email},
			Date:        pkg.Date,
			Links: domain.PackageLinks{
				NPM:        pkg.Links.NPM,
				Homepage:   pkg.Links.Homepage,
				Repository: pkg.Links.Repository,
				Bugs:       pkg.Links.Bugs,
			},
			Score: object.Score.Final,
			ScoreDetail: domain.ScoreDetail{
				Quality:     object.Score.Detail.Quality,
				Popularity:  object.Score.Detail.Popularity,
				Maintenance: object.Score.Detail.Maintenance,
			},
			SearchScore: object.SearchScore,
		})
	}
	total := envelope.Total
	if total < len(items) {
		total = len(items)
	}
	return Page{Items: items, Total: total}, nil
}

// renderSearchText maps a mode onto the registry's qualifier syntax.
func (c *Client) renderSearchText(query SearchQuery) string {
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return ""
	}
	folded := c.folder.String(text)
	switch query.Mode {
	case domain.SearchModeKeywords:
		return "keywords:" + strings.Join(strings.Fields(folded), ",")
	case domain.SearchModeAuthor:
		return "author:" + folded
	case domain.SearchModeMaintainer:
		return "maintainer:" + folded
	case domain.SearchModeScope:
		return "scope:" + strings.TrimPrefix(folded, "@")
	default:
		// exact, general and discovery all submit the text verbatim; exact
		// relies on registry relevance putting the named package first.
		return folded
	}
}

type manifest struct {
	Version      string            `json:"version"`
	License      licenseField      `json:"license"`
	Deprecated   string            `json:"deprecated"`
	Dependencies map[string]string `json:"dependencies"`
	Dist         struct {
		UnpackedSize int64 `json:"unpackedSize"`
		FileCount    int   `json:"fileCount"`
	} `json:"dist"`
}

// licenseField tolerates both the modern string form and the legacy
// {"type": ...} object form.
type licenseField string

func (l *licenseField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*l = licenseField(value)
		return nil
	}
	var object struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		// Arrays and other legacy shapes are ignored rather than failing
		// the whole manifest decode.
		*l = ""
		return nil
	}
	*l = licenseField(object.Type)
	return nil
}

// Details fetches the latest manifest for one package. A 404 is reported as
// (nil, nil): the package has no detail data, which is not an error.
func (c *Client) Details(ctx context.Context, name string) (*domain.PackageDetails, error) {
	key := strings.TrimSpace(name)
	if key == "" {
		return nil, errors.New("package name is required")
	}

	if c.cache != nil {
		if details, ok := c.cache.Get(ctx, key); ok {
			metrics.DetailsCacheHitsTotal.Inc()
			return details, nil
		}
		metrics.DetailsCacheMissesTotal.Inc()
	}

	// Scoped names keep their slash percent-encoded inside a single path
	// segment, per the registry's routing rules.
	target := c.endpoint + "/" + url.PathEscape(key) + "/latest"

	var m manifest
	err := c.doJSON(ctx, "details", target, &m)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	details := &domain.PackageDetails{
		UnpackedSize:    m.Dist.UnpackedSize,
		FileCount:       m.Dist.FileCount,
		DependencyCount: len(m.Dependencies),
		License:         string(m.License),
		Deprecated:      m.Deprecated,
	}
	if c.cache != nil {
		c.cache.Set(ctx, key, details)
	}
	return details, nil
}

var errNotFound = errors.New("not found")

func (c *Client) doJSON(ctx context.Context, operation, target string, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	startedAt := time.Now()
	err := retryWithBackoff(ctx, defaultRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return errNotFound
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("registry HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
		if err != nil {
			return err
		}
		return json.Unmarshal(payload, dest)
	})

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, errNotFound) {
			status = "not_found"
		}
	}
	metrics.RegistryRequestsTotal.WithLabelValues(operation, status).Inc()
	metrics.RegistryRequestDuration.WithLabelValues(operation).Observe(time.Since(startedAt).Seconds())
	return err
}

func formatWeight(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
