package coaching

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OrgConfigService fetches organization configuration (stage taxonomy,
// coaching weights, knowledge snippets) by organization id
type OrgConfigService interface {
	Fetch(ctx context.Context, orgID string) (*OrgConfig, error)
}

// cachedOrgConfig is one cache entry
type cachedOrgConfig struct {
	config    *OrgConfig
	fetchedAt time.Time
}

// HTTPOrgConfigService fetches org configuration over HTTP and caches it.
// The same org's config is requested once and reused for the duration of its
// calls; failures fall back to the built-in defaults so coaching keeps
// working while the config service is down.
type HTTPOrgConfigService struct {
	logger     *logrus.Logger
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]cachedOrgConfig
}

// NewHTTPOrgConfigService creates an HTTP-backed org config service
func NewHTTPOrgConfigService(logger *logrus.Logger, baseURL string, ttl time.Duration) *HTTPOrgConfigService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HTTPOrgConfigService{
		logger:     logger,
		baseURL:    baseURL,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      make(map[string]cachedOrgConfig),
	}
}

// Fetch returns the organization's configuration, serving from cache when
// fresh. It never returns a nil config: on any failure the defaults apply.
func (s *HTTPOrgConfigService) Fetch(ctx context.Context, orgID string) (*OrgConfig, error) {
	if orgID == "" || s.baseURL == "" {
		return DefaultOrgConfig(), nil
	}

	s.mu.RLock()
	entry, ok := s.cache[orgID]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < s.ttl {
		return entry.config, nil
	}

	cfg, err := s.fetch(ctx, orgID)
	if err != nil {
		s.logger.WithError(err).WithField("org_id", orgID).Warn("Org config fetch failed, using defaults")
		if ok {
			// Stale beats default when we have it
			return entry.config, nil
		}
		return DefaultOrgConfig(), nil
	}

	s.mu.Lock()
	s.cache[orgID] = cachedOrgConfig{config: cfg, fetchedAt: time.Now()}
	s.mu.Unlock()

	return cfg, nil
}

func (s *HTTPOrgConfigService) fetch(ctx context.Context, orgID string) (*OrgConfig, error) {
	url := fmt.Sprintf("%s/organizations/%s/coaching-config", s.baseURL, orgID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("org config service returned status %d", resp.StatusCode)
	}

	var cfg OrgConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}

	return &cfg, nil
}

// StaticOrgConfigService serves a fixed configuration; used in tests and for
// single-tenant deployments
type StaticOrgConfigService struct {
	Config *OrgConfig
}

// Fetch implements OrgConfigService
func (s *StaticOrgConfigService) Fetch(ctx context.Context, orgID string) (*OrgConfig, error) {
	if s.Config == nil {
		return DefaultOrgConfig(), nil
	}
	return s.Config, nil
}
