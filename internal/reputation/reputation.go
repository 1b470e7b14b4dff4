// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reputation scores source IPs for the decision engine. The
// chain is: static known-bad list, then non-routable check, then GeoIP
// country risk, then unknown. Both data sources are optional.
package reputation

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/logging"
)

// Reputation scores emitted by the default chain.
const (
	ScoreKnownBad        = 1.0
	ScoreHighRiskCountry = 0.8
	ScoreUnknown         = 0.5
	ScoreNonRoutable     = 0.0
)

const maxCacheEntries = 65536

// Provider resolves an IP to a reputation score in [0,1].
type Provider interface {
	Lookup(ctx context.Context, ip string) float64
	Close() error
}

// Config selects the optional data sources.
type Config struct {
	// ListPath points at a known-bad list: one IP or CIDR per line,
	// '#' comments allowed. Empty disables the list.
	ListPath string
	// GeoIPPath points at a MaxMind country mmdb. Empty disables GeoIP.
	GeoIPPath string
	// HighRiskCountries are upper-case ISO codes scored 0.8. Only
	// consulted when GeoIPPath is set.
	HighRiskCountries []string
	// CacheTTL bounds how long a score is reused. Zero disables caching.
	CacheTTL time.Duration
}

type cacheEntry struct {
	score   float64
	expires time.Time
}

// Service is the default Provider implementation.
type Service struct {
	exact  map[string]struct{}
	nets   []*net.IPNet
	db     *geoip2.Reader
	risky  map[string]struct{}
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds the provider. A configured but unreadable list or
// database is a configuration error; empty paths are fine.
func New(cfg Config, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		exact:  make(map[string]struct{}),
		risky:  make(map[string]struct{}),
		ttl:    cfg.CacheTTL,
		logger: logger.With("component", "reputation"),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
	for _, c := range cfg.HighRiskCountries {
		s.risky[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	if cfg.ListPath != "" {
		if err := s.loadList(cfg.ListPath); err != nil {
			return nil, err
		}
	}
	if cfg.GeoIPPath != "" {
		db, err := geoip2.Open(cfg.GeoIPPath)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "open geoip database %s", cfg.GeoIPPath)
		}
		s.db = db
	}

	s.logger.Info("reputation provider ready",
		"list_entries", len(s.exact), "list_networks", len(s.nets),
		"geoip", s.db != nil, "high_risk_countries", len(s.risky))
	return s, nil
}

func (s *Service) loadList(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "open reputation list %s", path)
	}
	defer f.Close()

	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "/") {
			_, ipnet, err := net.ParseCIDR(line)
			if err != nil {
				return errors.Wrapf(err, errors.KindConfig,
					"reputation list %s line %d", path, lineNo)
			}
			s.nets = append(s.nets, ipnet)
			continue
		}
		ip := net.ParseIP(line)
		if ip == nil {
			return errors.Errorf(errors.KindConfig,
				"reputation list %s line %d: invalid address %q", path, lineNo, line)
		}
		s.exact[ip.String()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, errors.KindConfig, "read reputation list %s", path)
	}
	return nil
}

// Lookup scores one IP. Malformed input scores unknown. Never blocks
// on anything but the in-process cache lock; ctx is accepted to keep
// the interface ready for remote providers.
func (s *Service) Lookup(_ context.Context, raw string) float64 {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return ScoreUnknown
	}
	key := ip.String()

	if s.ttl > 0 {
		s.mu.RLock()
		e, ok := s.cache[key]
		s.mu.RUnlock()
		if ok && s.now().Before(e.expires) {
			return e.score
		}
	}

	score := s.resolve(ip, key)

	if s.ttl > 0 {
		s.mu.Lock()
		if len(s.cache) >= maxCacheEntries {
			// Coarse reset keeps the cache bounded.
			s.cache = make(map[string]cacheEntry)
		}
		s.cache[key] = cacheEntry{score: score, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return score
}

func (s *Service) resolve(ip net.IP, key string) float64 {
	// An operator-listed address is bad even if it is private; a
	// compromised internal host still belongs on the list.
	if _, bad := s.exact[key]; bad {
		return ScoreKnownBad
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return ScoreKnownBad
		}
	}
	if isNonRoutable(ip) {
		return ScoreNonRoutable
	}
	if s.db != nil && len(s.risky) > 0 {
		if rec, err := s.db.Country(ip); err == nil {
			if _, hit := s.risky[rec.Country.IsoCode]; hit {
				return ScoreHighRiskCountry
			}
		}
	}
	return ScoreUnknown
}

// Close releases the GeoIP handle.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// isNonRoutable reports loopback, RFC 1918/ULA, link-local, multicast
// and the reserved v4 blocks (0/8, 240/4, broadcast).
func isNonRoutable(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		if v4[0] == 0 || v4[0] >= 240 {
			return true
		}
	}
	return false
}
