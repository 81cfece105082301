package processor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oschwald/geoip2-golang"

	"github.com/libresiem/libresiem/pkg/models"
)

// Enricher adds derived context to an event. Enrichers are fail-open: an
// error is recorded on the event but never stops the pipeline.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, event *models.Event) error
}

// ipFields are the data fields scanned for enrichable addresses.
var ipFields = []string{"src_ip", "dst_ip", "remote_host", "client_ip"}

func eventIPs(event *models.Event) map[string]string {
	out := make(map[string]string)
	for _, field := range ipFields {
		v, ok := event.Data[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || net.ParseIP(s) == nil {
			continue
		}
		out[field] = s
	}
	return out
}

func setEnriched(event *models.Event, key string, value any) {
	if event.Enriched == nil {
		event.Enriched = make(map[string]any)
	}
	event.Enriched[key] = value
}

// GeoIPEnricher resolves source and destination addresses against a local
// MaxMind database.
type GeoIPEnricher struct {
	db *geoip2.Reader
}

// NewGeoIPEnricher opens the database at path.
func NewGeoIPEnricher(path string) (*GeoIPEnricher, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &GeoIPEnricher{db: db}, nil
}

func (g *GeoIPEnricher) Name() string { return "geoip" }

// Enrich implements Enricher.
func (g *GeoIPEnricher) Enrich(_ context.Context, event *models.Event) error {
	results := make(map[string]any)
	for field, addr := range eventIPs(event) {
		record, err := g.db.City(net.ParseIP(addr))
		if err != nil || record.Country.IsoCode == "" {
			continue
		}
		entry := map[string]any{
			"country": record.Country.IsoCode,
		}
		if city, ok := record.City.Names["en"]; ok && city != "" {
			entry["city"] = city
		}
		if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
			entry["lat"] = record.Location.Latitude
			entry["lon"] = record.Location.Longitude
		}
		results[field] = entry
	}
	if len(results) > 0 {
		setEnriched(event, "geoip", results)
	}
	return nil
}

// Close releases the database handle.
func (g *GeoIPEnricher) Close() error { return g.db.Close() }

// ReverseDNSEnricher resolves addresses to hostnames. Lookups are cached;
// negative results are cached too so unresolvable addresses do not stall
// every event from the same source.
type ReverseDNSEnricher struct {
	resolver *net.Resolver
	cache    *lru.LRU[string, string]
	timeout  time.Duration
}

// NewReverseDNSEnricher creates the enricher with a bounded result cache.
func NewReverseDNSEnricher(cacheSize int, cacheTTL time.Duration) *ReverseDNSEnricher {
	return &ReverseDNSEnricher{
		resolver: net.DefaultResolver,
		cache:    lru.NewLRU[string, string](cacheSize, nil, cacheTTL),
		timeout:  2 * time.Second,
	}
}

func (r *ReverseDNSEnricher) Name() string { return "rdns" }

// Enrich implements Enricher.
func (r *ReverseDNSEnricher) Enrich(ctx context.Context, event *models.Event) error {
	results := make(map[string]any)
	for field, addr := range eventIPs(event) {
		name, ok := r.cache.Get(addr)
		if !ok {
			name = r.lookup(ctx, addr)
			r.cache.Add(addr, name)
		}
		if name != "" {
			results[field] = name
		}
	}
	if len(results) > 0 {
		setEnriched(event, "rdns", results)
	}
	return nil
}

func (r *ReverseDNSEnricher) lookup(ctx context.Context, addr string) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	names, err := r.resolver.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// ThreatIntelEnricher flags events whose addresses appear on a local
// indicator list, one address per line, '#' comments allowed.
type ThreatIntelEnricher struct {
	indicators map[string]struct{}
}

// NewThreatIntelEnricher loads the indicator file at path.
func NewThreatIntelEnricher(path string) (*ThreatIntelEnricher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening threat indicator list: %w", err)
	}
	defer f.Close()

	indicators := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		indicators[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading threat indicator list: %w", err)
	}
	return &ThreatIntelEnricher{indicators: indicators}, nil
}

// NewThreatIntelEnricherFromList builds the enricher from addresses already
// in memory. Used by tests.
func NewThreatIntelEnricherFromList(addrs []string) *ThreatIntelEnricher {
	indicators := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		indicators[a] = struct{}{}
	}
	return &ThreatIntelEnricher{indicators: indicators}
}

func (t *ThreatIntelEnricher) Name() string { return "threat_intel" }

// Enrich implements Enricher.
func (t *ThreatIntelEnricher) Enrich(_ context.Context, event *models.Event) error {
	var hits []string
	for field, addr := range eventIPs(event) {
		if _, ok := t.indicators[addr]; ok {
			hits = append(hits, field)
		}
	}
	if len(hits) > 0 {
		setEnriched(event, "threat_intel", map[string]any{
			"matched": true,
			"fields":  hits,
		})
	}
	return nil
}
