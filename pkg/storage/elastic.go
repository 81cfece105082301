package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/libresiem/libresiem/pkg/config"
	"github.com/libresiem/libresiem/pkg/models"
)

const (
	defaultSearchSize = 100
	maxSearchSize     = 1000

	ilmPolicyName = "libresiem-logs"
)

// ElasticStore implements Store on Elasticsearch. Events land in monthly
// indices named <prefix>-YYYY.MM, created on demand from an index template.
type ElasticStore struct {
	client *elasticsearch.Client
	prefix string
	logger *slog.Logger
}

// NewElasticStore connects to the cluster described by cfg.
func NewElasticStore(cfg config.ElasticsearchSettings) (*ElasticStore, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Hosts,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if !cfg.SSLVerify {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	return &ElasticStore{
		client: client,
		prefix: cfg.IndexPrefix,
		logger: slog.Default().With("component", "storage"),
	}, nil
}

// Setup installs the ILM policy and index template. Safe to call on every
// startup; both calls are upserts.
func (s *ElasticStore) Setup(ctx context.Context) error {
	if err := s.putLifecycle(ctx); err != nil {
		return err
	}
	if err := s.putTemplate(ctx); err != nil {
		return err
	}
	s.logger.Info("Index template and lifecycle policy installed", "prefix", s.prefix)
	return nil
}

// Put implements Store. The event ID is the document ID, so replays
// overwrite instead of duplicating.
func (s *ElasticStore) Put(ctx context.Context, event *models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.ID, err)
	}

	index := IndexFor(s.prefix, event.Timestamp)
	res, err := s.client.Index(index, bytes.NewReader(body),
		s.client.Index.WithDocumentID(event.ID),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("indexing event %s: %w", event.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("indexing event %s: %s", event.ID, responseError(res.Body))
	}
	return nil
}

// Search implements Store.
func (s *ElasticStore) Search(ctx context.Context, q Query) (*SearchResult, error) {
	size := q.Size
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}

	body, err := json.Marshal(buildQuery(q))
	if err != nil {
		return nil, fmt.Errorf("encoding search query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.prefix+"-*"),
		s.client.Search.WithBody(bytes.NewReader(body)),
		s.client.Search.WithSize(size),
		s.client.Search.WithFrom(q.Offset),
		s.client.Search.WithSort("timestamp:desc"),
		s.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("searching events: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("searching events: %s", responseError(res.Body))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	result := &SearchResult{Total: parsed.Hits.Total.Value}
	for i := range parsed.Hits.Hits {
		e := parsed.Hits.Hits[i].Source
		result.Events = append(result.Events, &e)
	}
	return result, nil
}

// Healthy implements Store.
func (s *ElasticStore) Healthy(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("pinging elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}

// buildQuery translates a Query into an Elasticsearch bool query.
func buildQuery(q Query) map[string]any {
	var filters []map[string]any

	term := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]any{
				"term": map[string]any{field: value},
			})
		}
	}
	term("source", q.Source)
	term("event_type", q.EventType)
	term("severity", q.Severity)
	term("vendor", q.Vendor)
	for field, value := range q.Match {
		term(field, value)
	}

	if !q.From.IsZero() || !q.To.IsZero() {
		rng := map[string]any{}
		if !q.From.IsZero() {
			rng["gte"] = q.From.UTC()
		}
		if !q.To.IsZero() {
			rng["lte"] = q.To.UTC()
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"timestamp": rng},
		})
	}

	if len(filters) == 0 {
		return map[string]any{"query": map[string]any{"match_all": map[string]any{}}}
	}
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
	}
}

func (s *ElasticStore) putLifecycle(ctx context.Context) error {
	res, err := s.client.ILM.PutLifecycle(ilmPolicyName,
		s.client.ILM.PutLifecycle.WithBody(strings.NewReader(lifecyclePolicy)),
		s.client.ILM.PutLifecycle.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("installing lifecycle policy: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("installing lifecycle policy: %s", responseError(res.Body))
	}
	return nil
}

func (s *ElasticStore) putTemplate(ctx context.Context) error {
	body := fmt.Sprintf(indexTemplate, s.prefix, ilmPolicyName)
	res, err := s.client.Indices.PutIndexTemplate(s.prefix, strings.NewReader(body),
		s.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("installing index template: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("installing index template: %s", responseError(res.Body))
	}
	return nil
}

func responseError(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 2048))
	if err != nil || len(raw) == 0 {
		return "unknown error"
	}
	return string(raw)
}

// lifecyclePolicy moves indices to warm after 30 days, cold after 90, and
// deletes them after a year.
const lifecyclePolicy = `{
  "policy": {
    "phases": {
      "hot": {
        "min_age": "0ms",
        "actions": {
          "set_priority": {"priority": 100}
        }
      },
      "warm": {
        "min_age": "30d",
        "actions": {
          "shrink": {"number_of_shards": 1},
          "forcemerge": {"max_num_segments": 1},
          "set_priority": {"priority": 50}
        }
      },
      "cold": {
        "min_age": "90d",
        "actions": {
          "freeze": {},
          "set_priority": {"priority": 0}
        }
      },
      "delete": {
        "min_age": "365d",
        "actions": {
          "delete": {}
        }
      }
    }
  }
}`

// indexTemplate mappings keep identity fields as keywords for exact-match
// filters while data and enrichment stay dynamic.
const indexTemplate = `{
  "index_patterns": ["%s-*"],
  "template": {
    "settings": {
      "number_of_shards": 1,
      "number_of_replicas": 1,
      "index.lifecycle.name": "%s"
    },
    "mappings": {
      "properties": {
        "id":         {"type": "keyword"},
        "source":     {"type": "keyword"},
        "event_type": {"type": "keyword"},
        "vendor":     {"type": "keyword"},
        "severity":   {"type": "keyword"},
        "timestamp":  {"type": "date"},
        "data":       {"type": "object", "dynamic": true},
        "enriched":   {"type": "object", "dynamic": true}
      }
    }
  }
}`
