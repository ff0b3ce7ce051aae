package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignatij/leappflow/internal/retry"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/ignatij/leappflow/pkg/storage"
	"github.com/opensearch-project/opensearch-go"
	"github.com/opensearch-project/opensearch-go/opensearchapi"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the stores.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type OpenSearchOptions struct {
	URL         string
	Index       string
	Username    string
	Password    string
	QuerySize   int
	InsecureTLS bool
	Retry       retry.Policy
}

// OpenSearchStore keeps workflow documents in a single index.
type OpenSearchStore struct {
	client    *opensearch.Client
	index     string
	querySize int
	retry     retry.Policy
	logger    Logger
}

func NewOpenSearchStore(opts OpenSearchOptions, logger Logger) (*OpenSearchStore, error) {
	cfg := opensearch.Config{
		Addresses: []string{opts.URL},
		Username:  opts.Username,
		Password:  opts.Password,
	}
	if opts.InsecureTLS {
		cfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client, err := opensearch.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create opensearch client")
	}
	if opts.QuerySize <= 0 {
		opts.QuerySize = 10000
	}
	return &OpenSearchStore{client: client, index: opts.Index, querySize: opts.QuerySize, retry: opts.Retry, logger: logger}, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string                 `json:"_id"`
			Source map[string]interface{} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *OpenSearchStore) search(ctx context.Context, query map[string]interface{}) (*searchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "encode search query")
	}
	var result *searchResponse
	err = retry.Do(ctx, s.retry, s.notify("search"), func() error {
		res, err := s.client.Search(
			s.client.Search.WithContext(ctx),
			s.client.Search.WithIndex(s.index),
			s.client.Search.WithBody(bytes.NewReader(body)),
		)
		if err != nil {
			return errors.Wrap(err, "search")
		}
		defer res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			result = &searchResponse{}
			return nil
		}
		if res.IsError() {
			err := errors.Errorf("search %s: %s", s.index, res.String())
			if res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
				return retry.Permanent(err)
			}
			return err
		}
		decoded := &searchResponse{}
		if err := json.NewDecoder(res.Body).Decode(decoded); err != nil {
			return retry.Permanent(errors.Wrap(err, "decode search response"))
		}
		result = decoded
		return nil
	})
	return result, err
}

func (s *OpenSearchStore) FindLastProcessedTime(ctx context.Context, region string) (time.Time, error) {
	res, err := s.search(ctx, map[string]interface{}{
		"size":    1,
		"_source": []string{"finished"},
		"query":   regionQuery(region),
		"sort":    []interface{}{map[string]interface{}{"finished": map[string]string{"order": "desc"}}},
	})
	if err != nil {
		return time.Time{}, err
	}
	for _, hit := range res.Hits.Hits {
		if t, ok := sourceTime(hit.Source["finished"]); ok {
			return t, nil
		}
	}
	return time.Time{}, storage.ErrNotFound
}

func (s *OpenSearchStore) FindOldestInProgress(ctx context.Context, region string) (*time.Time, error) {
	res, err := s.search(ctx, map[string]interface{}{
		"size":    1,
		"_source": []string{"started"},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{"match": map[string]string{"region": region}},
					map[string]interface{}{"match": map[string]string{"workflow_status": string(models.InProgressWorkflowStatus)}},
				},
			},
		},
		"sort": []interface{}{map[string]interface{}{"started": map[string]string{"order": "asc"}}},
	})
	if err != nil {
		return nil, err
	}
	for _, hit := range res.Hits.Hits {
		if t, ok := sourceTime(hit.Source["started"]); ok {
			return &t, nil
		}
	}
	return nil, nil
}

func (s *OpenSearchStore) FindExistingIDs(ctx context.Context, region string, since time.Time, window time.Duration) (models.IDSet, error) {
	res, err := s.search(ctx, map[string]interface{}{
		"size":    s.querySize,
		"_source": []string{"id"},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{"match": map[string]string{"region": region}},
					map[string]interface{}{"range": map[string]interface{}{
						"finished": map[string]string{
							"gte": since.UTC().Format(time.RFC3339Nano),
							"lte": since.Add(window).UTC().Format(time.RFC3339Nano),
						},
					}},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	ids := models.NewIDSet()
	for _, hit := range res.Hits.Hits {
		if id, ok := hit.Source["id"].(string); ok && id != "" {
			ids.Add(id)
		} else if hit.ID != "" {
			ids.Add(hit.ID)
		}
	}
	return ids, nil
}

// FindFailureDetail fetches the job ids and failed tasks of the given
// workflows with an ids query.
func (s *OpenSearchStore) FindFailureDetail(ctx context.Context, ids []string) (map[string]models.Document, error) {
	out := map[string]models.Document{}
	if len(ids) == 0 {
		return out, nil
	}
	res, err := s.search(ctx, map[string]interface{}{
		"size":    len(ids),
		"_source": []string{"id", "jobs.id", "jobs.failed_tasks"},
		"query":   map[string]interface{}{"ids": map[string]interface{}{"values": ids}},
	})
	if err != nil {
		return nil, err
	}
	for _, hit := range res.Hits.Hits {
		id := hit.ID
		if sid, ok := hit.Source["id"].(string); ok && sid != "" {
			id = sid
		}
		out[id] = models.Document(hit.Source)
	}
	return out, nil
}

type bulkResponse struct {
	Errors bool                                 `json:"errors"`
	Items  []map[string]bulkResponseItemOutcome `json:"items"`
}

type bulkResponseItemOutcome struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// BulkUpsert writes inserts as index operations and updates as partial
// updates with doc_as_upsert. Rejected items are reported, not retried.
func (s *OpenSearchStore) BulkUpsert(ctx context.Context, actions []models.Action) (storage.BulkResult, error) {
	result := storage.BulkResult{}
	if len(actions) == 0 {
		return result, nil
	}
	body, err := bulkBody(s.index, actions)
	if err != nil {
		return result, err
	}

	var decoded bulkResponse
	err = retry.Do(ctx, s.retry, s.notify("bulk"), func() error {
		req := opensearchapi.BulkRequest{Body: bytes.NewReader(body)}
		res, err := req.Do(ctx, s.client)
		if err != nil {
			return errors.Wrap(err, "bulk")
		}
		defer res.Body.Close()
		if res.IsError() {
			err := errors.Errorf("bulk %s: %s", s.index, res.String())
			if res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
				return retry.Permanent(err)
			}
			return err
		}
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return errors.Wrap(err, "read bulk response")
		}
		decoded = bulkResponse{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return retry.Permanent(errors.Wrap(err, "decode bulk response"))
		}
		return nil
	})
	if err != nil {
		return result, errors.Wrap(err, "bulk upsert")
	}

	for _, item := range decoded.Items {
		for _, outcome := range item {
			if outcome.Status >= 300 {
				reason := ""
				if outcome.Error != nil {
					reason = outcome.Error.Type + ": " + outcome.Error.Reason
				}
				result.Failed++
				result.Errors = append(result.Errors, storage.BulkItemError{ID: outcome.ID, Status: outcome.Status, Reason: reason})
				s.logger.Errorf("Bulk item %s rejected with status %d: %s", outcome.ID, outcome.Status, reason)
				continue
			}
			result.Succeeded++
		}
	}
	return result, nil
}

func bulkBody(index string, actions []models.Action) ([]byte, error) {
	var buf bytes.Buffer
	for _, action := range actions {
		var meta, doc interface{}
		switch action.Op {
		case models.InsertOp:
			meta = map[string]interface{}{"index": map[string]string{"_index": index, "_id": action.ID}}
			doc = action.Doc
		case models.UpdateOp:
			meta = map[string]interface{}{"update": map[string]string{"_index": index, "_id": action.ID}}
			doc = map[string]interface{}{"doc": action.Doc, "doc_as_upsert": true}
		default:
			return nil, errors.Errorf("unknown bulk operation %q for %s", action.Op, action.ID)
		}
		for _, line := range []interface{}{meta, doc} {
			data, err := json.Marshal(line)
			if err != nil {
				return nil, errors.Wrapf(err, "encode bulk line for %s", action.ID)
			}
			buf.Write(data)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

func (s *OpenSearchStore) notify(op string) retry.Notify {
	return func(err error, wait time.Duration) {
		s.logger.Warnf("OpenSearch %s failed, retrying in %s: %v", op, wait, err)
	}
}

func regionQuery(region string) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"must": []interface{}{
				map[string]interface{}{"match": map[string]string{"region": region}},
			},
		},
	}
}

func sourceTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}
