package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/leappflow/pkg/models"
	"github.com/pkg/errors"
)

// mockRunStore implements RunStore in memory. It backs the service when no
// database is configured, and the tests.
type mockRunStore struct {
	mu     *sync.Mutex
	runs   *[]models.IngestionRun
	nextID *int64
	inTx   bool
	done   bool
}

func NewMockRunStore() RunStore {
	var runs []models.IngestionRun
	var next int64
	return &mockRunStore{mu: &sync.Mutex{}, runs: &runs, nextID: &next}
}

func (m *mockRunStore) Begin() (RunStore, error) {
	return &mockRunStore{mu: m.mu, runs: m.runs, nextID: m.nextID, inTx: true}, nil
}

func (m *mockRunStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already committed")
	}
	m.done = true
	return nil
}

func (m *mockRunStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	m.done = true
	return nil
}

func (m *mockRunStore) Close() error {
	return nil
}

func (m *mockRunStore) SaveRun(run models.IngestionRun) (int64, error) {
	if m.done {
		return 0, errors.New("transaction already committed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.nextID++
	run.ID = *m.nextID
	*m.runs = append(*m.runs, run)
	return run.ID, nil
}

func (m *mockRunStore) GetRun(id int64) (models.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range *m.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return models.IngestionRun{}, ErrNotFound
}

func (m *mockRunStore) ListRuns(region string, limit int) ([]models.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := []models.IngestionRun{}
	for i := len(*m.runs) - 1; i >= 0; i-- {
		run := (*m.runs)[i]
		if region != "" && run.Region != region {
			continue
		}
		runs = append(runs, run)
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	return runs, nil
}

func (m *mockRunStore) LastRun(region string) (models.IngestionRun, error) {
	runs, err := m.ListRuns(region, 1)
	if err != nil {
		return models.IngestionRun{}, err
	}
	if len(runs) == 0 {
		return models.IngestionRun{}, ErrNotFound
	}
	return runs[0], nil
}

// MockDocumentStore implements DocumentStore over an in-memory index keyed
// by document id.
type MockDocumentStore struct {
	mu   sync.Mutex
	docs map[string]models.Document

	// BulkCalls counts BulkUpsert invocations.
	BulkCalls int
	// DetailCalls counts FindFailureDetail invocations.
	DetailCalls int
	// Reject makes BulkUpsert fail the listed ids.
	Reject map[string]bool
	// Err, when set, is returned by every operation.
	Err error
}

func NewMockDocumentStore(docs ...models.Document) *MockDocumentStore {
	m := &MockDocumentStore{docs: map[string]models.Document{}, Reject: map[string]bool{}}
	for _, doc := range docs {
		if id, ok := doc["id"].(string); ok {
			m.docs[id] = doc
		}
	}
	return m
}

func (m *MockDocumentStore) Get(id string) (models.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

func (m *MockDocumentStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *MockDocumentStore) FindLastProcessedTime(_ context.Context, region string) (time.Time, error) {
	if m.Err != nil {
		return time.Time{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, doc := range m.regionDocs(region) {
		if t, ok := docTime(doc["finished"]); ok && (latest == nil || t.After(*latest)) {
			latest = &t
		}
	}
	if latest == nil {
		return time.Time{}, ErrNotFound
	}
	return *latest, nil
}

func (m *MockDocumentStore) FindOldestInProgress(_ context.Context, region string) (*time.Time, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *time.Time
	for _, doc := range m.regionDocs(region) {
		if doc["workflow_status"] != string(models.InProgressWorkflowStatus) {
			continue
		}
		if t, ok := docTime(doc["started"]); ok && (oldest == nil || t.Before(*oldest)) {
			oldest = &t
		}
	}
	return oldest, nil
}

func (m *MockDocumentStore) FindExistingIDs(_ context.Context, region string, since time.Time, window time.Duration) (models.IDSet, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	until := since.Add(window)
	ids := models.NewIDSet()
	for id, doc := range m.regionDocs(region) {
		t, ok := docTime(doc["finished"])
		if ok && !t.Before(since) && !t.After(until) {
			ids.Add(id)
		}
	}
	return ids, nil
}

func (m *MockDocumentStore) FindFailureDetail(_ context.Context, ids []string) (map[string]models.Document, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DetailCalls++
	out := map[string]models.Document{}
	for _, id := range ids {
		if doc, ok := m.docs[id]; ok {
			out[id] = models.Document{"id": id, "jobs": doc["jobs"]}
		}
	}
	return out, nil
}

func (m *MockDocumentStore) BulkUpsert(_ context.Context, actions []models.Action) (BulkResult, error) {
	if m.Err != nil {
		return BulkResult{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BulkCalls++
	result := BulkResult{}
	for _, action := range actions {
		if m.Reject[action.ID] {
			result.Failed++
			result.Errors = append(result.Errors, BulkItemError{ID: action.ID, Status: 400, Reason: "rejected"})
			continue
		}
		doc := models.Document{}
		if existing, ok := m.docs[action.ID]; ok && action.Op == models.UpdateOp {
			for k, v := range existing {
				doc[k] = v
			}
		}
		for k, v := range action.Doc {
			doc[k] = v
		}
		m.docs[action.ID] = doc
		result.Succeeded++
	}
	return result, nil
}

func (m *MockDocumentStore) regionDocs(region string) map[string]models.Document {
	out := map[string]models.Document{}
	for id, doc := range m.docs {
		if doc["region"] == region {
			out[id] = doc
		}
	}
	return out
}

// IDs returns the stored ids in sorted order.
func (m *MockDocumentStore) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func docTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
