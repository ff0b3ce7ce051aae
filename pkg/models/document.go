package models

// Document is a persisted record body, built by allow-list projection.
type Document map[string]interface{}

type OpType string

const (
	InsertOp OpType = "insert"
	UpdateOp OpType = "update"
)

// Action is one upsert sent to the document store.
type Action struct {
	Op  OpType   `json:"op"`
	ID  string   `json:"id"`
	Doc Document `json:"doc"`
}

// IDSet holds workflow ids already present in the store.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}
