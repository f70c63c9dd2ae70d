package semantic

import "time"

// VectorRecord is a single chunk embedding to store in Qdrant.
type VectorRecord struct {
	ID         string
	Embedding  []float32
	Text       string
	DocID      string
	DocVersion int64
	Ticker     string
	Source     string
	ChunkIndex int
	InsertedAt time.Time
}

// SearchResult is a single similarity hit from the durable tier.
type SearchResult struct {
	ID         string    `json:"id"`
	Score      float32   `json:"score"`
	Text       string    `json:"text"`
	DocID      string    `json:"doc_id"`
	DocVersion int64     `json:"doc_version"`
	Ticker     string    `json:"ticker"`
	Source     string    `json:"source"`
	InsertedAt time.Time `json:"inserted_at"`
}

// SearchFilter narrows a similarity search. Zero values mean "no constraint".
type SearchFilter struct {
	Tickers []string
	Since   time.Time
	Until   time.Time
}
