package writer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/SteelMorgan/timeline-indexer/internal/domain"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
)

// Entry is a serialized document with its content-derived id
type Entry struct {
	ID        string
	Timestamp timestamp.Instant
	Content   json.RawMessage
}

// NewEntry serializes doc into its canonical form and derives the id from it
func NewEntry(doc *domain.Document) (Entry, error) {
	if doc == nil {
		return Entry{}, fmt.Errorf("%w: nil document", ErrSerialization)
	}

	content, err := json.Marshal(doc)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return Entry{
		ID:        DocumentID(content),
		Timestamp: doc.Timestamp,
		Content:   content,
	}, nil
}

// DocumentID calculates the SHA-256 of content encoded as unpadded base64url.
// Identical content always yields the same id, which makes create-only
// re-ingestion idempotent.
func DocumentID(content []byte) string {
	sum := sha256.Sum256(content)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
