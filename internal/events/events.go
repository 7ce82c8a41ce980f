// Package events builds the two federation event kinds and their
// content-derived identifiers. Identifiers and integrity hashes share the
// same 256-bit hash so ids stay usable as dedup keys across peers.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"federator/internal/canonical"
	"federator/internal/domain"
)

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeText strips trailing whitespace per line and outer blank lines so
// hashing and transmission are stable across copy/paste variants.
func NormalizeText(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// DocumentID derives the content-addressed id for a document: identical text
// from the same logical source always yields the same id.
func DocumentID(text, source string) string {
	return SHA256Hex([]byte(source + "\n" + text))
}

// VirtualDocIDForSummary derives a doc id for a summary sent without its
// source document. The prefix keeps it out of the real document id space.
func VirtualDocIDForSummary(summaryText, source string) string {
	return SHA256Hex([]byte("summary-only:" + source + "\n" + summaryText))
}

func nowTS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewDocumentEvent builds a DocumentAdded event for text from source.
func NewDocumentEvent(originNode, docID, text, source string) domain.Event {
	t := nowTS()
	return domain.Event{
		EventID:    uuid.NewString(),
		EventType:  domain.EventDocumentAdded,
		OriginNode: originNode,
		CreatedAt:  t,
		Payload: map[string]any{
			"doc_id":     docID,
			"source":     source,
			"text":       text,
			"text_hash":  SHA256Hex([]byte(text)),
			"created_at": t,
		},
	}
}

// NewSummaryEvent builds an ArtifactUpserted event carrying a summary of the
// document identified by docID. inputHash is the hash of the summarized text.
func NewSummaryEvent(originNode, docID, inputHash, summaryText, modelID, promptVersion string) (domain.Event, error) {
	t := nowTS()
	payloadJSON := map[string]any{
		"text":            summaryText,
		"input_text_hash": inputHash,
		"prompt_version":  promptVersion,
	}
	blob, err := canonical.Marshal(payloadJSON)
	if err != nil {
		return domain.Event{}, fmt.Errorf("hash summary payload: %w", err)
	}
	return domain.Event{
		EventID:    uuid.NewString(),
		EventType:  domain.EventArtifactUpserted,
		OriginNode: originNode,
		CreatedAt:  t,
		Payload: map[string]any{
			"artifact_id":  uuid.NewString(),
			"doc_id":       docID,
			"kind":         "summary",
			"payload_json": payloadJSON,
			"payload_hash": SHA256Hex(blob),
			"model_id":     modelID,
			"created_at":   t,
		},
	}, nil
}
