package timeline

import (
	"fmt"
	"time"

	"github.com/SteelMorgan/timeline-indexer/internal/domain"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/rs/zerolog/log"
)

// FieldError reports a timestamp field that could not be normalized.
// The field is dropped; documents for the other fields are still produced.
type FieldError struct {
	Field domain.TimestampField
	Raw   int64
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("failed to normalize %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Result is one outcome of a decomposition: a document or an error
type Result struct {
	Document *domain.Document
	Err      error
}

// Decomposer splits timeline records into one document per distinct instant
type Decomposer struct {
	defaultZone *time.Location
	zones       *timestamp.ZoneCache
}

// NewDecomposer creates a decomposer. Records without their own timezone are
// interpreted in defaultZone; zones resolves per-record timezone names.
func NewDecomposer(defaultZone *time.Location, zones *timestamp.ZoneCache) *Decomposer {
	if defaultZone == nil {
		defaultZone = time.UTC
	}
	return &Decomposer{
		defaultZone: defaultZone,
		zones:       zones,
	}
}

// Decompose converts raw into documents. The order of results is not significant.
// A record without any timestamp yields no results.
func (d *Decomposer) Decompose(raw domain.RawRecord) []Result {
	loc, err := d.zoneFor(raw.Timezone)
	if err != nil {
		return []Result{{Err: err}}
	}

	rec, fieldErrs := Normalize(raw, loc)

	results := make([]Result, 0, len(domain.TimestampFields))
	for _, fieldErr := range fieldErrs {
		log.Debug().
			Err(fieldErr).
			Str("name", raw.Name).
			Str("inode", raw.Inode).
			Str("zone", loc.String()).
			Msg("Dropping timestamp field")
		results = append(results, Result{Err: fieldErr})
	}

	for _, doc := range DecomposeRecord(rec) {
		doc := doc
		results = append(results, Result{Document: &doc})
	}

	return results
}

func (d *Decomposer) zoneFor(name string) (*time.Location, error) {
	if name == "" {
		return d.defaultZone, nil
	}
	if d.zones == nil {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
		}
		return loc, nil
	}
	return d.zones.LoadZone(name)
}

// Normalize converts the raw timestamps of raw into instants in loc.
// Absent timestamps stay nil; fields that fail to convert are left nil and
// reported as *FieldError.
func Normalize(raw domain.RawRecord, loc *time.Location) (domain.FileRecord, []error) {
	rec := domain.FileRecord{
		Name:  raw.Name,
		Inode: raw.Inode,
		UID:   raw.UID,
		GID:   raw.GID,
		Size:  raw.Size,
	}

	var errs []error
	for _, field := range domain.TimestampFields {
		value := raw.Timestamp(field)
		if value == timestamp.AbsentTimestamp {
			continue
		}

		instant, err := timestamp.Normalize(value, loc)
		if err != nil {
			errs = append(errs, &FieldError{Field: field, Raw: value, Err: err})
			continue
		}
		rec.SetTimestamp(field, &instant)
	}

	return rec, errs
}

// DecomposeRecord builds one document per distinct instant of rec.
// Fields sharing an instant collapse into a single document.
func DecomposeRecord(rec domain.FileRecord) []domain.Document {
	seen := make(map[timestamp.Instant]struct{}, len(domain.TimestampFields))
	docs := make([]domain.Document, 0, len(domain.TimestampFields))

	for _, field := range domain.TimestampFields {
		instant := rec.Timestamp(field)
		if instant == nil {
			continue
		}
		if _, ok := seen[*instant]; ok {
			continue
		}
		seen[*instant] = struct{}{}

		docs = append(docs, domain.Document{
			Timestamp: *instant,
			File:      domain.NewFileAttributes(&rec),
		})
	}

	return docs
}
