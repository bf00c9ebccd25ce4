package domain

import "github.com/SteelMorgan/timeline-indexer/internal/timestamp"

// TimestampField identifies one of the four filesystem event timestamps
type TimestampField string

const (
	FieldModified TimestampField = "mtime"
	FieldAccessed TimestampField = "atime"
	FieldChanged  TimestampField = "ctime"
	FieldCreated  TimestampField = "crtime"
)

// TimestampFields lists the timestamp fields in decomposition order
var TimestampFields = []TimestampField{FieldModified, FieldAccessed, FieldChanged, FieldCreated}

// RawRecord is one already-parsed timeline line as handed over by the parser.
// Timestamps are local wall-clock seconds; timestamp.AbsentTimestamp means "no event".
type RawRecord struct {
	Name     string `json:"name"`
	Inode    string `json:"inode"` // may encode inode-type-id addressing, e.g. "128-16-3"
	UID      uint64 `json:"uid"`
	GID      uint64 `json:"gid"`
	Size     uint64 `json:"size"`
	MTime    int64  `json:"mtime"`
	ATime    int64  `json:"atime"`
	CTime    int64  `json:"ctime"`
	CRTime   int64  `json:"crtime"`
	Timezone string `json:"timezone,omitempty"` // IANA zone the timestamps were recorded in
}

// Timestamp returns the raw value of field
func (r *RawRecord) Timestamp(field TimestampField) int64 {
	switch field {
	case FieldModified:
		return r.MTime
	case FieldAccessed:
		return r.ATime
	case FieldChanged:
		return r.CTime
	case FieldCreated:
		return r.CRTime
	default:
		return timestamp.AbsentTimestamp
	}
}

// FileRecord is a timeline record with normalized timestamps.
// A nil timestamp means the event is absent.
type FileRecord struct {
	Name   string
	Inode  string
	UID    uint64
	GID    uint64
	Size   uint64
	MTime  *timestamp.Instant
	ATime  *timestamp.Instant
	CTime  *timestamp.Instant
	CRTime *timestamp.Instant
}

// Timestamp returns the normalized value of field, nil when absent
func (r *FileRecord) Timestamp(field TimestampField) *timestamp.Instant {
	switch field {
	case FieldModified:
		return r.MTime
	case FieldAccessed:
		return r.ATime
	case FieldChanged:
		return r.CTime
	case FieldCreated:
		return r.CRTime
	default:
		return nil
	}
}

// SetTimestamp stores value for field
func (r *FileRecord) SetTimestamp(field TimestampField, value *timestamp.Instant) {
	switch field {
	case FieldModified:
		r.MTime = value
	case FieldAccessed:
		r.ATime = value
	case FieldChanged:
		r.CTime = value
	case FieldCreated:
		r.CRTime = value
	}
}
