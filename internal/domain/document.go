package domain

import "github.com/SteelMorgan/timeline-indexer/internal/timestamp"

// Document is one search-backend document: a single event time plus the full
// attribute set of the file it belongs to. Field order defines the canonical
// JSON form, so it must not be reordered.
type Document struct {
	Timestamp timestamp.Instant `json:"timestamp"`
	File      FileAttributes    `json:"file"`
}

// FileAttributes is the file payload repeated in every document of a record
type FileAttributes struct {
	Name     string             `json:"name"`
	Inode    string             `json:"inode"`
	UID      uint64             `json:"uid"`
	GID      uint64             `json:"gid"`
	Size     uint64             `json:"size"`
	MTime    *timestamp.Instant `json:"mtime,omitempty"`
	Accessed *timestamp.Instant `json:"accessed,omitempty"`
	CTime    *timestamp.Instant `json:"ctime,omitempty"`
	Created  *timestamp.Instant `json:"created,omitempty"`
}

// NewFileAttributes copies the attributes of rec
func NewFileAttributes(rec *FileRecord) FileAttributes {
	return FileAttributes{
		Name:     rec.Name,
		Inode:    rec.Inode,
		UID:      rec.UID,
		GID:      rec.GID,
		Size:     rec.Size,
		MTime:    copyInstant(rec.MTime),
		Accessed: copyInstant(rec.ATime),
		CTime:    copyInstant(rec.CTime),
		Created:  copyInstant(rec.CRTime),
	}
}

func copyInstant(i *timestamp.Instant) *timestamp.Instant {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
