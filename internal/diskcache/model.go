package diskcache

import "time"

// ImageRecord is the metadata row for one cached image blob. At most one
// record exists per URL.
type ImageRecord struct {
	ID           uint   `gorm:"primaryKey"`
	URL          string `gorm:"uniqueIndex;not null"`
	FilePath     string `gorm:"not null"` // relative to the cache root
	ETag         string `gorm:"column:etag"`
	LastModified string
	ContentType  string
	Size         int64
	LastAccess   time.Time `gorm:"index"`
	ValidatedAt  time.Time // last 200 or 304 from the origin
	CreatedAt    time.Time
}

// ViewedRecord marks a URL as seen by the user. Viewed state is kept apart
// from image rows so that clearing images never forgets it.
type ViewedRecord struct {
	ID       uint   `gorm:"primaryKey"`
	URL      string `gorm:"uniqueIndex;not null"`
	ViewedAt time.Time
}

// Entry is a record together with its blob bytes.
type Entry struct {
	Record ImageRecord
	Data   []byte
}

// Stale reports whether the entry was last validated more than maxAge ago.
// A zero maxAge means entries never go stale.
func (e *Entry) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(e.Record.ValidatedAt) > maxAge
}

// Stats summarizes the disk cache.
type Stats struct {
	Images       int64
	Bytes        int64
	Viewed       int64
	OldestAccess time.Time
	NewestAccess time.Time
}
