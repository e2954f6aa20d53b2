// Package diskcache persists raw image bytes and their HTTP validators.
//
// Blobs live under <root>/images/<hh>/<sha256(url)>; metadata is kept in a
// SQLite database (<root>/meta.db) with one table for image records and a
// separate table for viewed state. Every read path degrades to a miss on
// error so that a broken disk never stops images from loading.
package diskcache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/logger"
)

const (
	imagesDirName = "images"
	dbFileName    = "meta.db"

	defaultViewedTTL = 10 * time.Minute
	slowQuery        = 200 * time.Millisecond
)

// Options configures a Store.
type Options struct {
	// Dir is the cache root. Required.
	Dir string

	// ViewedCacheTTL bounds how long IsViewed answers are memoized.
	ViewedCacheTTL time.Duration

	Logger logger.Logger

	// Debug enables per-lookup trace logging.
	Debug bool

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Store is the disk cache. It is safe for concurrent use.
type Store struct {
	root      string
	imagesDir string
	db        *gorm.DB
	viewed    *cache.Cache
	log       logger.Logger
	debug     bool
	now       func() time.Time
}

// Open creates the directory layout and opens the metadata database.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.Newf("cache directory is empty").
			Component("diskcache").
			Category(errors.CategoryConfiguration).
			Build()
	}

	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("diskcache")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := opts.ViewedCacheTTL
	if ttl <= 0 {
		ttl = defaultViewedTTL
	}

	imagesDir := filepath.Join(opts.Dir, imagesDirName)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return nil, fileError(err, "create_cache_dir", imagesDir)
	}

	dbPath := filepath.Join(opts.Dir, dbFileName)
	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log.Module("sql"), slowQuery),
	})
	if err != nil {
		return nil, dbError(err, "open", "path", dbPath)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError(err, "open", "path", dbPath)
	}
	// single writer; avoids SQLITE_BUSY under concurrent downloads
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ImageRecord{}, &ViewedRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, dbError(err, "migrate", "path", dbPath)
	}

	log.Debug("disk cache opened", logger.String("dir", opts.Dir))

	return &Store{
		root:      opts.Dir,
		imagesDir: imagesDir,
		db:        db,
		viewed:    cache.New(ttl, 2*ttl),
		log:       log,
		debug:     opts.Debug,
		now:       clock,
	}, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.root
}

// blobRelPath maps a URL to its blob path relative to the cache root.
func blobRelPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(imagesDirName, name[:2], name)
}

// Record returns the metadata row for url.
func (s *Store) Record(url string) (ImageRecord, bool) {
	var rec ImageRecord
	result := s.db.Where("url = ?", url).Limit(1).Find(&rec)
	if result.Error != nil {
		s.log.Warn("image record lookup failed",
			logger.String("url", url),
			logger.Error(dbError(result.Error, "get_record", "url", url)))
		return ImageRecord{}, false
	}
	return rec, result.RowsAffected > 0
}

// CachedPath returns the absolute blob path for url if both the record and
// the blob exist.
func (s *Store) CachedPath(url string) (string, bool) {
	rec, ok := s.Record(url)
	if !ok {
		return "", false
	}
	path := filepath.Join(s.root, rec.FilePath)
	if _, err := os.Stat(path); err != nil {
		if s.debug {
			s.log.Debug("blob missing for record", logger.String("url", url), logger.String("path", path))
		}
		return "", false
	}
	return path, true
}

// Load returns the record and bytes for url. A missing or unreadable blob
// is a miss.
func (s *Store) Load(url string) (Entry, bool) {
	rec, ok := s.Record(url)
	if !ok {
		return Entry{}, false
	}

	path := filepath.Join(s.root, rec.FilePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("blob read failed",
				logger.String("url", url),
				logger.Error(fileError(err, "read_blob", path)))
		}
		return Entry{}, false
	}
	return Entry{Record: rec, Data: data}, true
}

// Read returns the cached bytes for url.
func (s *Store) Read(url string) ([]byte, bool) {
	e, ok := s.Load(url)
	return e.Data, ok
}

// Validators returns the stored ETag and Last-Modified for url.
func (s *Store) Validators(url string) (etag, lastModified string) {
	rec, ok := s.Record(url)
	if !ok {
		return "", ""
	}
	return rec.ETag, rec.LastModified
}

// Write persists data for url and replaces any earlier record. The blob is
// written to a temporary file and renamed into place.
func (s *Store) Write(url string, data []byte, etag, lastModified, contentType string) error {
	rel := blobRelPath(url)
	path := filepath.Join(s.root, rel)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fileError(err, "create_blob_dir", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fileError(err, "create_temp", dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fileError(err, "write_blob", tmpName)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fileError(err, "close_blob", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fileError(err, "commit_blob", path)
	}

	now := s.now()
	rec := ImageRecord{
		URL:          url,
		FilePath:     rel,
		ETag:         etag,
		LastModified: lastModified,
		ContentType:  contentType,
		Size:         int64(len(data)),
		LastAccess:   now,
		ValidatedAt:  now,
		CreatedAt:    now,
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_path",
			"etag",
			"last_modified",
			"content_type",
			"size",
			"last_access",
			"validated_at",
		}),
	}).Create(&rec)
	if result.Error != nil {
		return dbError(result.Error, "save_image_record", "url", url, "size", len(data))
	}

	if s.debug {
		s.log.Debug("blob written", logger.String("url", url), logger.Int("bytes", len(data)))
	}
	return nil
}

// Touch updates last access for url without rewriting bytes.
func (s *Store) Touch(url string) {
	s.update(url, "touch", map[string]any{"last_access": s.now()})
}

// Refresh records a successful revalidation (HTTP 304) for url.
func (s *Store) Refresh(url string) {
	now := s.now()
	s.update(url, "refresh", map[string]any{"last_access": now, "validated_at": now})
}

func (s *Store) update(url, operation string, columns map[string]any) {
	result := s.db.Model(&ImageRecord{}).Where("url = ?", url).Updates(columns)
	if result.Error != nil {
		s.log.Warn("image record update failed",
			logger.String("url", url),
			logger.Error(dbError(result.Error, operation, "url", url)))
	}
}

// IsViewed reports whether url was marked viewed. Errors read as false.
func (s *Store) IsViewed(url string) bool {
	if v, found := s.viewed.Get(url); found {
		if viewed, ok := v.(bool); ok {
			return viewed
		}
	}

	var count int64
	if err := s.db.Model(&ViewedRecord{}).Where("url = ?", url).Count(&count).Error; err != nil {
		s.log.Warn("viewed lookup failed",
			logger.String("url", url),
			logger.Error(dbError(err, "is_viewed", "url", url)))
		return false
	}

	viewed := count > 0
	s.viewed.Set(url, viewed, cache.DefaultExpiration)
	return viewed
}

// MarkViewed records url as viewed.
func (s *Store) MarkViewed(url string) error {
	rec := ViewedRecord{URL: url, ViewedAt: s.now()}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"viewed_at"}),
	}).Create(&rec)
	if result.Error != nil {
		return dbError(result.Error, "mark_viewed", "url", url)
	}
	s.viewed.Set(url, true, cache.DefaultExpiration)
	return nil
}

// ClearImages removes every blob and image record. Viewed state is kept.
func (s *Store) ClearImages() error {
	var errs []error

	if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ImageRecord{}).Error; err != nil {
		errs = append(errs, dbError(err, "clear_images"))
	}
	if err := os.RemoveAll(s.imagesDir); err != nil {
		errs = append(errs, fileError(err, "remove_blobs", s.imagesDir))
	}
	if err := os.MkdirAll(s.imagesDir, 0o755); err != nil {
		errs = append(errs, fileError(err, "create_cache_dir", s.imagesDir))
	}

	if len(errs) == 0 {
		s.log.Info("image cache cleared", logger.String("dir", s.imagesDir))
	}
	return errors.Join(errs...)
}

// Recent returns up to limit records ordered by most recent access.
func (s *Store) Recent(limit int) ([]ImageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []ImageRecord
	if err := s.db.Order("last_access DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, dbError(err, "recent_records")
	}
	return recs, nil
}

// Stats summarizes stored images and viewed records.
func (s *Store) Stats() (Stats, error) {
	var agg struct {
		Images int64
		Bytes  int64
	}
	if err := s.db.Model(&ImageRecord{}).
		Select("COUNT(*) AS images, COALESCE(SUM(size), 0) AS bytes").
		Scan(&agg).Error; err != nil {
		return Stats{}, dbError(err, "stats")
	}

	st := Stats{Images: agg.Images, Bytes: agg.Bytes}

	if err := s.db.Model(&ViewedRecord{}).Count(&st.Viewed).Error; err != nil {
		return Stats{}, dbError(err, "stats_viewed")
	}

	if st.Images > 0 {
		var oldest, newest ImageRecord
		if err := s.db.Order("last_access ASC").Limit(1).Find(&oldest).Error; err == nil {
			st.OldestAccess = oldest.LastAccess
		}
		if err := s.db.Order("last_access DESC").Limit(1).Find(&newest).Error; err == nil {
			st.NewestAccess = newest.LastAccess
		}
	}
	return st, nil
}

// Close closes the metadata database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close")
	}
	return nil
}
