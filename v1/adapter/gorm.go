package adapter

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const (
	defaultGormTableName = "warden_kv"
	defaultGormOpTimeout = 5 * time.Second
)

// gormKV is the internal model used to store key-value pairs in the database.
// ExpiresAt holds Unix nanoseconds; zero means the row never expires.
type gormKV struct {
	Key       string `gorm:"primaryKey;column:key_id"`
	Value     []byte `gorm:"column:value"`
	ExpiresAt int64  `gorm:"column:expires_at;index"`
}

// GormKV implements KV on a relational database through GORM. Every
// conditional operation is a single statement or a single transaction, so
// the database provides the atomicity.
type GormKV struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// GormOption configures a GormKV.
type GormOption func(*gormOptions)

type gormOptions struct {
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// WithGormTableName sets the table name for the GormKV.
func WithGormTableName(name string) GormOption {
	return func(o *gormOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormOptions) {
		o.timeout = d
	}
}

// WithGormClock replaces the time source used for expiry checks.
func WithGormClock(now func() time.Time) GormOption {
	return func(o *gormOptions) {
		o.now = now
	}
}

// NewGormKV returns a new GormKV using the provided GORM connection. The
// backing table is created when missing.
func NewGormKV(db *gorm.DB, opts ...GormOption) (*GormKV, error) {
	o := gormOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormKV{}); err != nil {
			return nil, err
		}
	}
	return &GormKV{db: db, tableName: o.tableName, timeout: o.timeout, now: o.now}, nil
}

func (s *GormKV) begin(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, translateGorm(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx).Table(s.tableName), cancel, nil
}

func translateGorm(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return wardenerrors.ErrTimeout
	}
	return err
}

func (s *GormKV) expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// live restricts a query to rows that have not expired at now.
func live(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Where("(expires_at = 0 OR expires_at > ?)", now.UnixNano())
}

// Get implements KV.Get.
func (s *GormKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	var kv gormKV
	err = live(tx.Where("key_id = ?", key), s.now()).Take(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translateGorm(err)
	}
	return kv.Value, true, nil
}

// Set implements KV.Set.
func (s *GormKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	kv := gormKV{Key: key, Value: value, ExpiresAt: s.expiry(s.now(), ttl)}
	return translateGorm(upsert(tx, &kv).Error)
}

func upsert(tx *gorm.DB, value any) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
	}).Create(value)
}

// SetNX implements KV.SetNX. An expired row holding the key is removed in
// the same transaction before the conditional insert.
func (s *GormKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	now := s.now()
	var created bool
	err = tx.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_id = ? AND expires_at <> 0 AND expires_at <= ?", key, now.UnixNano()).
			Delete(&gormKV{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&gormKV{Key: key, Value: value, ExpiresAt: s.expiry(now, ttl)})
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, translateGorm(err)
	}
	return created, nil
}

// Delete implements KV.Delete.
func (s *GormKV) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	res := live(tx.Where("key_id IN ?", keys), s.now()).Delete(&gormKV{})
	if res.Error != nil {
		return 0, translateGorm(res.Error)
	}
	return res.RowsAffected, nil
}

// CompareAndDelete implements KV.CompareAndDelete.
func (s *GormKV) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	res := live(tx.Where("key_id = ? AND value = ?", key, expected), s.now()).Delete(&gormKV{})
	if res.Error != nil {
		return false, translateGorm(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CompareAndExpire implements KV.CompareAndExpire.
func (s *GormKV) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	now := s.now()
	res := live(tx.Model(&gormKV{}).Where("key_id = ? AND value = ?", key, expected), now).
		Update("expires_at", s.expiry(now, ttl))
	if res.Error != nil {
		return false, translateGorm(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// TTL implements KV.TTL.
func (s *GormKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	now := s.now()
	var kv gormKV
	err = live(tx.Where("key_id = ?", key), now).Take(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translateGorm(err)
	}
	if kv.ExpiresAt == 0 {
		return 0, true, nil
	}
	return time.Unix(0, kv.ExpiresAt).Sub(now), true, nil
}

// Keys implements KV.Keys. The literal prefix of the pattern narrows the
// query; the full glob is applied in process.
func (s *GormKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	q := live(tx, s.now())
	if prefix := likePrefix(pattern); prefix != "" {
		// substr counts characters, not bytes
		q = q.Where("substr(key_id, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix)
	}
	var candidates []string
	if err := q.Pluck("key_id", &candidates).Error; err != nil {
		return nil, translateGorm(err)
	}
	keys := candidates[:0]
	for _, k := range candidates {
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// DeleteByPattern implements KV.DeleteByPattern.
func (s *GormKV) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := s.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	var total int64
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		n, err := s.Delete(ctx, keys[start:end]...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PurgeExpired removes rows whose expiry has passed. Expired rows are
// already invisible to every other call; purging only reclaims space.
func (s *GormKV) PurgeExpired(ctx context.Context) (int64, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	res := tx.Where("expires_at <> 0 AND expires_at <= ?", s.now().UnixNano()).Delete(&gormKV{})
	if res.Error != nil {
		return 0, translateGorm(res.Error)
	}
	return res.RowsAffected, nil
}

// Batch implements Batcher.Batch.
func (s *GormKV) Batch(ctx context.Context) (Batch, error) {
	return &gormBatch{s: s, sets: make(map[string]batchSet)}, nil
}

type gormBatch struct {
	s       *GormKV
	sets    map[string]batchSet
	deletes []string
}

func (b *gormBatch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.sets[key] = batchSet{value: value, ttl: ttl}
	return nil
}

func (b *gormBatch) Delete(ctx context.Context, key string) error {
	b.deletes = append(b.deletes, key)
	return nil
}

func (b *gormBatch) Commit(ctx context.Context) error {
	tx, cancel, err := b.s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	now := b.s.now()
	err = tx.Transaction(func(tx *gorm.DB) error {
		if len(b.deletes) > 0 {
			if err := tx.Where("key_id IN ?", b.deletes).Delete(&gormKV{}).Error; err != nil {
				return err
			}
		}
		if len(b.sets) == 0 {
			return nil
		}
		kvs := make([]gormKV, 0, len(b.sets))
		for k, v := range b.sets {
			kvs = append(kvs, gormKV{Key: k, Value: v.value, ExpiresAt: b.s.expiry(now, v.ttl)})
		}
		// batches of 100 keep us under driver parameter limits
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
		}).CreateInBatches(kvs, 100).Error
	})
	return translateGorm(err)
}
