package repository

import (
	"database/sql"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// LockRepository stores leased locks. A lock row whose expires_at has passed is free to take.
type LockRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewLockRepository(db *sql.DB, clock core.Clock) *LockRepository {
	return &LockRepository{db: db, clock: clock}
}

// TryAcquire takes the lock for holder when it is free, expired or already held by holder.
func (r *LockRepository) TryAcquire(key, holder string, ttl time.Duration) (bool, error) {
	now := r.clock.Now()
	nowDb := formatDateInDatabase(now)
	expires := formatDateInDatabase(now.Add(ttl))
	_, err := r.db.Exec(`INSERT INTO locks (resource_key, holder, expires_at, acquired) VALUES (`+placeholders(1, 4)+`)`,
		key, holder, expires, nowDb)
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, err
	}
	query := `
		UPDATE locks SET holder = ` + placeholder(1) + `, expires_at = ` + placeholder(2) + `, acquired = ` + placeholder(3) + `
		WHERE resource_key = ` + placeholder(4) + ` AND (holder = ` + placeholder(5) + ` OR ` + dateBefore("expires_at", 6) + `)`
	res, err := r.db.Exec(query, holder, expires, nowDb, key, holder, nowDb)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Renew extends the lease if holder still owns the lock.
func (r *LockRepository) Renew(key, holder string, ttl time.Duration) (bool, error) {
	query := `UPDATE locks SET expires_at = ` + placeholder(1) + ` WHERE resource_key = ` + placeholder(2) + ` AND holder = ` + placeholder(3)
	res, err := r.db.Exec(query, formatDateInDatabase(r.clock.Now().Add(ttl)), key, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lock when holder owns it. Releasing a lock held by someone else is a no-op.
func (r *LockRepository) Release(key, holder string) error {
	_, err := r.db.Exec(`DELETE FROM locks WHERE resource_key = `+placeholder(1)+` AND holder = `+placeholder(2), key, holder)
	return err
}

func (r *LockRepository) Find(key string) (*domain.Lock, error) {
	var l domain.Lock
	err := r.db.QueryRow(`SELECT resource_key, holder, expires_at, acquired FROM locks WHERE resource_key = `+placeholder(1), key).
		Scan(&l.ResourceKey, &l.Holder, &l.ExpiresAt, &l.Acquired)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}
