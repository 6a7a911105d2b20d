package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"concursohub/internal/domain"
)

// AcquireJobLock takes the named lock for owner until now+ttl. An unexpired lock held
// by another owner yields ErrLockHeld along with the current holder; an expired one
// is taken over. The check and the write are one statement.
func (r Repo) AcquireJobLock(ctx context.Context, name, owner string, ttl time.Duration) (domain.JobLock, error) {
	now := r.now().UTC()
	lock := domain.JobLock{
		Name:       name,
		OwnerID:    owner,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO job_locks(name,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE job_locks.expires_at <= ? OR job_locks.owner_id = ?`,
		lock.Name, lock.OwnerID, lock.AcquiredAt, lock.ExpiresAt, lock.AcquiredAt, owner)
	if err != nil {
		return domain.JobLock{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.JobLock{}, err
	}
	if n > 0 {
		return lock, nil
	}

	var held domain.JobLock
	err = r.DB.QueryRowContext(ctx, `SELECT name,owner_id,acquired_at,expires_at FROM job_locks WHERE name=?`, name).
		Scan(&held.Name, &held.OwnerID, &held.AcquiredAt, &held.ExpiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.JobLock{}, err
	}
	return held, ErrLockHeld
}

// ReleaseJobLock drops the lock if owner still holds it.
func (r Repo) ReleaseJobLock(ctx context.Context, name, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM job_locks WHERE name=? AND owner_id=?`, name, owner)
	return err
}
