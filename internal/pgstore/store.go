// Package pgstore is the hosted Postgres implementation of the contest store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"concursohub/internal/domain"
)

type Store struct {
	DB  *gorm.DB
	Now func() time.Time
}

// Open connects to Postgres. Simple protocol keeps it usable behind PgBouncer.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

func New(db *gorm.DB) Store {
	return Store{DB: db, Now: time.Now}
}

// Migrate creates or updates the tables.
func (s Store) Migrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&contestRow{}, &eventRow{}, &apiKeyRow{}, &jobLockRow{})
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) InsertContest(ctx context.Context, c domain.Contest, evt *domain.Event) error {
	row := contestToRow(c)
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return mapErr(err)
		}
		return appendTx(tx, evt)
	})
}

func (s Store) UpdateContest(ctx context.Context, c domain.Contest, evt *domain.Event) error {
	row := contestToRow(c)
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&contestRow{}).Where("id = ?", c.ID).Updates(row.updates())
		if res.Error != nil {
			return mapErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return appendTx(tx, evt)
	})
}

func (s Store) DeleteContest(ctx context.Context, id string, evt *domain.Event) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&contestRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return appendTx(tx, evt)
	})
}

func (s Store) UpdateContestStatus(ctx context.Context, id string, st domain.Status) error {
	res := s.DB.WithContext(ctx).Model(&contestRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(st),
		"updated_at": s.now().UTC().Format(time.RFC3339),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s Store) GetContest(ctx context.Context, id string) (domain.Contest, error) {
	var row contestRow
	if err := s.DB.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Contest{}, mapErr(err)
	}
	return row.contest(), nil
}

func (s Store) GetContestBySlug(ctx context.Context, slug string) (domain.Contest, error) {
	var row contestRow
	if err := s.DB.WithContext(ctx).First(&row, "slug = ?", slug).Error; err != nil {
		return domain.Contest{}, mapErr(err)
	}
	return row.contest(), nil
}

func (s Store) SlugExists(ctx context.Context, slug, excludeID string) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&contestRow{}).
		Where("lower(slug) = lower(?) AND id <> ?", slug, excludeID).
		Count(&n).Error
	return n > 0, err
}

func (s Store) ListNonTerminalContests(ctx context.Context) ([]domain.Contest, error) {
	var rows []contestRow
	err := s.DB.WithContext(ctx).Where("status <> ?", string(domain.StatusClosed)).Order("created_at, id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return contests(rows), nil
}

func (s Store) ListContests(ctx context.Context, f domain.ContestFilters) ([]domain.Contest, error) {
	q := s.DB.WithContext(ctx).Model(&contestRow{})
	if term := strings.TrimSpace(f.Query); term != "" {
		like := likePattern(term)
		q = q.Where("(lower(titulo) LIKE ? OR lower(orgao) LIKE ? OR lower(COALESCE(banca,'')) LIKE ?)", like, like, like)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if len(f.ExcludeStatus) > 0 {
		excluded := make([]string, len(f.ExcludeStatus))
		for i, st := range f.ExcludeStatus {
			excluded[i] = string(st)
		}
		q = q.Where("status NOT IN ?", excluded)
	}
	if f.Abrangencia != "" {
		q = q.Where("abrangencia = ?", f.Abrangencia)
	}
	if f.UF != "" {
		q = q.Where("uf = ?", strings.ToUpper(f.UF))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	q = q.Order("created_at DESC, id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []contestRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return contests(rows), nil
}

func (s Store) CountContestsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.DB.WithContext(ctx).Model(&contestRow{}).Select("status, count(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	res := map[domain.Status]int{}
	for _, r := range rows {
		res[domain.Status(r.Status)] = r.N
	}
	return res, nil
}

func (s Store) AppendEvent(ctx context.Context, evt domain.Event) error {
	return appendTx(s.DB.WithContext(ctx), &evt)
}

func (s Store) ListEvents(ctx context.Context, f domain.EventFilters) ([]domain.Event, error) {
	q := s.DB.WithContext(ctx).Model(&eventRow{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.EntityKind != "" {
		q = q.Where("entity_kind = ?", f.EntityKind)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.BeforeID > 0 {
		q = q.Where("id < ?", f.BeforeID)
	}
	q = q.Order("id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Event, len(rows))
	for i, r := range rows {
		out[i] = r.event()
	}
	return out, nil
}

func (s Store) InsertAPIKey(ctx context.Context, key domain.APIKey, evt *domain.Event) error {
	if key.ID == "" || key.ActorID == "" || key.KeyHash == "" {
		return errors.New("id, actor_id and key_hash required")
	}
	if key.Role == "" {
		key.Role = "editor"
	}
	if key.CreatedAt == "" {
		key.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	row := apiKeyRow{ID: key.ID, ActorID: key.ActorID, Role: key.Role, Name: key.Name, KeyHash: key.KeyHash, CreatedAt: key.CreatedAt}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return appendTx(tx, evt)
	})
}

func (s Store) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var row apiKeyRow
	if err := s.DB.WithContext(ctx).First(&row, "key_hash = ?", hash).Error; err != nil {
		return domain.APIKey{}, mapErr(err)
	}
	return row.apiKey(), nil
}

func (s Store) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	q := s.DB.WithContext(ctx).Model(&apiKeyRow{})
	if actorID != "" {
		q = q.Where("actor_id = ?", actorID)
	}
	var rows []apiKeyRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.APIKey, len(rows))
	for i, r := range rows {
		out[i] = r.apiKey()
	}
	return out, nil
}

func (s Store) DeleteAPIKey(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Where("id = ?", id).Delete(&apiKeyRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s Store) AcquireJobLock(ctx context.Context, name, owner string, ttl time.Duration) (domain.JobLock, error) {
	now := s.now().UTC()
	lock := jobLockRow{
		Name:       name,
		OwnerID:    owner,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	res := s.DB.WithContext(ctx).Clauses(lockUpsert(lock)).Create(&lock)
	if res.Error != nil {
		return domain.JobLock{}, res.Error
	}
	if res.RowsAffected > 0 {
		return lock.lock(), nil
	}
	var held jobLockRow
	if err := s.DB.WithContext(ctx).First(&held, "name = ?", name).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.JobLock{}, err
	}
	return held.lock(), domain.ErrLockHeld
}

// lockUpsert inserts lock or takes over the existing row only when it has expired
// or already belongs to the same owner. A held lock leaves zero rows affected.
func lockUpsert(lock jobLockRow) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "acquired_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "job_locks.expires_at <= ? OR job_locks.owner_id = ?",
				Vars: []any{lock.AcquiredAt, lock.OwnerID},
			},
		}},
	}
}

func (s Store) ReleaseJobLock(ctx context.Context, name, owner string) error {
	return s.DB.WithContext(ctx).Where("name = ? AND owner_id = ?", name, owner).Delete(&jobLockRow{}).Error
}

func appendTx(tx *gorm.DB, evt *domain.Event) error {
	if evt == nil {
		return nil
	}
	row := eventToRow(*evt)
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func contests(rows []contestRow) []domain.Contest {
	out := make([]domain.Contest, len(rows))
	for i, r := range rows {
		out[i] = r.contest()
	}
	return out
}

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(term)) + "%"
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", domain.ErrSlugTaken, err)
	}
	return err
}
