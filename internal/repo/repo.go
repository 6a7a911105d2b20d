package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"concursohub/internal/domain"
	"concursohub/internal/events"
)

// Repo is the SQLite contest store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound  = domain.ErrNotFound
	ErrSlugTaken = domain.ErrSlugTaken
	ErrLockHeld  = domain.ErrLockHeld
)

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

const contestColumns = `id,slug,titulo,orgao,banca,abrangencia,uf,area,escolaridade,status,
data_publicacao,data_inscricao_inicio,data_inscricao_fim,data_prova,data_resultado,
vagas_imediatas,vagas_cr,vagas_total,salario,link_edital,link_inscricao,descricao,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContest(row rowScanner) (domain.Contest, error) {
	var c domain.Contest
	var status string
	var banca, abrangencia, uf, area, escolaridade sql.NullString
	var publicacao, inicio, fim, prova, resultado sql.NullString
	var salario, edital, inscricao, descricao sql.NullString
	err := row.Scan(&c.ID, &c.Slug, &c.Titulo, &c.Orgao, &banca, &abrangencia, &uf, &area, &escolaridade, &status,
		&publicacao, &inicio, &fim, &prova, &resultado,
		&c.VagasImediatas, &c.VagasCR, &c.VagasTotal, &salario, &edital, &inscricao, &descricao, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.Status(status)
	c.Banca = nullString(banca)
	c.Abrangencia = nullString(abrangencia)
	c.UF = nullString(uf)
	c.Area = nullString(area)
	c.Escolaridade = nullString(escolaridade)
	c.DataPublicacao = nullString(publicacao)
	c.DataInscricaoInicio = nullString(inicio)
	c.DataInscricaoFim = nullString(fim)
	c.DataProva = nullString(prova)
	c.DataResultado = nullString(resultado)
	c.Salario = nullString(salario)
	c.LinkEdital = nullString(edital)
	c.LinkInscricao = nullString(inscricao)
	c.Descricao = nullString(descricao)
	return c, nil
}

func contestArgs(c domain.Contest) []any {
	return []any{
		c.Slug, c.Titulo, c.Orgao, nullableStringPtr(c.Banca), nullableStringPtr(c.Abrangencia), nullableStringPtr(c.UF),
		nullableStringPtr(c.Area), nullableStringPtr(c.Escolaridade), string(c.Status),
		nullableStringPtr(c.DataPublicacao), nullableStringPtr(c.DataInscricaoInicio), nullableStringPtr(c.DataInscricaoFim),
		nullableStringPtr(c.DataProva), nullableStringPtr(c.DataResultado),
		c.VagasImediatas, c.VagasCR, c.VagasTotal,
		nullableStringPtr(c.Salario), nullableStringPtr(c.LinkEdital), nullableStringPtr(c.LinkInscricao), nullableStringPtr(c.Descricao),
	}
}

// InsertContest stores a new contest and, when evt is non-nil, its activity event
// in the same transaction.
func (r Repo) InsertContest(ctx context.Context, c domain.Contest, evt *domain.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	args := append([]any{c.ID}, contestArgs(c)...)
	args = append(args, c.CreatedAt, c.UpdatedAt)
	if _, err := tx.ExecContext(ctx, `INSERT INTO contests(`+contestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		return mapConstraint(err)
	}
	if err := r.appendTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateContest overwrites every mutable column of an existing contest.
func (r Repo) UpdateContest(ctx context.Context, c domain.Contest, evt *domain.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	args := append(contestArgs(c), c.UpdatedAt, c.ID)
	res, err := tx.ExecContext(ctx, `UPDATE contests SET slug=?, titulo=?, orgao=?, banca=?, abrangencia=?, uf=?, area=?, escolaridade=?, status=?,
data_publicacao=?, data_inscricao_inicio=?, data_inscricao_fim=?, data_prova=?, data_resultado=?,
vagas_imediatas=?, vagas_cr=?, vagas_total=?, salario=?, link_edital=?, link_inscricao=?, descricao=?, updated_at=? WHERE id=?`, args...)
	if err != nil {
		return mapConstraint(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.appendTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) DeleteContest(ctx context.Context, id string, evt *domain.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM contests WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.appendTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateContestStatus persists a new status for one contest.
func (r Repo) UpdateContestStatus(ctx context.Context, id string, s domain.Status) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contests SET status=?, updated_at=? WHERE id=?`,
		string(s), r.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetContest(ctx context.Context, id string) (domain.Contest, error) {
	return scanContest(r.DB.QueryRowContext(ctx, `SELECT `+contestColumns+` FROM contests WHERE id=?`, id))
}

func (r Repo) GetContestBySlug(ctx context.Context, slug string) (domain.Contest, error) {
	return scanContest(r.DB.QueryRowContext(ctx, `SELECT `+contestColumns+` FROM contests WHERE slug=?`, slug))
}

// SlugExists reports whether slug belongs to a contest other than excludeID.
func (r Repo) SlugExists(ctx context.Context, slug, excludeID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM contests WHERE lower(slug)=lower(?) AND id<>?`, slug, excludeID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListNonTerminalContests returns every contest whose status is not closed.
func (r Repo) ListNonTerminalContests(ctx context.Context) ([]domain.Contest, error) {
	return r.queryContests(ctx, `SELECT `+contestColumns+` FROM contests WHERE status<>? ORDER BY created_at, id`, string(domain.StatusClosed))
}

func (r Repo) ListContests(ctx context.Context, f domain.ContestFilters) ([]domain.Contest, error) {
	var (
		clauses []string
		args    []any
	)
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		clauses = append(clauses, "(lower(titulo) LIKE ? OR lower(orgao) LIKE ? OR lower(COALESCE(banca,'')) LIKE ?)")
		args = append(args, like, like, like)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if len(f.ExcludeStatus) > 0 {
		marks := make([]string, len(f.ExcludeStatus))
		for i, s := range f.ExcludeStatus {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status NOT IN ("+strings.Join(marks, ",")+")")
	}
	if f.Abrangencia != "" {
		clauses = append(clauses, "abrangencia=?")
		args = append(args, f.Abrangencia)
	}
	if f.UF != "" {
		clauses = append(clauses, "uf=?")
		args = append(args, strings.ToUpper(f.UF))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + contestColumns + ` FROM contests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryContests(ctx, query, args...)
}

func (r Repo) queryContests(ctx context.Context, query string, args ...any) ([]domain.Contest, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountContestsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM contests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = count
	}
	return res, rows.Err()
}

func (r Repo) appendTx(ctx context.Context, tx *sql.Tx, evt *domain.Event) error {
	if evt == nil {
		return nil
	}
	if err := r.Events.Insert(ctx, tx, *evt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendEvent writes a standalone activity event.
func (r Repo) AppendEvent(ctx context.Context, evt domain.Event) error {
	return r.Events.Insert(ctx, r.DB, evt)
}

// ListEvents returns events newest first.
func (r Repo) ListEvents(ctx context.Context, f domain.EventFilters) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "contests.slug") {
		return fmt.Errorf("%w: %s", ErrSlugTaken, msg)
	}
	return err
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}
