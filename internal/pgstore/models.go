package pgstore

import (
	"concursohub/internal/domain"
)

type contestRow struct {
	ID                  string  `gorm:"column:id;primaryKey;type:text"`
	Slug                string  `gorm:"column:slug;type:text;not null;uniqueIndex:idx_contests_slug"`
	Titulo              string  `gorm:"column:titulo;type:text;not null"`
	Orgao               string  `gorm:"column:orgao;type:text;not null"`
	Banca               *string `gorm:"column:banca;type:text"`
	Abrangencia         *string `gorm:"column:abrangencia;type:text"`
	UF                  *string `gorm:"column:uf;type:text"`
	Area                *string `gorm:"column:area;type:text"`
	Escolaridade        *string `gorm:"column:escolaridade;type:text"`
	Status              string  `gorm:"column:status;type:text;not null;default:forecast;index:idx_contests_status"`
	DataPublicacao      *string `gorm:"column:data_publicacao;type:text"`
	DataInscricaoInicio *string `gorm:"column:data_inscricao_inicio;type:text"`
	DataInscricaoFim    *string `gorm:"column:data_inscricao_fim;type:text"`
	DataProva           *string `gorm:"column:data_prova;type:text"`
	DataResultado       *string `gorm:"column:data_resultado;type:text"`
	VagasImediatas      int     `gorm:"column:vagas_imediatas;not null;default:0"`
	VagasCR             int     `gorm:"column:vagas_cr;not null;default:0"`
	VagasTotal          int     `gorm:"column:vagas_total;not null;default:0"`
	Salario             *string `gorm:"column:salario;type:text"`
	LinkEdital          *string `gorm:"column:link_edital;type:text"`
	LinkInscricao       *string `gorm:"column:link_inscricao;type:text"`
	Descricao           *string `gorm:"column:descricao;type:text"`
	CreatedAt           string  `gorm:"column:created_at;type:text;not null;index:idx_contests_created"`
	UpdatedAt           string  `gorm:"column:updated_at;type:text;not null"`
}

func (contestRow) TableName() string { return "contests" }

func contestToRow(c domain.Contest) contestRow {
	return contestRow{
		ID:                  c.ID,
		Slug:                c.Slug,
		Titulo:              c.Titulo,
		Orgao:               c.Orgao,
		Banca:               emptyToNil(c.Banca),
		Abrangencia:         emptyToNil(c.Abrangencia),
		UF:                  emptyToNil(c.UF),
		Area:                emptyToNil(c.Area),
		Escolaridade:        emptyToNil(c.Escolaridade),
		Status:              string(c.Status),
		DataPublicacao:      emptyToNil(c.DataPublicacao),
		DataInscricaoInicio: emptyToNil(c.DataInscricaoInicio),
		DataInscricaoFim:    emptyToNil(c.DataInscricaoFim),
		DataProva:           emptyToNil(c.DataProva),
		DataResultado:       emptyToNil(c.DataResultado),
		VagasImediatas:      c.VagasImediatas,
		VagasCR:             c.VagasCR,
		VagasTotal:          c.VagasTotal,
		Salario:             emptyToNil(c.Salario),
		LinkEdital:          emptyToNil(c.LinkEdital),
		LinkInscricao:       emptyToNil(c.LinkInscricao),
		Descricao:           emptyToNil(c.Descricao),
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func (r contestRow) contest() domain.Contest {
	return domain.Contest{
		ID:                  r.ID,
		Slug:                r.Slug,
		Titulo:              r.Titulo,
		Orgao:               r.Orgao,
		Banca:               r.Banca,
		Abrangencia:         r.Abrangencia,
		UF:                  r.UF,
		Area:                r.Area,
		Escolaridade:        r.Escolaridade,
		Status:              domain.Status(r.Status),
		DataPublicacao:      r.DataPublicacao,
		DataInscricaoInicio: r.DataInscricaoInicio,
		DataInscricaoFim:    r.DataInscricaoFim,
		DataProva:           r.DataProva,
		DataResultado:       r.DataResultado,
		VagasImediatas:      r.VagasImediatas,
		VagasCR:             r.VagasCR,
		VagasTotal:          r.VagasTotal,
		Salario:             r.Salario,
		LinkEdital:          r.LinkEdital,
		LinkInscricao:       r.LinkInscricao,
		Descricao:           r.Descricao,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// updates lists every mutable column, nil included, so cleared fields are
// written as NULL.
func (r contestRow) updates() map[string]any {
	return map[string]any{
		"slug":                  r.Slug,
		"titulo":                r.Titulo,
		"orgao":                 r.Orgao,
		"banca":                 r.Banca,
		"abrangencia":           r.Abrangencia,
		"uf":                    r.UF,
		"area":                  r.Area,
		"escolaridade":          r.Escolaridade,
		"status":                r.Status,
		"data_publicacao":       r.DataPublicacao,
		"data_inscricao_inicio": r.DataInscricaoInicio,
		"data_inscricao_fim":    r.DataInscricaoFim,
		"data_prova":            r.DataProva,
		"data_resultado":        r.DataResultado,
		"vagas_imediatas":       r.VagasImediatas,
		"vagas_cr":              r.VagasCR,
		"vagas_total":           r.VagasTotal,
		"salario":               r.Salario,
		"link_edital":           r.LinkEdital,
		"link_inscricao":        r.LinkInscricao,
		"descricao":             r.Descricao,
		"updated_at":            r.UpdatedAt,
	}
}

type eventRow struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	TS         string  `gorm:"column:ts;type:text;not null"`
	Type       string  `gorm:"column:type;type:text;not null"`
	EntityKind string  `gorm:"column:entity_kind;type:text;not null;index:idx_events_entity,priority:1"`
	EntityID   *string `gorm:"column:entity_id;type:text;index:idx_events_entity,priority:2"`
	ActorID    string  `gorm:"column:actor_id;type:text;not null"`
	Payload    string  `gorm:"column:payload_json;type:text;not null;default:'{}'"`
}

func (eventRow) TableName() string { return "events" }

func eventToRow(e domain.Event) eventRow {
	payload := e.Payload
	if payload == "" {
		payload = "{}"
	}
	var entityID *string
	if e.EntityID != "" {
		id := e.EntityID
		entityID = &id
	}
	return eventRow{TS: e.TS, Type: e.Type, EntityKind: e.EntityKind, EntityID: entityID, ActorID: e.ActorID, Payload: payload}
}

func (r eventRow) event() domain.Event {
	e := domain.Event{ID: r.ID, TS: r.TS, Type: r.Type, EntityKind: r.EntityKind, ActorID: r.ActorID, Payload: r.Payload}
	if r.EntityID != nil {
		e.EntityID = *r.EntityID
	}
	return e
}

type apiKeyRow struct {
	ID        string `gorm:"column:id;primaryKey;type:text"`
	ActorID   string `gorm:"column:actor_id;type:text;not null"`
	Role      string `gorm:"column:role;type:text;not null;default:editor"`
	Name      string `gorm:"column:name;type:text"`
	KeyHash   string `gorm:"column:key_hash;type:text;not null;uniqueIndex"`
	CreatedAt string `gorm:"column:created_at;type:text;not null"`
}

func (apiKeyRow) TableName() string { return "api_keys" }

func (r apiKeyRow) apiKey() domain.APIKey {
	return domain.APIKey{ID: r.ID, ActorID: r.ActorID, Role: r.Role, Name: r.Name, KeyHash: r.KeyHash, CreatedAt: r.CreatedAt}
}

type jobLockRow struct {
	Name       string `gorm:"column:name;primaryKey;type:text"`
	OwnerID    string `gorm:"column:owner_id;type:text;not null"`
	AcquiredAt string `gorm:"column:acquired_at;type:text;not null"`
	ExpiresAt  string `gorm:"column:expires_at;type:text;not null"`
}

func (jobLockRow) TableName() string { return "job_locks" }

func (r jobLockRow) lock() domain.JobLock {
	return domain.JobLock{Name: r.Name, OwnerID: r.OwnerID, AcquiredAt: r.AcquiredAt, ExpiresAt: r.ExpiresAt}
}

func emptyToNil(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}
