package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrSlugTaken = errors.New("slug already taken")
	ErrLockHeld  = errors.New("lock already held")
)

// Status is the lifecycle state of a contest.
type Status string

const (
	StatusForecast           Status = "forecast"
	StatusRumor              Status = "rumor"
	StatusAuthorized         Status = "authorized"
	StatusCommitteeFormed    Status = "committee_formed"
	StatusBoardDefined       Status = "board_defined"
	StatusRegistrationOpen   Status = "registration_open"
	StatusRegistrationClosed Status = "registration_closed"
	StatusInProgress         Status = "in_progress"
	StatusClosed             Status = "closed"
	StatusSuspended          Status = "suspended"
	StatusNoForecast         Status = "no_forecast"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusForecast,
	StatusRumor,
	StatusAuthorized,
	StatusCommitteeFormed,
	StatusBoardDefined,
	StatusRegistrationOpen,
	StatusRegistrationClosed,
	StatusInProgress,
	StatusClosed,
	StatusSuspended,
	StatusNoForecast,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

// Contest is a public exam announcement tracked by the portal.
type Contest struct {
	ID                  string  `json:"id"`
	Slug                string  `json:"slug"`
	Titulo              string  `json:"titulo"`
	Orgao               string  `json:"orgao"`
	Banca               *string `json:"banca"`
	Abrangencia         *string `json:"abrangencia,omitempty" enum:"nacional,estadual,municipal"`
	UF                  *string `json:"uf,omitempty"`
	Area                *string `json:"area,omitempty"`
	Escolaridade        *string `json:"escolaridade,omitempty" enum:"fundamental,medio,tecnico,superior"`
	Status              Status  `json:"status" enum:"forecast,rumor,authorized,committee_formed,board_defined,registration_open,registration_closed,in_progress,closed,suspended,no_forecast"`
	DataPublicacao      *string `json:"data_publicacao,omitempty" format:"date"`
	DataInscricaoInicio *string `json:"data_inscricao_inicio" format:"date"`
	DataInscricaoFim    *string `json:"data_inscricao_fim" format:"date"`
	DataProva           *string `json:"data_prova" format:"date"`
	DataResultado       *string `json:"data_resultado" format:"date"`
	VagasImediatas      int     `json:"vagas_imediatas"`
	VagasCR             int     `json:"vagas_cr"`
	VagasTotal          int     `json:"vagas_total"`
	Salario             *string `json:"salario,omitempty"`
	LinkEdital          *string `json:"link_edital,omitempty"`
	LinkInscricao       *string `json:"link_inscricao,omitempty"`
	Descricao           *string `json:"descricao,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// ContestInput carries the fields accepted on create.
type ContestInput struct {
	Titulo              string  `json:"titulo" validate:"required,max=300"`
	Orgao               string  `json:"orgao" validate:"required,max=200"`
	Banca               *string `json:"banca,omitempty" validate:"omitempty,max=200"`
	Abrangencia         *string `json:"abrangencia,omitempty" validate:"omitempty,oneof=nacional estadual municipal"`
	UF                  *string `json:"uf,omitempty" validate:"omitempty,len=2,alpha"`
	Area                *string `json:"area,omitempty" validate:"omitempty,max=120"`
	Escolaridade        *string `json:"escolaridade,omitempty" validate:"omitempty,oneof=fundamental medio tecnico superior"`
	Status              Status  `json:"status,omitempty"`
	DataPublicacao      *string `json:"data_publicacao,omitempty"`
	DataInscricaoInicio *string `json:"data_inscricao_inicio,omitempty"`
	DataInscricaoFim    *string `json:"data_inscricao_fim,omitempty"`
	DataProva           *string `json:"data_prova,omitempty"`
	DataResultado       *string `json:"data_resultado,omitempty"`
	VagasImediatas      int     `json:"vagas_imediatas,omitempty" validate:"gte=0"`
	VagasCR             int     `json:"vagas_cr,omitempty" validate:"gte=0"`
	Salario             *string `json:"salario,omitempty"`
	LinkEdital          *string `json:"link_edital,omitempty" validate:"omitempty,url"`
	LinkInscricao       *string `json:"link_inscricao,omitempty" validate:"omitempty,url"`
	Descricao           *string `json:"descricao,omitempty"`
}

// Sanitize trims required text and turns blank nullable fields into nil.
func (in *ContestInput) Sanitize() {
	in.Titulo = strings.TrimSpace(in.Titulo)
	in.Orgao = strings.TrimSpace(in.Orgao)
	for _, f := range in.nullable() {
		*f = blankToNil(*f)
	}
	if in.UF != nil {
		upper := strings.ToUpper(*in.UF)
		in.UF = &upper
	}
}

func (in *ContestInput) nullable() []**string {
	return []**string{
		&in.Banca, &in.Abrangencia, &in.UF, &in.Area, &in.Escolaridade,
		&in.DataPublicacao, &in.DataInscricaoInicio, &in.DataInscricaoFim, &in.DataProva, &in.DataResultado,
		&in.Salario, &in.LinkEdital, &in.LinkInscricao, &in.Descricao,
	}
}

// Contest builds an unsaved record from the input. Slug, status and timestamps are
// left to the caller.
func (in ContestInput) Contest() Contest {
	return Contest{
		Titulo:              in.Titulo,
		Orgao:               in.Orgao,
		Banca:               in.Banca,
		Abrangencia:         in.Abrangencia,
		UF:                  in.UF,
		Area:                in.Area,
		Escolaridade:        in.Escolaridade,
		Status:              in.Status,
		DataPublicacao:      in.DataPublicacao,
		DataInscricaoInicio: in.DataInscricaoInicio,
		DataInscricaoFim:    in.DataInscricaoFim,
		DataProva:           in.DataProva,
		DataResultado:       in.DataResultado,
		VagasImediatas:      in.VagasImediatas,
		VagasCR:             in.VagasCR,
		VagasTotal:          in.VagasImediatas + in.VagasCR,
		Salario:             in.Salario,
		LinkEdital:          in.LinkEdital,
		LinkInscricao:       in.LinkInscricao,
		Descricao:           in.Descricao,
	}
}

// ContestPatch is a partial update. A nil field is left untouched; a pointer to an
// empty string clears a nullable field.
type ContestPatch struct {
	Titulo              *string `json:"titulo,omitempty"`
	Orgao               *string `json:"orgao,omitempty"`
	Banca               *string `json:"banca,omitempty"`
	Abrangencia         *string `json:"abrangencia,omitempty" validate:"omitempty,oneof=nacional estadual municipal"`
	UF                  *string `json:"uf,omitempty" validate:"omitempty,len=2,alpha"`
	Area                *string `json:"area,omitempty"`
	Escolaridade        *string `json:"escolaridade,omitempty" validate:"omitempty,oneof=fundamental medio tecnico superior"`
	Status              *Status `json:"status,omitempty"`
	DataPublicacao      *string `json:"data_publicacao,omitempty"`
	DataInscricaoInicio *string `json:"data_inscricao_inicio,omitempty"`
	DataInscricaoFim    *string `json:"data_inscricao_fim,omitempty"`
	DataProva           *string `json:"data_prova,omitempty"`
	DataResultado       *string `json:"data_resultado,omitempty"`
	VagasImediatas      *int    `json:"vagas_imediatas,omitempty" validate:"omitempty,gte=0"`
	VagasCR             *int    `json:"vagas_cr,omitempty" validate:"omitempty,gte=0"`
	Salario             *string `json:"salario,omitempty"`
	LinkEdital          *string `json:"link_edital,omitempty" validate:"omitempty,url"`
	LinkInscricao       *string `json:"link_inscricao,omitempty" validate:"omitempty,url"`
	Descricao           *string `json:"descricao,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ContestPatch) Empty() bool {
	return p == ContestPatch{}
}

// TouchesStatus reports whether the patch sets the status or any lifecycle date.
func (p ContestPatch) TouchesStatus() bool {
	return p.Status != nil || p.DataInscricaoInicio != nil || p.DataInscricaoFim != nil ||
		p.DataProva != nil || p.DataResultado != nil
}

// TouchesQuotas reports whether either openings count is set.
func (p ContestPatch) TouchesQuotas() bool {
	return p.VagasImediatas != nil || p.VagasCR != nil
}

// TitleChanged reports whether the patch renames the contest.
func (p ContestPatch) TitleChanged(c Contest) bool {
	return p.Titulo != nil && strings.TrimSpace(*p.Titulo) != c.Titulo
}

// Apply merges the patch over c. Blank nullable values become nil and the openings
// total is recomputed when either count changes.
func (p ContestPatch) Apply(c Contest) Contest {
	if p.Titulo != nil {
		c.Titulo = strings.TrimSpace(*p.Titulo)
	}
	if p.Orgao != nil {
		c.Orgao = strings.TrimSpace(*p.Orgao)
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	merge := func(dst **string, src *string) {
		if src != nil {
			*dst = blankToNil(src)
		}
	}
	merge(&c.Banca, p.Banca)
	merge(&c.Abrangencia, p.Abrangencia)
	merge(&c.Area, p.Area)
	merge(&c.Escolaridade, p.Escolaridade)
	merge(&c.DataPublicacao, p.DataPublicacao)
	merge(&c.DataInscricaoInicio, p.DataInscricaoInicio)
	merge(&c.DataInscricaoFim, p.DataInscricaoFim)
	merge(&c.DataProva, p.DataProva)
	merge(&c.DataResultado, p.DataResultado)
	merge(&c.Salario, p.Salario)
	merge(&c.LinkEdital, p.LinkEdital)
	merge(&c.LinkInscricao, p.LinkInscricao)
	merge(&c.Descricao, p.Descricao)
	if p.UF != nil {
		c.UF = blankToNil(p.UF)
		if c.UF != nil {
			upper := strings.ToUpper(*c.UF)
			c.UF = &upper
		}
	}
	if p.TouchesQuotas() {
		if p.VagasImediatas != nil {
			c.VagasImediatas = *p.VagasImediatas
		}
		if p.VagasCR != nil {
			c.VagasCR = *p.VagasCR
		}
		c.VagasTotal = c.VagasImediatas + c.VagasCR
	}
	return c
}

func blankToNil(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// ContestFilters narrows contest listings.
type ContestFilters struct {
	Query           string
	Status          Status
	Abrangencia     string
	UF              string
	ExcludeStatus   []Status
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// EventFilters narrows activity log listings. BeforeID pages backwards.
type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	BeforeID   int64
	Limit      int
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// JobLock is an advisory lease preventing overlapping batch jobs.
type JobLock struct {
	Name       string `json:"name"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}
