package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"concursohub/internal/domain"
	"concursohub/internal/engine"
	"concursohub/internal/status"
)

func contestCmd() *cobra.Command {
	c := &cobra.Command{Use: "contest", Short: "Manage contests"}
	c.AddCommand(contestCreateCmd())
	c.AddCommand(contestListCmd())
	c.AddCommand(contestShowCmd())
	c.AddCommand(contestUpdateCmd())
	c.AddCommand(contestDeleteCmd())
	c.AddCommand(contestRefreshCmd())
	c.AddCommand(contestDeriveCmd())
	return c
}

// contestFlags maps the editable contest fields onto command flags.
type contestFlags struct {
	titulo, orgao, banca, abrangencia, uf, area, escolaridade, status string
	publicacao, inscricaoInicio, inscricaoFim, prova, resultado       string
	salario, linkEdital, linkInscricao, descricao                     string
	vagasImediatas, vagasCR                                           int
}

func (f *contestFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.titulo, "titulo", "", "title")
	fs.StringVar(&f.orgao, "orgao", "", "hiring body")
	fs.StringVar(&f.banca, "banca", "", "exam board")
	fs.StringVar(&f.abrangencia, "abrangencia", "", "nacional, estadual or municipal")
	fs.StringVar(&f.uf, "uf", "", "state code")
	fs.StringVar(&f.area, "area", "", "area")
	fs.StringVar(&f.escolaridade, "escolaridade", "", "fundamental, medio, tecnico or superior")
	fs.StringVar(&f.status, "status", "", "status (manual statuses are kept as given)")
	fs.StringVar(&f.publicacao, "publicacao", "", "announcement date (YYYY-MM-DD)")
	fs.StringVar(&f.inscricaoInicio, "inscricao-inicio", "", "registration start (YYYY-MM-DD)")
	fs.StringVar(&f.inscricaoFim, "inscricao-fim", "", "registration end (YYYY-MM-DD)")
	fs.StringVar(&f.prova, "prova", "", "exam date (YYYY-MM-DD)")
	fs.StringVar(&f.resultado, "resultado", "", "result date (YYYY-MM-DD)")
	fs.IntVar(&f.vagasImediatas, "vagas-imediatas", 0, "immediate openings")
	fs.IntVar(&f.vagasCR, "vagas-cr", 0, "reserve list openings")
	fs.StringVar(&f.salario, "salario", "", "salary text")
	fs.StringVar(&f.linkEdital, "link-edital", "", "announcement URL")
	fs.StringVar(&f.linkInscricao, "link-inscricao", "", "registration URL")
	fs.StringVar(&f.descricao, "descricao", "", "description")
}

func (f contestFlags) input() domain.ContestInput {
	return domain.ContestInput{
		Titulo:              f.titulo,
		Orgao:               f.orgao,
		Banca:               optionalString(f.banca),
		Abrangencia:         optionalString(f.abrangencia),
		UF:                  optionalString(f.uf),
		Area:                optionalString(f.area),
		Escolaridade:        optionalString(f.escolaridade),
		Status:              domain.Status(f.status),
		DataPublicacao:      optionalString(f.publicacao),
		DataInscricaoInicio: optionalString(f.inscricaoInicio),
		DataInscricaoFim:    optionalString(f.inscricaoFim),
		DataProva:           optionalString(f.prova),
		DataResultado:       optionalString(f.resultado),
		VagasImediatas:      f.vagasImediatas,
		VagasCR:             f.vagasCR,
		Salario:             optionalString(f.salario),
		LinkEdital:          optionalString(f.linkEdital),
		LinkInscricao:       optionalString(f.linkInscricao),
		Descricao:           optionalString(f.descricao),
	}
}

// patch sets only the flags given on the command line. An explicit empty value
// clears a nullable field.
func (f contestFlags) patch(cmd *cobra.Command) domain.ContestPatch {
	changed := cmd.Flags().Changed
	str := func(name, v string) *string {
		if !changed(name) {
			return nil
		}
		return &v
	}
	num := func(name string, v int) *int {
		if !changed(name) {
			return nil
		}
		return &v
	}
	p := domain.ContestPatch{
		Titulo:              str("titulo", f.titulo),
		Orgao:               str("orgao", f.orgao),
		Banca:               str("banca", f.banca),
		Abrangencia:         str("abrangencia", f.abrangencia),
		UF:                  str("uf", f.uf),
		Area:                str("area", f.area),
		Escolaridade:        str("escolaridade", f.escolaridade),
		DataPublicacao:      str("publicacao", f.publicacao),
		DataInscricaoInicio: str("inscricao-inicio", f.inscricaoInicio),
		DataInscricaoFim:    str("inscricao-fim", f.inscricaoFim),
		DataProva:           str("prova", f.prova),
		DataResultado:       str("resultado", f.resultado),
		VagasImediatas:      num("vagas-imediatas", f.vagasImediatas),
		VagasCR:             num("vagas-cr", f.vagasCR),
		Salario:             str("salario", f.salario),
		LinkEdital:          str("link-edital", f.linkEdital),
		LinkInscricao:       str("link-inscricao", f.linkInscricao),
		Descricao:           str("descricao", f.descricao),
	}
	if changed("status") {
		s := domain.Status(f.status)
		p.Status = &s
	}
	return p
}

func contestCreateCmd() *cobra.Command {
	var f contestFlags
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contest",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := f.input()
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				in = domain.ContestInput{}
				if err := json.Unmarshal(data, &in); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateContest(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printContest(c)
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&file, "file", "", "read the contest from a JSON file instead of flags")
	return cmd
}

func contestListCmd() *cobra.Command {
	var q, st, exclude, abrangencia, uf string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := domain.ContestFilters{
					Query:       q,
					Status:      domain.Status(st),
					Abrangencia: abrangencia,
					UF:          uf,
					Limit:       limit,
				}
				for _, s := range strings.Split(exclude, ",") {
					if s = strings.TrimSpace(s); s != "" {
						f.ExcludeStatus = append(f.ExcludeStatus, domain.Status(s))
					}
				}
				contests, err := e.ListContests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(contests)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Slug", "Título", "Órgão", "Status", "Inscrições", "Vagas"})
				for _, c := range contests {
					window := ""
					if c.DataInscricaoInicio != nil || c.DataInscricaoFim != nil {
						window = deref(c.DataInscricaoInicio) + " → " + deref(c.DataInscricaoFim)
					}
					tw.AppendRow(table.Row{c.Slug, c.Titulo, c.Orgao, c.Status, window, c.VagasTotal})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q, "q", "", "search titulo, orgao and banca")
	cmd.Flags().StringVar(&st, "status", "", "status filter")
	cmd.Flags().StringVar(&exclude, "exclude-status", "", "comma-separated statuses to leave out")
	cmd.Flags().StringVar(&abrangencia, "abrangencia", "", "scope filter")
	cmd.Flags().StringVar(&uf, "uf", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func contestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|slug>",
		Short: "Show a contest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetContest(ctx, args[0])
				if errors.Is(err, domain.ErrNotFound) {
					c, err = e.GetContestBySlug(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printContest(c)
			})
		},
	}
}

func contestUpdateCmd() *cobra.Command {
	var f contestFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a contest; only the given flags change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := f.patch(cmd)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateContest(ctx, args[0], p, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printContest(c)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func contestDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a contest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteContest(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func contestRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-derive the status of every contest that is not closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RefreshStatuses(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("scanned %d, updated %d, failed %d\n", res.Scanned, res.Updated, res.Failed)
				if len(res.Changes) > 0 {
					tw := newTable()
					tw.AppendHeader(table.Row{"Slug", "From", "To"})
					for _, ch := range res.Changes {
						tw.AppendRow(table.Row{ch.Slug, ch.From, ch.To})
					}
					tw.Render()
				}
				if len(res.Failures) > 0 {
					tw := newTable()
					tw.AppendHeader(table.Row{"Slug", "Error"})
					for _, fl := range res.Failures {
						tw.AppendRow(table.Row{fl.Slug, fl.Error})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func contestDeriveCmd() *cobra.Command {
	var st, inicio, fim, prova, resultado, at string
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Show the status the given dates produce, without saving",
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				parsed, ok := status.ParseDate(&at)
				if !ok {
					return fmt.Errorf("invalid --at %q", at)
				}
				when = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				derived, day := e.PreviewStatus(status.Fields{
					Status:          domain.Status(st),
					InscricaoInicio: optionalString(inicio),
					InscricaoFim:    optionalString(fim),
					Prova:           optionalString(prova),
					Resultado:       optionalString(resultado),
				}, when)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"status": derived, "date": day.Format(time.DateOnly)})
				}
				fmt.Printf("%s on %s\n", derived, day.Format(time.DateOnly))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&st, "status", "", "current status")
	cmd.Flags().StringVar(&inicio, "inscricao-inicio", "", "registration start")
	cmd.Flags().StringVar(&fim, "inscricao-fim", "", "registration end")
	cmd.Flags().StringVar(&prova, "prova", "", "exam date")
	cmd.Flags().StringVar(&resultado, "resultado", "", "result date")
	cmd.Flags().StringVar(&at, "at", "", "reference date (default today)")
	return cmd
}

func printContest(c domain.Contest) error {
	return printJSONOrTable(c)
}

func alertsCmd() *cobra.Command {
	var closing, opening int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Registrations closing or opening soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Alerts(ctx, closing, opening)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				for _, section := range []struct {
					title  string
					alerts []engine.Alert
				}{
					{fmt.Sprintf("Closing within %d days", rep.ClosingDays), rep.ClosingSoon},
					{fmt.Sprintf("Opening within %d days", rep.OpeningDays), rep.OpeningSoon},
				} {
					tw := newTable()
					tw.SetTitle(section.title)
					tw.AppendHeader(table.Row{"Slug", "Título", "Date", "Days"})
					for _, a := range section.alerts {
						tw.AppendRow(table.Row{a.Contest.Slug, a.Contest.Titulo, a.Date, a.DaysLeft})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&closing, "closing-days", 0, "closing window (default from chub.yml)")
	cmd.Flags().IntVar(&opening, "opening-days", 0, "opening window (default from chub.yml)")
	return cmd
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Counts by status and records due for a refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Dashboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, d.ByStatus[string(s)]})
				}
				tw.AppendFooter(table.Row{"total", d.Total})
				tw.Render()
				fmt.Printf("stale: %d  closing soon: %d  opening soon: %d\n", d.Stale, d.ClosingSoon, d.OpeningSoon)
				return nil
			})
		},
	}
}

func calendarCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Date milestones in a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			var start, end time.Time
			for _, v := range []struct {
				name string
				raw  string
				dst  *time.Time
			}{{"from", from, &start}, {"to", to, &end}} {
				if v.raw == "" {
					continue
				}
				parsed, ok := status.ParseDate(&v.raw)
				if !ok {
					return fmt.Errorf("invalid --%s %q", v.name, v.raw)
				}
				*v.dst = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Calendar(ctx, start, end)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Date", "Milestone", "Slug", "Status"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.Date, m.Kind, m.Slug, m.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day (default today)")
	cmd.Flags().StringVar(&to, "to", "", "last day (default 30 days after --from)")
	return cmd
}

func eventFilters(n int, evtType, entityKind, entityID string) domain.EventFilters {
	return domain.EventFilters{
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		Limit:      n,
	}
}
