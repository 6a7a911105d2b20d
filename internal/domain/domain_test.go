package domain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestSanitizeNullsBlankFields(t *testing.T) {
	in := ContestInput{
		Titulo:        "  Concurso INSS ",
		Orgao:         " INSS",
		Banca:         strp("   "),
		UF:            strp("df"),
		DataProva:     strp(""),
		LinkEdital:    strp(" https://example.org/edital.pdf "),
		VagasCR:       3,
		DataResultado: nil,
	}
	in.Sanitize()
	want := ContestInput{
		Titulo:     "Concurso INSS",
		Orgao:      "INSS",
		UF:         strp("DF"),
		LinkEdital: strp("https://example.org/edital.pdf"),
		VagasCR:    3,
	}
	if diff := cmp.Diff(want, in); diff != "" {
		t.Fatalf("sanitize mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchApplyRecomputesTotal(t *testing.T) {
	base := Contest{
		Titulo:         "TRF",
		Orgao:          "TRF1",
		Banca:          strp("FCC"),
		Status:         StatusForecast,
		VagasImediatas: 10,
		VagasCR:        5,
		VagasTotal:     15,
	}
	cases := []struct {
		name  string
		patch ContestPatch
		want  int
	}{
		{"immediate only", ContestPatch{VagasImediatas: intp(20)}, 25},
		{"reserve only", ContestPatch{VagasCR: intp(0)}, 10},
		{"both", ContestPatch{VagasImediatas: intp(1), VagasCR: intp(2)}, 3},
		{"untouched", ContestPatch{Salario: strp("R$ 8.000")}, 15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.patch.Apply(base)
			if got.VagasTotal != tc.want {
				t.Fatalf("total = %d, want %d", got.VagasTotal, tc.want)
			}
			if got.VagasTotal != got.VagasImediatas+got.VagasCR {
				t.Fatalf("total invariant broken: %+v", got)
			}
		})
	}
}

func TestPatchApplyClearsAndKeeps(t *testing.T) {
	base := Contest{Titulo: "TRF", Orgao: "TRF1", Banca: strp("FCC"), DataProva: strp("2025-05-01")}
	got := ContestPatch{Banca: strp(""), Titulo: strp(" TRF 1ª Região ")}.Apply(base)
	want := base
	want.Banca = nil
	want.Titulo = "TRF 1ª Região"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("apply mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchPredicates(t *testing.T) {
	if !(ContestPatch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
	if (ContestPatch{LinkEdital: strp("x")}).TouchesStatus() {
		t.Fatal("link edit should not touch status")
	}
	open := StatusRegistrationOpen
	if !(ContestPatch{Status: &open}).TouchesStatus() || !(ContestPatch{DataProva: strp("")}).TouchesStatus() {
		t.Fatal("status and date edits should touch status")
	}
	c := Contest{Titulo: "A"}
	if (ContestPatch{Titulo: strp(" A ")}).TitleChanged(c) {
		t.Fatal("whitespace-only rename is not a change")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		if _, err := ParseStatus(string(s)); err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
	}
	if _, err := ParseStatus("aberto"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
