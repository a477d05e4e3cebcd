package deception

import (
	"strings"
	"testing"
)

func TestCatalogOrder(t *testing.T) {
	want := []Tactic{PoliteLie, TimeTrap, HonestyTest, RedHerring, GatekeeperTest, CompetitorBluff}
	got := Catalog()
	if len(got) != len(want) {
		t.Fatalf("expected %d tactics, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.Tactic != want[i] {
			t.Errorf("catalog[%d] = %q, want %q", i, e.Tactic, want[i])
		}
		if e.Description == "" {
			t.Errorf("catalog[%d] has no description", i)
		}
	}
}

func TestCatalogIsCopy(t *testing.T) {
	c := Catalog()
	c[0].Tactic = "mutated"
	if Catalog()[0].Tactic != PoliteLie {
		t.Fatal("Catalog returned shared backing array")
	}
}

func TestActiveSubset(t *testing.T) {
	tests := []struct {
		d    Difficulty
		want int
		last Tactic
	}{
		{Easy, 3, HonestyTest},
		{Normal, 5, GatekeeperTest},
		{Hard, 6, CompetitorBluff},
		{Difficulty("nightmare"), 5, GatekeeperTest},
	}

	for _, tt := range tests {
		t.Run(string(tt.d), func(t *testing.T) {
			got := ActiveSubset(tt.d)
			if len(got) != tt.want {
				t.Fatalf("ActiveSubset(%q) len = %d, want %d", tt.d, len(got), tt.want)
			}
			if got[len(got)-1].Tactic != tt.last {
				t.Errorf("last tactic = %q, want %q", got[len(got)-1].Tactic, tt.last)
			}
		})
	}
}

func TestFrequencyGuidance(t *testing.T) {
	tests := []struct {
		d       Difficulty
		cadence int
	}{
		{Easy, 5},
		{Normal, 3},
		{Hard, 2},
	}
	for _, tt := range tests {
		if Cadence(tt.d) != tt.cadence {
			t.Errorf("Cadence(%q) = %d, want %d", tt.d, Cadence(tt.d), tt.cadence)
		}
		if !strings.Contains(FrequencyGuidance(tt.d), "every") {
			t.Errorf("unexpected guidance %q", FrequencyGuidance(tt.d))
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		label string
		want  Tactic
		ok    bool
	}{
		{"honesty_test", HonestyTest, true},
		{"Honesty Test", HonestyTest, true},
		{" competitor-bluff ", CompetitorBluff, true},
		{"gaslighting", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Parse(%q) = (%q, %v), want (%q, %v)", tt.label, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseDifficulty(t *testing.T) {
	if d, ok := ParseDifficulty("HARD"); d != Hard || !ok {
		t.Errorf("expected hard, got %q %v", d, ok)
	}
	if d, ok := ParseDifficulty("brutal"); d != Normal || ok {
		t.Errorf("expected normal fallback, got %q %v", d, ok)
	}
}

func TestDescribe(t *testing.T) {
	if Describe(TimeTrap) == "" {
		t.Error("expected description for time_trap")
	}
	if Describe("nope") != "" {
		t.Error("expected empty description for unknown tactic")
	}
}
