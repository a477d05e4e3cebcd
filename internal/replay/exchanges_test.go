package replay

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func turns(pairs ...string) []Turn {
	var out []Turn
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Turn{Role: pairs[i], Text: pairs[i+1]})
	}
	return out
}

func TestBuildExchanges(t *testing.T) {
	exs := BuildExchanges(turns(
		RoleProspect, "Who is this?",
		RoleRep, "Hi, it's Sam from Acme.",
		RoleRep, "Got a minute?",
		RoleProspect, "A quick one.",
		RoleRep, "What does your team use today?",
	))

	want := []Exchange{
		{
			Index:            1,
			RepUtterance:     "Hi, it's Sam from Acme.\nGot a minute?",
			CounterpartReply: "A quick one.",
			RecentContext:    "Prospect: Who is this?",
		},
		{
			Index:         2,
			RepUtterance:  "What does your team use today?",
			RecentContext: "Prospect: Who is this?\nRep: Hi, it's Sam from Acme.\nGot a minute?\nProspect: A quick one.",
		},
	}
	if diff := cmp.Diff(want, exs); diff != "" {
		t.Errorf("BuildExchanges mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildExchanges_ContextWindow(t *testing.T) {
	var ts []Turn
	for i := 0; i < 10; i++ {
		ts = append(ts, Turn{Role: RoleRep, Text: "r"}, Turn{Role: RoleProspect, Text: "p"})
	}

	exs := BuildExchanges(ts)
	if len(exs) != 10 {
		t.Fatalf("expected 10 exchanges, got %d", len(exs))
	}
	if n := strings.Count(exs[9].RecentContext, "\n") + 1; n != contextTurns {
		t.Errorf("expected %d context turns, got %d", contextTurns, n)
	}
	if exs[0].RecentContext != "" {
		t.Errorf("first exchange should have no context, got %q", exs[0].RecentContext)
	}
}

func TestBuildExchanges_Empty(t *testing.T) {
	if exs := BuildExchanges(nil); len(exs) != 0 {
		t.Errorf("expected no exchanges, got %d", len(exs))
	}
	if exs := BuildExchanges(turns(RoleProspect, "hello?")); len(exs) != 0 {
		t.Errorf("prospect-only transcript should yield no exchanges, got %d", len(exs))
	}
}
