package conflict

import (
	"encoding/json"
	"testing"
)

func TestDefaultStrategy(t *testing.T) {
	tests := []struct {
		entity EntityType
		want   Strategy
	}{
		{Inventory, ClientWins},
		{Map, ServerWins},
		{Session, ServerWins},
		{Campaign, ServerWins},
		{Character, Merge},
	}
	for _, tt := range tests {
		if got := DefaultStrategy(tt.entity); got != tt.want {
			t.Errorf("DefaultStrategy(%s) = %s, want %s", tt.entity, got, tt.want)
		}
	}
}

func TestEveryEntityTypeHasNameAndStrategy(t *testing.T) {
	for _, e := range EntityTypes() {
		parsed, err := ParseEntityType(e.String())
		if err != nil || parsed != e {
			t.Errorf("ParseEntityType(%q) = %v, %v", e.String(), parsed, err)
		}
		if s := DefaultStrategy(e); s.String() == "" {
			t.Errorf("%s has no strategy", e)
		}
	}
}

func TestPolicy_Overrides(t *testing.T) {
	p, err := NewPolicy(map[EntityType]Strategy{Note: Prompt})
	if err != nil {
		t.Fatal(err)
	}
	if p.StrategyFor(Note) != Prompt {
		t.Errorf("override ignored")
	}
	if p.StrategyFor(Character) != Merge {
		t.Errorf("default lost")
	}
	if p.StrategyFor(EntityType(99)) != Prompt {
		t.Errorf("unknown entity type should prompt")
	}

	if _, err := NewPolicy(map[EntityType]Strategy{EntityType(-1): Merge}); err == nil {
		t.Error("expected invalid override to fail")
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"server_wins", "Client-Wins", "merge", "PROMPT"} {
		if _, err := ParseStrategy(name); err != nil {
			t.Errorf("ParseStrategy(%q): %v", name, err)
		}
	}
	if _, err := ParseStrategy("coin_flip"); err == nil {
		t.Error("expected unknown strategy to fail")
	}
}

func TestStrategy_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Strategy{"s": ClientWins})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"s":"client_wins"}` {
		t.Errorf("marshal = %s", b)
	}

	var got struct{ S Strategy }
	if err := json.Unmarshal([]byte(`{"S":"merge"}`), &got); err != nil {
		t.Fatal(err)
	}
	if got.S != Merge {
		t.Errorf("unmarshal = %s", got.S)
	}
}
