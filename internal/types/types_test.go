package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFields_Clone_IsDeep(t *testing.T) {
	// Given: fields with nested map and slice values
	orig := Fields{
		"name":  "Thaldrin",
		"stats": map[string]any{"str": 14.0},
		"tags":  []any{"dwarf", "cleric"},
	}

	// When: the clone is mutated
	clone := orig.Clone()
	clone["stats"].(map[string]any)["str"] = 18.0
	clone["tags"].([]any)[0] = "elf"
	clone["name"] = "Other"

	// Then: the original is unchanged
	if orig["name"] != "Thaldrin" {
		t.Errorf("name changed: %v", orig["name"])
	}
	if got := orig["stats"].(map[string]any)["str"]; got != 14.0 {
		t.Errorf("nested map shared with clone: str = %v", got)
	}
	if got := orig["tags"].([]any)[0]; got != "dwarf" {
		t.Errorf("slice shared with clone: tags[0] = %v", got)
	}
}

func TestFields_Clone_Nil(t *testing.T) {
	var f Fields
	if f.Clone() != nil {
		t.Error("expected nil clone of nil fields")
	}
}

func TestRecord_Key(t *testing.T) {
	r := Record{Collection: "characters", ID: "c1"}
	if r.Key() != "characters/c1" {
		t.Errorf("Key() = %q", r.Key())
	}
}

func TestOpKind_Valid(t *testing.T) {
	for _, k := range []OpKind{OpCreate, OpUpdate, OpDelete} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if OpKind("upsert").Valid() {
		t.Error("upsert should not be valid")
	}
}

func TestNormalizeValue_IntegersBecomeFloats(t *testing.T) {
	got := NormalizeValue(map[string]any{
		"hp":   10,
		"list": []any{int64(1), uint8(2), float32(1.5)},
		"sub":  Fields{"n": int32(3)},
	})

	m := got.(map[string]any)
	if m["hp"] != 10.0 {
		t.Errorf("hp = %#v, want 10.0", m["hp"])
	}
	list := m["list"].([]any)
	if list[0] != 1.0 || list[1] != 2.0 || list[2] != 1.5 {
		t.Errorf("list = %#v", list)
	}
	if m["sub"].(map[string]any)["n"] != 3.0 {
		t.Errorf("sub.n = %#v", m["sub"])
	}
}

func TestIndexKey_DistinguishesTypes(t *testing.T) {
	s, err := IndexKey("1")
	if err != nil {
		t.Fatal(err)
	}
	n, err := IndexKey(1)
	if err != nil {
		t.Fatal(err)
	}
	f, err := IndexKey(1.0)
	if err != nil {
		t.Fatal(err)
	}

	if s == n {
		t.Errorf("string and number index keys collide: %q", s)
	}
	if n != f {
		t.Errorf("int and float index keys differ: %q vs %q", n, f)
	}
}

func TestCollectionSpec_Index(t *testing.T) {
	spec := CollectionSpec{
		Name:    "characters",
		Indexes: []IndexSpec{{Name: "by_campaign", Field: "campaignId"}},
	}

	idx, ok := spec.Index("by_campaign")
	if !ok || idx.Field != "campaignId" {
		t.Errorf("Index(by_campaign) = %+v, %v", idx, ok)
	}
	if _, ok := spec.Index("missing"); ok {
		t.Error("expected missing index lookup to fail")
	}
}

func TestMutationError_MarshalJSON(t *testing.T) {
	e := MutationError{
		Mutation: QueuedMutation{ID: "01HX", RemoteOperation: "createCharacter"},
		Err:      errors.New("boom"),
	}

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"error":"boom"`) {
		t.Errorf("marshalled error missing: %s", b)
	}
	if !strings.Contains(string(b), `"remote_operation":"createCharacter"`) {
		t.Errorf("marshalled mutation missing: %s", b)
	}
}

func TestNewLocalID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewLocalID()
		if len(id) != 36 {
			t.Fatalf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
