package domain

import (
	"errors"
	"testing"
)

func TestPersonFieldAccess(t *testing.T) {
	p := Person{ID: "P-1", Name: "山田 太郎", Extra: map[string]string{"line_name": "taro"}}

	if v, ok := p.Field(FieldName); !ok || v != "山田 太郎" {
		t.Errorf("Field(name) = %q, %v", v, ok)
	}
	if v, ok := p.Field("extra.line_name"); !ok || v != "taro" {
		t.Errorf("Field(extra.line_name) = %q, %v", v, ok)
	}
	if v, ok := p.Field("extra.missing"); !ok || v != "" {
		t.Errorf("Field(extra.missing) = %q, %v", v, ok)
	}
	if _, ok := p.Field("nope"); ok {
		t.Error("expected unknown field to report false")
	}

	if !p.SetField(FieldPhone, "09011112222") || p.Phone != "09011112222" {
		t.Errorf("SetField(phone) did not apply, phone=%q", p.Phone)
	}
	if !p.SetField("extra.clinic", "shibuya") || p.Extra["clinic"] != "shibuya" {
		t.Errorf("SetField(extra.clinic) did not apply")
	}
	if p.SetField("extra.", "x") {
		t.Error("expected empty extra key to be rejected")
	}
}

func TestPersonFieldNames(t *testing.T) {
	p := Person{Extra: map[string]string{"zeta": "1", "alpha": "2"}}
	names := p.FieldNames()
	want := append(append([]string{}, CoreFields...), "extra.alpha", "extra.zeta")
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestExtraJSONRoundTrip(t *testing.T) {
	var p Person
	if err := p.SetExtraJSON(`{"source":"sheet","visits":3,"note":null}`); err != nil {
		t.Fatalf("SetExtraJSON failed: %v", err)
	}
	if p.Extra["source"] != "sheet" || p.Extra["visits"] != "3" || p.Extra["note"] != "" {
		t.Errorf("unexpected extra: %#v", p.Extra)
	}

	empty := Person{}
	raw, err := empty.ExtraJSON()
	if err != nil || raw != "{}" {
		t.Errorf("ExtraJSON on empty = %q, %v", raw, err)
	}
}

func TestMergePlanKeyStable(t *testing.T) {
	a := MergePlan{
		CanonicalID:  "P-1",
		LosingIDs:    []string{"tmp_2"},
		FieldUpdates: map[string]string{"phone": "09011112222", "name": "Taro"},
	}
	b := MergePlan{
		CanonicalID:  "P-1",
		LosingIDs:    []string{"tmp_2"},
		FieldUpdates: map[string]string{"name": "Taro", "phone": "09011112222"},
		Key:          "ignored",
	}
	if a.ComputeKey() != b.ComputeKey() {
		t.Errorf("expected equal keys, got %s and %s", a.ComputeKey(), b.ComputeKey())
	}
	b.LosingIDs = []string{"tmp_3"}
	if a.ComputeKey() == b.ComputeKey() {
		t.Error("expected different keys for different plans")
	}
}

func TestPartialMigrationFailureUnwrap(t *testing.T) {
	err := error(&PartialMigrationFailure{PlanKey: "k", LosingID: "tmp_1", Table: "orders", Step: 2, Err: ErrStoreUnavailable})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("expected wrapped ErrStoreUnavailable")
	}
	var pmf *PartialMigrationFailure
	if !errors.As(err, &pmf) || pmf.Table != "orders" {
		t.Errorf("errors.As failed: %v", err)
	}
}
