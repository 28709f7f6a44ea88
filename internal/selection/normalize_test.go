package selection

import (
	"encoding/json"
	"testing"

	"github.com/pawmi/pawmi-server/internal/model"
)

func decode(t *testing.T, raw string) []Selection {
	t.Helper()
	var inputs []Input
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return Normalize(inputs)
}

func TestNormalize_DropsEntriesWithoutService(t *testing.T) {
	sels := decode(t, `[{"pet_id":"p1"},{"service_id":"s1","pet_id":"p1"},{"service_id":"  "}]`)
	if len(sels) != 1 {
		t.Fatalf("expected 1 selection, got %d", len(sels))
	}
	if sels[0].ServiceID != "s1" {
		t.Fatalf("unexpected service id %q", sels[0].ServiceID)
	}
}

func TestNormalize_TierPresenceFlags(t *testing.T) {
	sels := decode(t, `[
		{"service_id":"s1"},
		{"service_id":"s2","price_tier_id":null},
		{"service_id":"s3","price_tier_id":"t1"},
		{"service_id":"s4","price":12.5}
	]`)

	if sels[0].TierSet {
		t.Fatal("omitted tier fields must not set TierSet")
	}
	if !sels[1].TierSet || sels[1].PriceTierID != nil {
		t.Fatal("explicit null tier must set TierSet with nil value")
	}
	if !sels[2].TierSet || sels[2].PriceTierID == nil || *sels[2].PriceTierID != "t1" {
		t.Fatal("tier id must set TierSet with value")
	}
	if !sels[3].TierSet {
		t.Fatal("price alone counts as a tier field")
	}
}

func TestNormalize_AddonPresenceFlags(t *testing.T) {
	sels := decode(t, `[
		{"service_id":"s1"},
		{"service_id":"s2","addon_ids":[]},
		{"service_id":"s3","addon_ids":["a1","a2"]}
	]`)

	if sels[0].AddonsSet {
		t.Fatal("omitted addon_ids must not set AddonsSet")
	}
	if !sels[1].AddonsSet || len(sels[1].AddonIDs) != 0 {
		t.Fatal("explicit empty addon_ids must set AddonsSet with no addons")
	}
	if !sels[2].AddonsSet || len(sels[2].AddonIDs) != 2 {
		t.Fatal("addon list must set AddonsSet with values")
	}
}

func TestMatch_ExactThenServiceFallback(t *testing.T) {
	tier := "t1"
	existing := []model.AppointmentService{
		{ID: "row1", ServiceID: "s1", PetID: "p1", PriceTierID: &tier},
		{ID: "row2", ServiceID: "s2", PetID: "p2"},
	}
	incoming := []Selection{
		{ServiceID: "s1", PetID: "p9"}, // pet reassigned, same service
		{ServiceID: "s3", PetID: "p1"}, // brand new
	}

	res := Match(existing, incoming)
	if len(res.Matched) != 1 {
		t.Fatalf("expected 1 match, got %d", len(res.Matched))
	}
	if res.Matched[0].Existing.ID != "row1" {
		t.Fatalf("expected fallback match on row1, got %s", res.Matched[0].Existing.ID)
	}
	if len(res.Inserts) != 1 || res.Inserts[0].ServiceID != "s3" {
		t.Fatalf("expected one insert for s3, got %+v", res.Inserts)
	}
	if len(res.DeleteIDs) != 1 || res.DeleteIDs[0] != "row2" {
		t.Fatalf("expected row2 deleted, got %v", res.DeleteIDs)
	}
}

func TestMatch_ExactMatchWinsOverFallback(t *testing.T) {
	existing := []model.AppointmentService{
		{ID: "rowA", ServiceID: "s1", PetID: "p1"},
		{ID: "rowB", ServiceID: "s1", PetID: "p2"},
	}
	incoming := []Selection{
		{ServiceID: "s1", PetID: "p2"},
	}

	res := Match(existing, incoming)
	if len(res.Matched) != 1 || res.Matched[0].Existing.ID != "rowB" {
		t.Fatalf("expected exact match on rowB, got %+v", res.Matched)
	}
	if len(res.DeleteIDs) != 1 || res.DeleteIDs[0] != "rowA" {
		t.Fatalf("expected rowA deleted, got %v", res.DeleteIDs)
	}
}

func TestApply_PreservesOmittedTier(t *testing.T) {
	tier := "t1"
	price := 40.0
	existing := model.AppointmentService{
		ID: "row1", ServiceID: "s1", PetID: "p1",
		PriceTierID: &tier, Price: &price, AddonIDs: []string{"a1"},
	}

	// Tier fields omitted entirely: keep the stored tier.
	row := Apply(Pair{Existing: existing, Incoming: Selection{ServiceID: "s1", PetID: "p2"}})
	if row.PriceTierID == nil || *row.PriceTierID != "t1" {
		t.Fatal("omitted tier fields must preserve the existing tier")
	}
	if len(row.AddonIDs) != 1 {
		t.Fatal("omitted addon_ids must preserve existing addons")
	}
	if row.PetID != "p2" {
		t.Fatal("pet reassignment must apply")
	}

	// Explicit null: clear it.
	row = Apply(Pair{Existing: existing, Incoming: Selection{ServiceID: "s1", PetID: "p1", TierSet: true}})
	if row.PriceTierID != nil || row.Price != nil {
		t.Fatal("explicit null tier must clear the stored tier")
	}

	// Explicit empty addons: clear them.
	row = Apply(Pair{Existing: existing, Incoming: Selection{ServiceID: "s1", PetID: "p1", AddonsSet: true, AddonIDs: []string{}}})
	if len(row.AddonIDs) != 0 {
		t.Fatal("explicit empty addon_ids must clear stored addons")
	}
}
