package selection

import (
	"encoding/json"
	"strings"

	"github.com/pawmi/pawmi-server/internal/model"
)

// Input is one raw service selection from a create/update payload. Presence of
// the tier and addon fields is tracked separately from their values: a caller
// who omits price_tier_id means "leave the stored tier alone", a caller who
// sends price_tier_id: null means "clear it". The two must not be conflated.
type Input struct {
	ServiceID      string
	PetID          string
	PriceTierID    *string
	PriceTierLabel *string
	Price          *float64
	AddonIDs       []string

	tierSet   bool
	addonsSet bool
}

func (in *Input) UnmarshalJSON(data []byte) error {
	var raw struct {
		ServiceID      string   `json:"service_id"`
		PetID          string   `json:"pet_id"`
		PriceTierID    *string  `json:"price_tier_id"`
		PriceTierLabel *string  `json:"price_tier_label"`
		Price          *float64 `json:"price"`
		AddonIDs       []string `json:"addon_ids"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	_, hasTierID := keys["price_tier_id"]
	_, hasTierLabel := keys["price_tier_label"]
	_, hasPrice := keys["price"]
	_, hasAddons := keys["addon_ids"]

	*in = Input{
		ServiceID:      raw.ServiceID,
		PetID:          raw.PetID,
		PriceTierID:    raw.PriceTierID,
		PriceTierLabel: raw.PriceTierLabel,
		Price:          raw.Price,
		AddonIDs:       raw.AddonIDs,
		tierSet:        hasTierID || hasTierLabel || hasPrice,
		addonsSet:      hasAddons,
	}
	return nil
}

// Selection is a normalized service selection with its presence flags.
type Selection struct {
	ServiceID      string
	PetID          string
	PriceTierID    *string
	PriceTierLabel *string
	Price          *float64
	AddonIDs       []string

	// TierSet reports whether any tier field appeared in the payload;
	// AddonsSet the same for addon_ids. False means "no opinion".
	TierSet   bool
	AddonsSet bool
}

// Normalize drops entries without a service_id (silently, matching the booking
// payload contract) and trims identifier fields.
func Normalize(inputs []Input) []Selection {
	out := make([]Selection, 0, len(inputs))
	for _, in := range inputs {
		serviceID := strings.TrimSpace(in.ServiceID)
		if serviceID == "" {
			continue
		}
		addons := in.AddonIDs
		if addons == nil {
			addons = []string{}
		}
		out = append(out, Selection{
			ServiceID:      serviceID,
			PetID:          strings.TrimSpace(in.PetID),
			PriceTierID:    in.PriceTierID,
			PriceTierLabel: in.PriceTierLabel,
			Price:          in.Price,
			AddonIDs:       addons,
			TierSet:        in.tierSet,
			AddonsSet:      in.addonsSet,
		})
	}
	return out
}

// EveryPetAssigned reports whether each selection carries a pet. Recurring
// appointments require one so every generated occurrence knows which pet it
// belongs to.
func EveryPetAssigned(sels []Selection) bool {
	for _, s := range sels {
		if s.PetID == "" {
			return false
		}
	}
	return true
}

// Pair is an incoming selection matched to an existing AppointmentService row.
type Pair struct {
	Existing model.AppointmentService
	Incoming Selection
}

// MatchResult partitions an update's selections against the stored rows.
type MatchResult struct {
	Matched   []Pair
	Inserts   []Selection
	DeleteIDs []string
}

// Match pairs incoming selections with existing rows. The primary key is
// (service_id, pet_id); when no exact match exists, any remaining row with the
// same service_id is claimed regardless of pet, so reassigning a pet keeps the
// row's tier and addons. Leftover incoming selections become inserts; leftover
// existing rows are deleted.
func Match(existing []model.AppointmentService, incoming []Selection) MatchResult {
	var res MatchResult
	claimed := make([]bool, len(existing))

	pending := make([]Selection, 0, len(incoming))
	for _, sel := range incoming {
		idx := -1
		for i, row := range existing {
			if !claimed[i] && row.ServiceID == sel.ServiceID && row.PetID == sel.PetID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			claimed[idx] = true
			res.Matched = append(res.Matched, Pair{Existing: existing[idx], Incoming: sel})
			continue
		}
		pending = append(pending, sel)
	}

	for _, sel := range pending {
		idx := -1
		for i, row := range existing {
			if !claimed[i] && row.ServiceID == sel.ServiceID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			claimed[idx] = true
			res.Matched = append(res.Matched, Pair{Existing: existing[idx], Incoming: sel})
			continue
		}
		res.Inserts = append(res.Inserts, sel)
	}

	for i, row := range existing {
		if !claimed[i] {
			res.DeleteIDs = append(res.DeleteIDs, row.ID)
		}
	}
	return res
}

// Apply produces the updated row for a matched pair, honoring the presence
// flags: omitted tier/addon fields keep the stored values, explicitly supplied
// ones (including nulls) replace them.
func Apply(p Pair) model.AppointmentService {
	row := p.Existing
	row.ServiceID = p.Incoming.ServiceID
	row.PetID = p.Incoming.PetID
	if p.Incoming.TierSet {
		row.PriceTierID = p.Incoming.PriceTierID
		row.PriceTierLabel = p.Incoming.PriceTierLabel
		row.Price = p.Incoming.Price
	}
	if p.Incoming.AddonsSet {
		row.AddonIDs = p.Incoming.AddonIDs
	}
	return row
}
