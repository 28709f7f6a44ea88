// Package prefs resolves per-member notification preference documents.
// Stored documents may be partial; resolution fills every missing leaf from
// the compiled-in defaults, and updates layer strictly over
// existing-or-default, never the reverse.
package prefs

import "sort"

const (
	// MaxOffsetMinutes bounds a reminder offset to one day before start.
	MaxOffsetMinutes = 1440
	// MaxOffsets is how many distinct offsets a member may configure.
	MaxOffsets = 2
)

// DefaultReminderOffsets is the fallback when no valid offset survives
// normalization anywhere.
var DefaultReminderOffsets = []int{30}

// Document is a fully resolved preference document. Every field has a value.
type Document struct {
	Push            PushSection `json:"push"`
	ReminderOffsets []int       `json:"reminder_offsets"`
}

type PushSection struct {
	Appointments AppointmentToggles `json:"appointments"`
	Customers    CustomerToggles    `json:"customers"`
}

type AppointmentToggles struct {
	Reminder      bool `json:"reminder"`
	Created       bool `json:"created"`
	StatusChanged bool `json:"status_changed"`
	Cancelled     bool `json:"cancelled"`
}

type CustomerToggles struct {
	Created bool `json:"created"`
}

// Patch is a possibly-partial document, as stored or as submitted by a client.
// Nil leaves mean "no opinion".
type Patch struct {
	Push            *PushPatch `json:"push,omitempty"`
	ReminderOffsets []int      `json:"reminder_offsets,omitempty"`
}

type PushPatch struct {
	Appointments *AppointmentTogglesPatch `json:"appointments,omitempty"`
	Customers    *CustomerTogglesPatch    `json:"customers,omitempty"`
}

type AppointmentTogglesPatch struct {
	Reminder      *bool `json:"reminder,omitempty"`
	Created       *bool `json:"created,omitempty"`
	StatusChanged *bool `json:"status_changed,omitempty"`
	Cancelled     *bool `json:"cancelled,omitempty"`
}

type CustomerTogglesPatch struct {
	Created *bool `json:"created,omitempty"`
}

// ToPatch converts a resolved document into a fully specified patch, usable
// for persisting the document with every leaf explicit.
func (d Document) ToPatch() *Patch {
	return &Patch{
		Push: &PushPatch{
			Appointments: &AppointmentTogglesPatch{
				Reminder:      &d.Push.Appointments.Reminder,
				Created:       &d.Push.Appointments.Created,
				StatusChanged: &d.Push.Appointments.StatusChanged,
				Cancelled:     &d.Push.Appointments.Cancelled,
			},
			Customers: &CustomerTogglesPatch{
				Created: &d.Push.Customers.Created,
			},
		},
		ReminderOffsets: d.ReminderOffsets,
	}
}

// Defaults returns the compiled-in preference document.
func Defaults() Document {
	return Document{
		Push: PushSection{
			Appointments: AppointmentToggles{
				Reminder:      true,
				Created:       true,
				StatusChanged: true,
				Cancelled:     true,
			},
			Customers: CustomerToggles{
				Created: true,
			},
		},
		ReminderOffsets: append([]int(nil), DefaultReminderOffsets...),
	}
}

// Resolve fills a stored patch out to a complete document.
func Resolve(stored *Patch) Document {
	return Merge(stored, nil)
}

// Merge layers updates over the stored document (itself backed by defaults)
// and returns the fully populated result. Offsets go through
// NormalizeOffsets; an update whose offsets all fail validation falls back to
// the stored offsets, then to the default.
func Merge(stored, updates *Patch) Document {
	doc := Defaults()
	applyPatch(&doc, stored)
	doc.ReminderOffsets = NormalizeOffsets(doc.ReminderOffsets, DefaultReminderOffsets)
	storedOffsets := doc.ReminderOffsets

	applyPatch(&doc, updates)
	if updates != nil && updates.ReminderOffsets != nil {
		doc.ReminderOffsets = NormalizeOffsets(updates.ReminderOffsets, storedOffsets)
	} else {
		doc.ReminderOffsets = storedOffsets
	}
	return doc
}

func applyPatch(doc *Document, p *Patch) {
	if p == nil {
		return
	}
	if p.ReminderOffsets != nil {
		doc.ReminderOffsets = p.ReminderOffsets
	}
	if p.Push == nil {
		return
	}
	if a := p.Push.Appointments; a != nil {
		setBool(&doc.Push.Appointments.Reminder, a.Reminder)
		setBool(&doc.Push.Appointments.Created, a.Created)
		setBool(&doc.Push.Appointments.StatusChanged, a.StatusChanged)
		setBool(&doc.Push.Appointments.Cancelled, a.Cancelled)
	}
	if c := p.Push.Customers; c != nil {
		setBool(&doc.Push.Customers.Created, c.Created)
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// NormalizeOffsets validates reminder offsets: integers in (0, 1440],
// deduplicated, sorted ascending, at most MaxOffsets kept. An empty result
// reverts to fallback (copied, never aliased).
func NormalizeOffsets(values []int, fallback []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range values {
		if v <= 0 || v > MaxOffsetMinutes || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return append([]int(nil), fallback...)
	}
	sort.Ints(out)
	if len(out) > MaxOffsets {
		out = out[:MaxOffsets]
	}
	return out
}
