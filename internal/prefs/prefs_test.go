package prefs

import (
	"reflect"
	"testing"
)

func boolPtr(v bool) *bool { return &v }

func TestMerge_SingleLeafOverDefaults(t *testing.T) {
	updates := &Patch{
		Push: &PushPatch{
			Appointments: &AppointmentTogglesPatch{Reminder: boolPtr(false)},
		},
	}

	got := Merge(nil, updates)
	want := Defaults()
	want.Push.Appointments.Reminder = false

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge result differs from defaults beyond the single leaf:\ngot  %+v\nwant %+v", got, want)
	}
	if !reflect.DeepEqual(got.ReminderOffsets, DefaultReminderOffsets) {
		t.Fatalf("reminder offsets changed: %v", got.ReminderOffsets)
	}
}

func TestMerge_UpdatesLayerOverStored(t *testing.T) {
	stored := &Patch{
		Push: &PushPatch{
			Appointments: &AppointmentTogglesPatch{
				Reminder: boolPtr(false),
				Created:  boolPtr(false),
			},
		},
	}
	updates := &Patch{
		Push: &PushPatch{
			Appointments: &AppointmentTogglesPatch{Created: boolPtr(true)},
		},
	}

	got := Merge(stored, updates)
	if got.Push.Appointments.Reminder {
		t.Fatal("stored leaf must survive when update is silent on it")
	}
	if !got.Push.Appointments.Created {
		t.Fatal("update leaf must win over stored")
	}
	if !got.Push.Appointments.Cancelled {
		t.Fatal("untouched leaf must come from defaults")
	}
}

func TestResolve_FillsMissingLeaves(t *testing.T) {
	got := Resolve(&Patch{})
	if !reflect.DeepEqual(got, Defaults()) {
		t.Fatalf("empty patch must resolve to defaults, got %+v", got)
	}
	if !reflect.DeepEqual(Resolve(nil), Defaults()) {
		t.Fatal("nil patch must resolve to defaults")
	}
}

func TestNormalizeOffsets(t *testing.T) {
	tests := []struct {
		name     string
		in       []int
		fallback []int
		want     []int
	}{
		{"sorted and deduped", []int{60, 30, 60}, []int{30}, []int{30, 60}},
		{"truncated to two", []int{120, 30, 60}, []int{30}, []int{30, 60}},
		{"drops out of range", []int{0, -5, 1441}, []int{30}, []int{30}},
		{"boundary values kept", []int{1, 1440}, []int{30}, []int{1, 1440}},
		{"empty reverts to fallback", nil, []int{15, 45}, []int{15, 45}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeOffsets(tt.in, tt.fallback)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMerge_InvalidUpdateOffsetsFallBackToStored(t *testing.T) {
	stored := &Patch{ReminderOffsets: []int{15, 45}}
	updates := &Patch{ReminderOffsets: []int{0, 9999}}

	got := Merge(stored, updates)
	if !reflect.DeepEqual(got.ReminderOffsets, []int{15, 45}) {
		t.Fatalf("expected stored offsets to survive, got %v", got.ReminderOffsets)
	}

	// And when the stored offsets are themselves invalid, the compiled
	// default is the last resort.
	got = Merge(&Patch{ReminderOffsets: []int{-1}}, updates)
	if !reflect.DeepEqual(got.ReminderOffsets, DefaultReminderOffsets) {
		t.Fatalf("expected default offsets, got %v", got.ReminderOffsets)
	}
}
