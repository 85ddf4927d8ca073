package validator

import (
	"testing"
	"time"

	"github.com/radarcore/termind/internal/cascade"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/store"
)

func TestValidate_DiscardsMissingFields(t *testing.T) {
	v := New()
	got := v.Validate([]cascade.AppointmentAction{{Action: "create", Title: ""}}, Input{MessageTimestamp: time.Now()})
	if len(got) != 0 {
		t.Errorf("expected action with no title to be discarded, got %v", got)
	}
}

func TestValidate_RejectsUpdateWithoutID(t *testing.T) {
	v := New()
	got := v.Validate([]cascade.AppointmentAction{{Action: "update", Title: "Arzttermin", DateTime: "2026-08-20T10:00"}}, Input{MessageTimestamp: time.Now()})
	if len(got) != 0 {
		t.Errorf("expected update without updates_termin_id to be discarded")
	}
}

func TestValidate_SetsAllDayWhenOnlyDateGiven(t *testing.T) {
	v := New()
	got := v.Validate([]cascade.AppointmentAction{{Action: "create", Title: "Geburtstag", Date: "2026-08-20", AllDay: true}}, Input{MessageTimestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Zone: time.UTC})
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if !got[0].Appointment.AllDay || got[0].Appointment.DateTime != nil {
		t.Errorf("expected all_day appointment with nil datetime, got %+v", got[0].Appointment)
	}
}

func TestValidate_PastSuppression(t *testing.T) {
	v := New()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	got := v.Validate([]cascade.AppointmentAction{{
		Action: "create", Title: "Altes Treffen", DateTime: "2026-08-01T10:00",
	}}, Input{MessageTimestamp: now, Zone: time.UTC})
	if len(got) != 0 {
		t.Errorf("expected a far-past action to be suppressed, got %v", got)
	}
}

func TestValidate_VonBisFillsStartAndEnd(t *testing.T) {
	v := New()
	got := v.Validate([]cascade.AppointmentAction{{
		Action: "create", Title: "Training von 15:00 bis 16:30", Date: "2026-08-20",
	}}, Input{MessageTimestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Zone: time.UTC})
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	a := got[0].Appointment
	if a.DateTime == nil || a.DateTime.Hour() != 15 {
		t.Errorf("expected start at 15:00, got %+v", a.DateTime)
	}
	if a.EndDateTime == nil || a.EndDateTime.Hour() != 16 {
		t.Errorf("expected end at 16:30, got %+v", a.EndDateTime)
	}
}

func TestValidate_BisOnlyFillsEndNotStart(t *testing.T) {
	v := New()
	got := v.Validate([]cascade.AppointmentAction{{
		Action: "create", Title: "Hort bis 17:00", DateTime: "2026-08-20T14:00",
	}}, Input{MessageTimestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Zone: time.UTC})
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	a := got[0].Appointment
	if a.DateTime == nil || a.DateTime.Hour() != 14 {
		t.Errorf("expected start to stay at the explicit datetime, got %+v", a.DateTime)
	}
	if a.EndDateTime == nil || a.EndDateTime.Hour() != 17 {
		t.Errorf("expected end at 17:00, got %+v", a.EndDateTime)
	}
}

func TestValidate_PrepTaskDemotedWhenRelatedAppointmentExists(t *testing.T) {
	v := New()
	existing := []store.Appointment{{Title: "Schwimmtraining Romy"}}
	got := v.Validate([]cascade.AppointmentAction{{
		Action: "create", Title: "Schwimmsachen einpacken", Date: "2026-08-20", AllDay: true,
	}}, Input{MessageTimestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Zone: time.UTC, ExistingAppointments: existing})
	if len(got) != 0 {
		t.Errorf("expected prep task to be demoted, got %v", got)
	}
}

func TestValidate_RelevanceInferredFromDetectedChild(t *testing.T) {
	v := New()
	child := &person.Person{Key: "romy", Name: "Romy", Role: "child"}
	got := v.Validate([]cascade.AppointmentAction{{
		Action: "create", Title: "Turnier", Date: "2026-08-20", AllDay: true,
	}}, Input{MessageTimestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Zone: time.UTC, DetectedPersons: []*person.Person{child}})
	if len(got) != 1 || got[0].Appointment.Relevance != "shared" {
		t.Errorf("expected relevance=shared when a child is detected, got %+v", got)
	}
}

func TestValidate_DetectedChildOverridesLLMRelevance(t *testing.T) {
	v := New()
	child := &person.Person{Key: "romy", Name: "Romy", Role: "child"}
	got := v.Validate([]cascade.AppointmentAction{{
		Action: "create", Title: "Turnier", Date: "2026-08-20", AllDay: true, Relevance: "for_me",
	}}, Input{MessageTimestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Zone: time.UTC, DetectedPersons: []*person.Person{child}})
	if len(got) != 1 || got[0].Appointment.Relevance != "shared" {
		t.Errorf("expected a detected child to force relevance=shared even when the LLM said for_me, got %+v", got)
	}
}

func TestValidate_ConfidenceClampAndDefault(t *testing.T) {
	v := New()
	got := v.Validate([]cascade.AppointmentAction{
		{Action: "create", Title: "A", Date: "2026-08-20", AllDay: true, Confidence: 1.5},
		{Action: "create", Title: "B", Date: "2026-08-21", AllDay: true},
	}, Input{MessageTimestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Zone: time.UTC})
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Appointment.Confidence != 1.0 {
		t.Errorf("expected confidence clamped to 1.0, got %f", got[0].Appointment.Confidence)
	}
	if got[1].Appointment.Confidence != 0.5 {
		t.Errorf("expected default confidence 0.5, got %f", got[1].Appointment.Confidence)
	}
}
