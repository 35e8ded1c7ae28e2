package model

import (
	"context"
	"testing"
)

func TestActor_Validate(t *testing.T) {
	if err := (Actor{ID: "u-1"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := (Actor{}).Validate(); err == nil {
		t.Error("Validate() on empty actor should fail")
	}
}

func TestActor_HasRole(t *testing.T) {
	a := Actor{ID: "u-1", Roles: []string{"facility_manager", "biomed_tech"}}
	if !a.HasRole("facility_manager") {
		t.Error("HasRole(facility_manager) = false, want true")
	}
	if a.HasRole("finance_officer") {
		t.Error("HasRole(finance_officer) = true, want false")
	}
}

func TestActor_Can(t *testing.T) {
	a := Actor{ID: "u-1", Capabilities: CapabilitySet{"equipment:dispose": true}}
	if !a.Can("") {
		t.Error("Can(\"\") = false, want true")
	}
	if !a.Can("equipment:dispose") {
		t.Error("Can(equipment:dispose) = false, want true")
	}
	if a.Can("equipment:transfer") {
		t.Error("Can(equipment:transfer) = true, want false")
	}
}

func TestSystemActor_canDoEverything(t *testing.T) {
	a := SystemActor()
	if a.ID != SystemActorID {
		t.Errorf("ID = %q, want %q", a.ID, SystemActorID)
	}
	if !a.Can("equipment:dispose") {
		t.Error("system actor should hold every capability")
	}
}

func TestWithActor_roundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ID: "u-7"})
	got, ok := ActorFrom(ctx)
	if !ok {
		t.Fatal("ActorFrom() ok = false, want true")
	}
	if got.ID != "u-7" {
		t.Errorf("ID = %q, want %q", got.ID, "u-7")
	}
}

func TestActorFrom_missing(t *testing.T) {
	if _, ok := ActorFrom(context.Background()); ok {
		t.Error("ActorFrom() ok = true on empty context")
	}
}
