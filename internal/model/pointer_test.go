package model

import "testing"

func TestGroupID(t *testing.T) {
	withGroup := &MessagePointer{ID: "m1", MessageGroupID: "order-7"}
	if withGroup.GroupID() != "order-7" {
		t.Errorf("Expected order-7, got %s", withGroup.GroupID())
	}

	// Ungrouped messages share one FIFO lane.
	ungrouped := &MessagePointer{ID: "m2"}
	if ungrouped.GroupID() != DefaultMessageGroup {
		t.Errorf("Expected default group, got %s", ungrouped.GroupID())
	}
}

func TestOutcomeSucceeded(t *testing.T) {
	cases := []struct {
		outcome *MediationOutcome
		want    bool
	}{
		{&MediationOutcome{Result: MediationSuccess}, true},
		{&MediationOutcome{Result: MediationErrorConnection}, false},
		{&MediationOutcome{Result: MediationErrorServer}, false},
		{&MediationOutcome{Result: MediationErrorProcess}, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := c.outcome.Succeeded(); got != c.want {
			t.Errorf("Succeeded() for %+v: expected %v, got %v", c.outcome, c.want, got)
		}
	}
}
