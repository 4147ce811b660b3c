package form

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestQuotaErrorsAreDistinctButShareCode(t *testing.T) {
	quota := []error{ErrMaxSystemTempForms, ErrMaxUserForms, ErrMaxCallerForms}
	for i, a := range quota {
		if !errors.Is(a, ErrQuotaExceeded) {
			t.Fatalf("%v should match ErrQuotaExceeded", a)
		}
		if CodeOf(a) != CodeQuotaExceeded {
			t.Fatalf("CodeOf(%v) = %v", a, CodeOf(a))
		}
		for j, b := range quota {
			if i != j && errors.Is(a, b) {
				t.Fatalf("%v must not match %v", a, b)
			}
		}
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("delete form: %w", Errorf(CodeNotExistID, "form %d", 9))
	if CodeOf(err) != CodeNotExistID {
		t.Fatalf("CodeOf = %v, want not_exist_id", CodeOf(err))
	}
	if !errors.Is(err, ErrNotExistID) {
		t.Fatalf("wrapped error should match ErrNotExistID")
	}
	if CodeOf(errors.New("plain")) != CodeCommon {
		t.Fatalf("uncoded error should map to CodeCommon")
	}
	if CodeOf(nil) != CodeOK {
		t.Fatalf("nil should map to CodeOK")
	}
}

func TestRefreshPolicyValid(t *testing.T) {
	if !Interval(30 * time.Minute).Valid() {
		t.Fatal("interval policy should be valid")
	}
	if !DailyAt(0, 0).Valid() || !DailyAt(0, 0).Active() {
		t.Fatal("midnight policy should be valid and active")
	}
	both := RefreshPolicy{Duration: time.Hour, AtHour: 3, AtSet: true}
	if both.Valid() {
		t.Fatal("two active policies must be rejected")
	}
	if DailyAt(24, 0).Valid() {
		t.Fatal("hour 24 must be rejected")
	}
	if (RefreshPolicy{}).Active() {
		t.Fatal("zero policy is inactive")
	}
}

func TestRecordJSONKeepsOwnerSet(t *testing.T) {
	r := NewRecord(7, ProviderInfo{Bundle: "b", Ability: "a", Module: "m", FormName: "f"}, 100, 0, false)
	r.FormUserUIDs[200] = struct{}{}

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := back.UIDs(); len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Fatalf("UIDs after round trip = %v", got)
	}
	if back.Key() != (ProviderKey{Bundle: "b", Ability: "a"}) {
		t.Fatalf("unexpected key %v", back.Key())
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := NewRecord(1, ProviderInfo{Bundle: "b"}, 1, 0, true)
	r.Content = json.RawMessage(`{"a":1}`)
	c := r.Clone()
	c.FormUserUIDs[2] = struct{}{}
	c.Content[2] = 'z'
	if len(r.FormUserUIDs) != 1 {
		t.Fatal("clone shares uid set")
	}
	if string(r.Content) != `{"a":1}` {
		t.Fatal("clone shares content")
	}
}
