package schema

import (
	"errors"
	"strings"
	"testing"
)

func TestVersionValidate(t *testing.T) {
	ok := &Version{ItemType: "Widget", ItemID: 1, Event: EventUpdate}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	bad := &Version{Event: "publish"}
	err := bad.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() = %v, want *ValidationError", err)
	}
	if len(verr.Errors) != 3 {
		t.Fatalf("errors=%v, want 3 entries", verr.Errors)
	}
	if !strings.Contains(err.Error(), "event 取值非法") {
		t.Fatalf("message %q missing event error", err.Error())
	}
}
