package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if !Valid(a) {
		t.Errorf("expected %q to be a valid uuid", a)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pred_")
	if !strings.HasPrefix(id, "pred_") {
		t.Errorf("missing prefix: %s", id)
	}
	if len(id) != len("pred_")+24 {
		t.Errorf("unexpected length %d: %s", len(id), id)
	}
	if strings.Contains(id, "-") {
		t.Errorf("unexpected dash: %s", id)
	}
}

func TestValid(t *testing.T) {
	for _, s := range []string{"", "abc", "urn:uuid:6ba7b810-9dad-11d1-80b4-00c04fd430c8", "6ba7b8109dad11d180b400c04fd430c8"} {
		if Valid(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
	if !Valid("6ba7b810-9dad-11d1-80b4-00c04fd430c8") {
		t.Error("expected canonical uuid to be valid")
	}
}
