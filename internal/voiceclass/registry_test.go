package voiceclass

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
)

func TestFromDefaultConfig(t *testing.T) {
	reg, err := FromConfig(config.Default().VoiceClasses)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	got := reg.Classes()
	want := []string{"economy", "enhanced", "premium"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	premium, err := reg.Lookup("premium")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if premium.MaxRequestsPerSecond != 2 || premium.MaxCharsPerRequest != 3000 {
		t.Fatalf("unexpected premium limits %+v", premium)
	}
}

func TestLookupUnknown(t *testing.T) {
	reg, err := New(narration.VoiceClassLimits{Class: "standard", MaxRequestsPerSecond: 1, MaxCharsPerRequest: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup("neural"); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
	if reg.Has("neural") {
		t.Fatalf("expected Has to be false")
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected error for empty registry")
	}
	if _, err := New(narration.VoiceClassLimits{Class: "x", MaxRequestsPerSecond: 0, MaxCharsPerRequest: 1}); err == nil {
		t.Fatal("expected error for zero rps")
	}
	dup := narration.VoiceClassLimits{Class: "x", MaxRequestsPerSecond: 1, MaxCharsPerRequest: 1}
	if _, err := New(dup, dup); err == nil {
		t.Fatal("expected error for duplicate class")
	}
}

func TestClassesIsACopy(t *testing.T) {
	reg, _ := New(narration.VoiceClassLimits{Class: "a", MaxRequestsPerSecond: 1, MaxCharsPerRequest: 1})
	names := reg.Classes()
	names[0] = "mutated"
	if reg.Classes()[0] != "a" {
		t.Fatal("registry must not expose its internal slice")
	}
}
