package turn

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()

	// IDは一意である
	if id1.String() == id2.String() {
		t.Errorf("ID should be unique, got same ID: %s", id1.String())
	}

	// フォーマットチェック: YYYYMMDD-HHMMSS-{UUID}
	parts := strings.Split(id1.String(), "-")
	if len(parts) != 3 {
		t.Fatalf("ID format should be YYYYMMDD-HHMMSS-UUID, got: %s", id1.String())
	}

	if len(parts[0]) != 8 {
		t.Errorf("Date part should be 8 chars, got: %s", parts[0])
	}

	if len(parts[1]) != 6 {
		t.Errorf("Time part should be 6 chars, got: %s", parts[1])
	}

	if len(parts[2]) != 8 {
		t.Errorf("UUID part should be 8 chars, got: %s", parts[2])
	}
}

func TestIDFromStringAndEquals(t *testing.T) {
	a := IDFromString("20260301-120000-abcd1234")
	b := IDFromString("20260301-120000-abcd1234")
	c := IDFromString("20260301-120001-efgh5678")

	if a.String() != "20260301-120000-abcd1234" {
		t.Errorf("Expected round trip, got %s", a.String())
	}
	if !a.Equals(b) {
		t.Error("Same IDs should be equal")
	}
	if a.Equals(c) {
		t.Error("Different IDs should not be equal")
	}
}

func TestIDIsZero(t *testing.T) {
	var zero ID
	if !zero.IsZero() {
		t.Error("Zero ID should return true for IsZero()")
	}
	if NewID().IsZero() {
		t.Error("Generated ID should return false for IsZero()")
	}
}
