package cache

import (
	"testing"

	"github.com/tycoworks/tycostream/internal/wire"
)

func TestSetAndGet(t *testing.T) {
	c := New("id")
	ok := c.Set(wire.Row{"id": int64(1), "name": "A"})
	if !ok {
		t.Fatal("Set returned false for valid row")
	}
	row, ok := c.Get("1")
	if !ok {
		t.Fatal("Get did not find row")
	}
	if row["name"] != "A" {
		t.Errorf("row[name] = %v, want A", row["name"])
	}
}

func TestSetRejectsMissingOrNilKey(t *testing.T) {
	c := New("id")
	if c.Set(wire.Row{"name": "A"}) {
		t.Error("Set should reject a row missing the primary key")
	}
	if c.Set(wire.Row{"id": nil, "name": "A"}) {
		t.Error("Set should reject a row with a nil primary key")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestDelete(t *testing.T) {
	c := New("id")
	c.Set(wire.Row{"id": int64(7), "name": "X"})
	c.Delete(wire.Row{"id": int64(7)})
	if _, ok := c.Get("7"); ok {
		t.Error("row still present after Delete")
	}
}

func TestSetOverwritesSamePrimaryKey(t *testing.T) {
	c := New("id")
	c.Set(wire.Row{"id": int64(1), "name": "A"})
	c.Set(wire.Row{"id": int64(1), "name": "A2"})
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (key-unique cache invariant I3)", c.Len())
	}
	row, _ := c.Get("1")
	if row["name"] != "A2" {
		t.Errorf("row[name] = %v, want A2", row["name"])
	}
}

func TestSetStoresShallowCopy(t *testing.T) {
	c := New("id")
	original := wire.Row{"id": int64(1), "name": "A"}
	c.Set(original)
	original["name"] = "mutated"

	row, _ := c.Get("1")
	if row["name"] != "A" {
		t.Errorf("cached row was mutated via caller's map reference: got %v", row["name"])
	}
}
