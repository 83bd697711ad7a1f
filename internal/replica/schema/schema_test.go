package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	s := Default()

	want := []string{"Car", "Manufacture", "Owner"}
	got := s.ClassNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ClassNames() = %v, want %v", got, want)
	}

	inv := s.Inverses("Car", "carOwners")
	if len(inv) != 1 || inv[0].Class != "Owner" || inv[0].Property != "ownerCars" {
		t.Errorf("Inverses(Car.carOwners) = %+v", inv)
	}
	if len(s.Inverses("Car", "carManufacture")) != 0 {
		t.Errorf("Car.carManufacture should have no inverse")
	}

	if !s.HasInverses("Car") || !s.HasInverses("Owner") {
		t.Errorf("Car and Owner take part in an inverse relationship")
	}
	if s.HasInverses("Manufacture") {
		t.Errorf("Manufacture has no inverse relationship")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "no classes",
			yaml:   "version: 1\n",
			errMsg: "invalid schema",
		},
		{
			name: "unknown property type",
			yaml: `
classes:
  - name: A
    properties:
      - {name: x, type: blob}
`,
			errMsg: "invalid schema",
		},
		{
			name: "list without objectType",
			yaml: `
classes:
  - name: A
    properties:
      - {name: xs, type: list}
`,
			errMsg: "invalid schema",
		},
		{
			name: "link to unknown class",
			yaml: `
classes:
  - name: A
    properties:
      - {name: b, type: object, objectType: B}
`,
			errMsg: "links to unknown class B",
		},
		{
			name: "inverse of non-link",
			yaml: `
classes:
  - name: A
    properties:
      - {name: title, type: string}
  - name: B
    properties:
      - {name: as, type: linkingObjects, objectType: A, property: title}
`,
			errMsg: "is not a link to B",
		},
		{
			name: "float primary key",
			yaml: `
classes:
  - name: A
    primaryKey: x
    properties:
      - {name: x, type: float}
`,
			errMsg: "must be string or int",
		},
		{
			name: "duplicate property",
			yaml: `
classes:
  - name: A
    properties:
      - {name: x, type: int}
      - {name: x, type: string}
`,
			errMsg: "duplicate property A.x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestIDFor(t *testing.T) {
	s := Default()
	car, _ := s.Class("Car")

	id, err := car.IDFor(map[string]any{"carId": json.Number("42")})
	if err != nil {
		t.Fatalf("IDFor failed: %v", err)
	}
	if id != "42" {
		t.Errorf("IDFor = %q, want 42", id)
	}

	if _, err := car.IDFor(map[string]any{}); err == nil {
		t.Error("expected error for missing primary key")
	}

	man, _ := s.Class("Manufacture")
	a, _ := man.IDFor(nil)
	b, _ := man.IDFor(nil)
	if a == "" || a == b {
		t.Errorf("generated IDs should be unique, got %q and %q", a, b)
	}
}

func TestValidateFields(t *testing.T) {
	s := Default()
	owner, _ := s.Class("Owner")
	car, _ := s.Class("Car")

	if _, err := owner.ValidateFields(map[string]any{"ownerId": 1, "ownerName": "Ann"}, true); err == nil ||
		!strings.Contains(err.Error(), "ownerYear is required") {
		t.Errorf("expected missing ownerYear error, got %v", err)
	}

	if _, err := owner.ValidateFields(map[string]any{"ownerCars": []string{"1"}}, false); err == nil ||
		!strings.Contains(err.Error(), "computed") {
		t.Errorf("expected computed-property error, got %v", err)
	}

	if _, err := car.ValidateFields(map[string]any{"wheels": 4}, false); err == nil {
		t.Error("expected unknown property error")
	}

	if _, err := car.ValidateFields(map[string]any{"carYear": 2017}, false); err == nil {
		t.Error("expected type mismatch error")
	}

	out, err := car.ValidateFields(map[string]any{
		"carId":     float64(7),
		"carYear":   "2017",
		"carOwners": []any{"1", float64(2)},
	}, true)
	if err != nil {
		t.Fatalf("ValidateFields failed: %v", err)
	}
	if out["carId"] != int64(7) {
		t.Errorf("carId = %#v, want int64(7)", out["carId"])
	}
	owners := out["carOwners"].([]string)
	if len(owners) != 2 || owners[0] != "1" || owners[1] != "2" {
		t.Errorf("carOwners = %v", owners)
	}
}

func TestNormalize_Date(t *testing.T) {
	p := &Property{Name: "at", Type: TypeDate}
	ts := time.Date(2017, 5, 29, 10, 0, 0, 0, time.FixedZone("X", 3600))

	v, err := Normalize(p, ts)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if v != "2017-05-29T09:00:00Z" {
		t.Errorf("Normalize = %v", v)
	}

	if _, err := Normalize(p, "yesterday"); err == nil {
		t.Error("expected parse error")
	}
}
