package snapshot

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/schema"
)

func setupTestDB(t *testing.T, name string) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), name+".db"), schema.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// populate writes two owners, a manufacturer and two cars.
func populate(t *testing.T, store *db.DB) string {
	t.Helper()
	var makerID string
	_, err := store.Write(context.Background(), func(tx *db.Tx) error {
		for _, id := range []int{7, 8} {
			if _, err := tx.Create("Owner", map[string]any{"ownerId": id, "ownerName": "Ann", "ownerYear": "1990"}); err != nil {
				return err
			}
		}
		m, err := tx.Create("Manufacture", map[string]any{"manufactureName": "Volvo", "manufactureLocation": "Gothenburg"})
		if err != nil {
			return err
		}
		makerID = m.ID
		if _, err := tx.Create("Car", map[string]any{"carId": 1, "carYear": "2020", "carManufacture": m.ID, "carOwners": []string{"8", "7"}}); err != nil {
			return err
		}
		_, err = tx.Create("Car", map[string]any{"carId": 2, "carYear": "2021", "carOwners": []string{"7"}})
		return err
	})
	if err != nil {
		t.Fatalf("populate failed: %v", err)
	}
	return makerID
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t, "src")
	makerID := populate(t, src)

	var buf bytes.Buffer
	exported, err := Export(ctx, src, &buf)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	want := map[string]int{"Car": 2, "Manufacture": 1, "Owner": 2}
	if diff := cmp.Diff(want, exported.Classes); diff != "" {
		t.Errorf("exported classes mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(buf.String(), "ownerCars") {
		t.Error("computed ownerCars field was exported")
	}

	records, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("read %d records, want 5", len(records))
	}

	dst := setupTestDB(t, "dst")
	result, err := Import(ctx, dst, records, ImportOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("Import errors: %v", result.Errors)
	}
	if result.Objects != 5 {
		t.Errorf("Objects = %d, want 5", result.Objects)
	}
	if result.Links != 3 {
		t.Errorf("Links = %d, want 3", result.Links)
	}

	car, err := dst.Get(ctx, "Car", "1")
	if err != nil {
		t.Fatalf("Get car failed: %v", err)
	}
	if diff := cmp.Diff([]string{"8", "7"}, car.List("carOwners")); diff != "" {
		t.Errorf("carOwners mismatch (-want +got):\n%s", diff)
	}
	if car.Link("carManufacture") != makerID {
		t.Errorf("carManufacture = %q, want %q", car.Link("carManufacture"), makerID)
	}
	owner, err := dst.Get(ctx, "Owner", "7")
	if err != nil {
		t.Fatalf("Get owner failed: %v", err)
	}
	if got := len(owner.List("ownerCars")); got != 2 {
		t.Errorf("owner 7 has %d cars, want 2", got)
	}
}

func TestImport_ReportsBadRecords(t *testing.T) {
	ctx := context.Background()
	input := `{"class":"Car","id":"1","fields":{"carId":1,"carYear":"2020","carOwners":["99"]}}
{"class":"Boat","id":"1","fields":{}}
{"class":"Owner","id":"5","fields":{"ownerId":5,"ownerName":"Bo","ownerYear":"1980"}}
{"class":"Car","id":"2","fields":{"carId":3,"carYear":"2020"}}
`
	records, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	store := setupTestDB(t, "dst")
	result, err := Import(ctx, store, records, ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(result.Errors) != 3 {
		t.Errorf("Errors = %v, want 3", result.Errors)
	}
	if result.Objects != 2 {
		t.Errorf("Objects = %d, want 2", result.Objects)
	}

	// The car itself survives its broken link.
	car, err := store.Get(ctx, "Car", "1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(car.List("carOwners")) != 0 {
		t.Errorf("carOwners = %v, want none", car.List("carOwners"))
	}
	if _, err := store.Get(ctx, "Owner", "5"); err != nil {
		t.Errorf("owner 5 not imported: %v", err)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	records := []*Record{{Class: "Owner", ID: "1", Fields: map[string]any{"ownerId": 1, "ownerName": "A", "ownerYear": "1"}}}

	store := setupTestDB(t, "dst")
	result, err := Import(ctx, store, records, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Objects != 1 || result.Transactions != 0 {
		t.Errorf("result = %+v", result)
	}
	if n, _ := store.Count(ctx, "Owner"); n != 0 {
		t.Errorf("dry run wrote %d owners", n)
	}
}

func TestRead_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad json", `{"class":`},
		{"missing id", `{"class":"Car","fields":{}}`},
		{"missing class", `{"id":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read(strings.NewReader(tt.input)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestExportFile(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t, "src")
	populate(t, src)

	path := filepath.Join(t.TempDir(), "out", "cars.jsonl")
	if _, err := ExportFile(ctx, src, path); err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("read %d records, want 5", len(records))
	}
	if _, err := ReadFile(path + ".tmp"); err == nil {
		t.Error("temp file left behind")
	}
}
