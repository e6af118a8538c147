package migrations

import (
	"strings"
	"testing"

	"github.com/ehr/fhirstore/internal/platform/db"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	migs, err := db.NewMigrator(nil, FS).LoadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(migs) == 0 || migs[0].Version != 1 {
		t.Fatalf("migrations = %+v", migs)
	}
	if !strings.Contains(migs[0].SQL, "add_resource_type") {
		t.Error("schema migration does not define add_resource_type")
	}
}
