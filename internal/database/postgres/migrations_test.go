package postgres

import (
	"sort"
	"strings"
	"testing"
)

func TestSchemaSteps(t *testing.T) {
	steps, bodies, err := schemaSteps()
	if err != nil {
		t.Fatalf("schemaSteps() error = %v", err)
	}
	if len(steps) == 0 || steps[0].Name != "001_face_encodings.sql" {
		t.Fatalf("steps = %+v, want 001_face_encodings.sql first", steps)
	}
	if !sort.SliceIsSorted(steps, func(i, j int) bool { return steps[i].Name < steps[j].Name }) {
		t.Errorf("steps not in name order: %+v", steps)
	}

	seen := make(map[string]bool)
	for _, s := range steps {
		if s.Checksum == "" || seen[s.Checksum] {
			t.Errorf("step %s has empty or repeated checksum %q", s.Name, s.Checksum)
		}
		seen[s.Checksum] = true
		if !s.Applied.IsZero() {
			t.Errorf("step %s reported as applied before touching the database", s.Name)
		}
	}
	if !strings.Contains(bodies["001_face_encodings.sql"], "face_encodings") {
		t.Error("001_face_encodings.sql does not create face_encodings")
	}
}
