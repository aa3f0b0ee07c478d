package scenarios

import "testing"

func TestAllScenariosPass(t *testing.T) {
	for _, s := range All() {
		s := s
		t.Run(s.Name, func(t *testing.T) {
			if err := s.Run(); err != nil {
				t.Fatalf("%s: %v", s.Name, err)
			}
		})
	}
}

func TestAllReturnsNineScenarios(t *testing.T) {
	if got := len(All()); got != 9 {
		t.Fatalf("len(All()) = %d, want 9", got)
	}
}

func TestScenarioNamesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range All() {
		if seen[s.Name] {
			t.Fatalf("duplicate scenario name %q", s.Name)
		}
		seen[s.Name] = true
	}
}
