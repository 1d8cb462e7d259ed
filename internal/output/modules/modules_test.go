package modules

import "testing"

func TestAllUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, def := range All() {
		if def.ConfigName == "" || def.PrettyName == "" || def.Create == nil {
			t.Errorf("incomplete definition %+v", def)
		}
		if seen[def.ConfigName] {
			t.Errorf("duplicate config name %q", def.ConfigName)
		}
		seen[def.ConfigName] = true
	}
	if len(seen) != 9 {
		t.Errorf("got %d sinks, want 9", len(seen))
	}
}
