package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	p := writeFile(t, "tuning.yaml", `
world_id: harbor
tick_rate_hz: 10
max_claim_radius: 4
world_gen:
  spawn_clear_radius: 0
logging:
  format: json
`)
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	want.WorldID = "harbor"
	want.TickRateHz = 10
	want.MaxClaimRadius = 4
	want.WorldGen.SpawnClearRadius = 0
	want.Logging.Format = "json"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tuning mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "tuning.toml", `
world_id = "drydock"
seed = 42
save_every_ticks = 0

[observer]
listen = "127.0.0.1:9000"

[logging]
level = "debug"
`)
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.WorldID != "drydock" || got.Seed != 42 || got.SaveEveryTicks != 0 {
		t.Fatalf("top-level fields not decoded: %+v", got)
	}
	if got.Observer.Listen != "127.0.0.1:9000" || got.Observer.QueueSize != Defaults().Observer.QueueSize {
		t.Fatalf("observer = %+v", got.Observer)
	}
	if got.Logging.Level != "debug" || got.Logging.Format != "console" {
		t.Fatalf("logging = %+v", got.Logging)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Tuning)
		want string
	}{
		{"defaults", func(*Tuning) {}, ""},
		{"zero tick rate", func(t *Tuning) { t.TickRateHz = 0 }, "tick_rate_hz"},
		{"negative radius", func(t *Tuning) { t.DefaultClaimRadius = -1 }, "radii"},
		{"default above max", func(t *Tuning) { t.DefaultClaimRadius = 9; t.MaxClaimRadius = 2 }, "exceeds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tu := Defaults()
			tc.mut(&tu)
			err := tu.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := writeFile(t, "bad.yaml", "tick_rate_hz: -3\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestStoreParamsCarryWorldGen(t *testing.T) {
	tune := Defaults()
	tune.Seed = 77
	tune.WorldGen.SprinkleDirtPermille = 5
	p := tune.StoreParams()
	if p.Seed != 77 || p.SprinkleDirtPermille != 5 || p.BiomeRegionSize != tune.WorldGen.BiomeRegionSize {
		t.Fatalf("StoreParams = %+v", p)
	}
}
