package bootstrap

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/directorio/internal/config"
	"github.com/JonMunkholm/directorio/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(config.MapLookup(env))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	return cfg
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"memory", map[string]string{"STORE_DRIVER": "memory"}},
		{"memory mixed case", map[string]string{"STORE_DRIVER": "Memory"}},
		{"sqlite", map[string]string{
			"STORE_DRIVER": "sqlite",
			"SQLITE_PATH":  filepath.Join(t.TempDir(), "nested", "directorio.db"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := OpenStore(context.Background(), loadConfig(t, tt.env))
			if err != nil {
				t.Fatalf("OpenStore() error = %v", err)
			}
			defer b.Close()

			rows, err := b.Store.Select(context.Background(), store.TableCities, []string{"id"}, nil)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if len(rows) != 0 {
				t.Errorf("rows = %d, want 0", len(rows))
			}
		})
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"STORE_DRIVER": "memory"})
	cfg.Store.Driver = "mongo"

	if _, err := OpenStore(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "mongo") {
		t.Errorf("error = %v, want unknown driver", err)
	}
}

func TestNewService_ExactDedupAnyCase(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"STORE_DRIVER": "memory", "SYNC_TAXONOMY_DEDUP": "EXACT"})
	st := store.NewMemoryStore()
	svc := NewService(cfg, st, prometheus.NewRegistry())

	input := `[{"name":"Dr. Ana","specialty":"Cardiología; cardiologia","cities":["Puebla"]}]`
	summary, err := svc.Sync(context.Background(), strings.NewReader(input), int64(len(input)))
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if summary.SpecialtiesExtracted != 2 {
		t.Errorf("specialties extracted = %d, want 2 in exact mode", summary.SpecialtiesExtracted)
	}
}

func TestNewService_Sync(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"STORE_DRIVER": "memory", "SYNC_CHUNK_SIZE": "1"})
	st := store.NewMemoryStore()
	svc := NewService(cfg, st, prometheus.NewRegistry())

	input := `[{"id":1,"name":"Ana López","specialty":"Cardiología","cities":["Monterrey"]}]`
	summary, err := svc.Sync(context.Background(), strings.NewReader(input), int64(len(input)))
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if summary.PractitionersUpserted != 1 || summary.CityLinks != 1 {
		t.Errorf("summary = %+v", summary)
	}
}
