package proxysel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rotor-ads/rotor/internal/testutil"
)

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProvidersFile(t *testing.T) {
	st := testutil.OpenStore(t)
	path := writeProvidersFile(t, `
providers:
  - id: luna-de
    name: Luna DE pool
    host: proxy.luna.example
    port: 1080
    priority: 1
    username: "cust-{COUNTRY}-{session:8}"
    password: secret
  - id: orbit
    host: orbit.example
    port: 9050
    priority: 2
    enabled: false
    userIds: [u1, u2]
`)

	n, err := LoadProvidersFile(st, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("loaded = %d", n)
	}

	all, err := st.Proxies.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("providers = %d", len(all))
	}
	luna := all[0]
	if luna.ID != "luna-de" || !luna.Enabled || luna.Username != "cust-{COUNTRY}-{session:8}" {
		t.Errorf("luna = %+v", luna)
	}
	orbit := all[1]
	if orbit.Enabled || len(orbit.UserIDs) != 2 || orbit.Name != "orbit" {
		t.Errorf("orbit = %+v", orbit)
	}

	// Re-loading updates in place instead of duplicating.
	if _, err := LoadProvidersFile(st, path); err != nil {
		t.Fatal(err)
	}
	all, err = st.Proxies.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("providers after reload = %d", len(all))
	}
}

func TestLoadProvidersFileRejectsIncompleteEntry(t *testing.T) {
	st := testutil.OpenStore(t)
	path := writeProvidersFile(t, `
providers:
  - id: broken
    host: ""
    port: 1080
`)
	if _, err := LoadProvidersFile(st, path); err == nil {
		t.Error("incomplete entry accepted")
	}
}
