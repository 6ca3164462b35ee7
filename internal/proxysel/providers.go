package proxysel

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/store"
)

// providersFile is the YAML shape of the optional bootstrap file.
type providersFile struct {
	Providers []providerEntry `yaml:"providers"`
}

type providerEntry struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Priority int      `yaml:"priority"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Enabled  *bool    `yaml:"enabled"` // defaults to true
	UserIDs  []string `yaml:"userIds"`
}

// LoadProvidersFile upserts proxy providers from a YAML file into the store.
// Entries keep their file-declared id so repeated boots update in place.
// Returns the number of loaded providers.
func LoadProvidersFile(st *store.Store, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read providers file: %w", err)
	}
	var f providersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse providers file: %w", err)
	}

	n := 0
	for i, e := range f.Providers {
		if e.ID == "" || e.Host == "" || e.Port <= 0 {
			return n, fmt.Errorf("providers file entry %d: id, host and port required", i)
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		p := &model.ProxyProvider{
			ID:       e.ID,
			Name:     e.Name,
			Host:     e.Host,
			Port:     e.Port,
			Priority: e.Priority,
			Username: e.Username,
			Password: e.Password,
			Enabled:  enabled,
			UserIDs:  e.UserIDs,
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if err := st.Proxies.Upsert(p); err != nil {
			return n, err
		}
		n++
	}
	log.Printf("[proxysel] loaded %d providers from %s", n, path)
	return n, nil
}
