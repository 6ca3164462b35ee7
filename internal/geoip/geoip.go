// Package geoip resolves exit IPs to ISO-2 country codes from a local
// MaxMind database.
package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// GeoReader abstracts the database reader. The interface keeps tests free of
// mmdb fixtures.
type GeoReader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// OpenFunc opens a database file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

type mmdbReader struct {
	db *maxminddb.Reader
}

func (r *mmdbReader) Lookup(ip netip.Addr) string {
	var rec struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.db.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// MaxmindOpen opens a MaxMind country mmdb. This is the production OpenFunc.
func MaxmindOpen(path string) (GeoReader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

// Service answers country lookups. The reader is swappable under RWMutex so
// a database replaced on disk can be reloaded without a restart. A Service
// with no loaded reader resolves everything to "".
type Service struct {
	mu     sync.RWMutex
	reader GeoReader

	path   string
	openDB OpenFunc
}

// NewService creates a Service for the database at path. An empty path means
// no database: lookups return "". openDB defaults to MaxmindOpen.
func NewService(path string, openDB OpenFunc) *Service {
	if openDB == nil {
		openDB = MaxmindOpen
	}
	return &Service{path: path, openDB: openDB}
}

// Start loads the database if a path is configured.
func (s *Service) Start() error {
	if s.path == "" {
		return nil
	}
	return s.Reload()
}

// Reload reopens the database file and swaps the reader. RLock holders on
// the old reader finish before it is closed.
func (s *Service) Reload() error {
	newReader, err := s.openDB(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Country returns the uppercase ISO-2 country code for an IP string, or ""
// when the IP is unparseable, unknown, or no database is loaded.
func (s *Service) Country(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	return s.reader.Lookup(addr)
}

// Stop closes the reader.
func (s *Service) Stop() {
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}
