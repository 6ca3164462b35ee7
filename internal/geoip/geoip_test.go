package geoip

import (
	"errors"
	"net/netip"
	"testing"
)

type fakeReader struct {
	byIP   map[string]string
	closed bool
}

func (f *fakeReader) Lookup(ip netip.Addr) string { return f.byIP[ip.String()] }
func (f *fakeReader) Close() error                { f.closed = true; return nil }

func TestCountryWithoutDatabase(t *testing.T) {
	s := NewService("", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Country("203.0.113.1"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestCountryLookupAndReload(t *testing.T) {
	first := &fakeReader{byIP: map[string]string{"203.0.113.1": "DE"}}
	second := &fakeReader{byIP: map[string]string{"203.0.113.1": "FR"}}
	readers := []GeoReader{first, second}
	i := 0
	s := NewService("some.mmdb", func(string) (GeoReader, error) {
		r := readers[i]
		i++
		return r, nil
	})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Country("203.0.113.1"); got != "DE" {
		t.Errorf("got %q, want DE", got)
	}
	if got := s.Country("not-an-ip"); got != "" {
		t.Errorf("unparseable ip resolved to %q", got)
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := s.Country("203.0.113.1"); got != "FR" {
		t.Errorf("after reload got %q, want FR", got)
	}
	if !first.closed {
		t.Error("old reader not closed after reload")
	}

	s.Stop()
	if !second.closed {
		t.Error("reader not closed on stop")
	}
	if got := s.Country("203.0.113.1"); got != "" {
		t.Errorf("after stop got %q, want empty", got)
	}
}

func TestStartOpenError(t *testing.T) {
	s := NewService("missing.mmdb", func(string) (GeoReader, error) {
		return nil, errors.New("no such file")
	})
	if err := s.Start(); err == nil {
		t.Fatal("expected error")
	}
}
