package state

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rs, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}

	if st := rs.Load(); st.Status != "not_ready" || st.Draining {
		t.Fatalf("initial state = %#v; want not_ready", st)
	}

	rs.Store(State{Status: "draining", Draining: true})

	// A fresh store against the same Redis must see the persisted state.
	rs2, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if st := rs2.Load(); st.Status != "draining" || !st.Draining {
		t.Fatalf("persisted state = %#v; want {Status: 'draining', Draining: true}", st)
	}
}

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()
	if st := ms.Load(); st.Status != "not_ready" {
		t.Fatalf("initial state = %#v", st)
	}
	ms.Store(State{Status: "connected_idle"})
	if st := ms.Load(); st.Status != "connected_idle" || st.Draining {
		t.Fatalf("state = %#v", st)
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
	}{
		{"localhost:6379", 1, "", 0},
		{"redis://:pass@localhost:6379/1", 1, "", 1},
		{"redis://host1:6379,host2:6379/0", 2, "", 0},
		{"redis-sentinel://user:pass@s1:26379,s2:26379/mymaster?db=2", 2, "mymaster", 2},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Errorf("%s: addrs = %v; want %d entries", tt.url, opts.Addrs, tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Errorf("%s: master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Errorf("%s: db = %d; want %d", tt.url, opts.DB, tt.db)
		}
	}

	if _, err := parseRedisURL("http://x"); err == nil {
		t.Fatal("expected error for invalid scheme")
	}
}
