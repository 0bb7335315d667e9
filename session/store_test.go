package session

import (
	"sync"
	"testing"
	"time"
)

func TestSaveGetRemove(t *testing.T) {
	s := NewStore(Config{}, nil)
	s.Save("tok", &Context{DomainID: "d1", IP: "1.2.3.4"})

	got, ok := s.Get("tok")
	if !ok {
		t.Fatal("Expected context to be found")
	}
	if got.DomainID != "d1" || got.IP != "1.2.3.4" {
		t.Errorf("Unexpected context: %+v", got)
	}

	s.Remove("tok")
	if _, ok := s.Get("tok"); ok {
		t.Error("Expected context to be removed")
	}
	s.Remove("tok")
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(Config{}, nil)
	s.Save("tok", &Context{DomainID: "d1"})

	got, _ := s.Get("tok")
	got.DomainID = "changed"

	again, _ := s.Get("tok")
	if again.DomainID != "d1" {
		t.Errorf("Expected stored context to be unaffected, got %s", again.DomainID)
	}
}

func TestMergeKeepsExistingFields(t *testing.T) {
	s := NewStore(Config{}, nil)
	s.Save("tok", &Context{DomainID: "d1", UserAgent: "ua"})

	s.Merge("tok", Identity{Fingerprint: "fp1", TabID: "tab1", URL: "https://a", Language: "en"})
	got, ok := s.Merge("tok", Identity{URL: "https://b", Screen: &Screen{Width: 10, Height: 20}})
	if !ok {
		t.Fatal("Expected merge to find the context")
	}

	if got.Fingerprint != "fp1" || got.TabID != "tab1" || got.Language != "en" {
		t.Errorf("Expected earlier identity to survive, got %+v", got)
	}
	if got.URL != "https://b" {
		t.Errorf("Expected url to update, got %s", got.URL)
	}
	if got.Screen == nil || got.Screen.Width != 10 {
		t.Errorf("Expected screen to be set, got %+v", got.Screen)
	}
	if got.DomainID != "d1" || got.UserAgent != "ua" {
		t.Errorf("Expected handshake fields to survive, got %+v", got)
	}

	if _, ok := s.Merge("missing", Identity{Fingerprint: "x"}); ok {
		t.Error("Expected merge on unknown token to fail")
	}
}

func TestReleaseOnlyRemovesOwner(t *testing.T) {
	s := NewStore(Config{}, nil)
	first := &Context{DomainID: "d1"}
	second := &Context{DomainID: "d1"}

	s.Save("tok", first)
	s.Save("tok", second)
	s.Release("tok", first)
	if _, ok := s.Get("tok"); !ok {
		t.Error("Expected newer context to survive release of the older one")
	}

	s.Release("tok", second)
	if _, ok := s.Get("tok"); ok {
		t.Error("Expected owner release to remove the context")
	}
}

func TestReapIdleEntries(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(Config{IdleTimeout: time.Minute}, nil)
	s.now = func() time.Time { return now }

	s.Save("old", &Context{})
	now = now.Add(45 * time.Second)
	s.Save("fresh", &Context{})
	now = now.Add(30 * time.Second)

	if n := s.Reap(); n != 1 {
		t.Errorf("Expected 1 reaped entry, got %d", n)
	}
	if _, ok := s.Get("old"); ok {
		t.Error("Expected idle entry to be reaped")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("Expected fresh entry to survive")
	}
}

func TestStartStop(t *testing.T) {
	s := NewStore(Config{IdleTimeout: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil)
	s.Start()
	defer s.Stop()

	s.Save("tok", &Context{})
	time.Sleep(100 * time.Millisecond)

	if s.Len() != 0 {
		t.Errorf("Expected reaper to clear idle entry, have %d", s.Len())
	}
	s.Stop()
	s.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(Config{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := string(rune('a' + i%26))
			s.Save(tok, &Context{DomainID: tok})
			s.Merge(tok, Identity{Fingerprint: "fp"})
			s.Get(tok)
			s.Remove(tok)
		}(i)
	}
	wg.Wait()
}
