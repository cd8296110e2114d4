package creds

import (
	"testing"
	"time"
)

func TestStore_SetGet(t *testing.T) {
	s := NewStore()

	tests := []struct {
		name    string
		key     string
		value   string
		expires time.Time
		want    string
		wantOK  bool
	}{
		{"session scoped", KeyCSRFToken, "csrf-1", time.Time{}, "csrf-1", true},
		{"future expiry", KeyAccessToken, "at-1", time.Now().Add(time.Hour), "at-1", true},
		{"already expired", KeyRefreshToken, "rt-1", time.Now().Add(-time.Second), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.Set(tt.key, tt.value, tt.expires)
			got, ok := s.Get(tt.key)
			if ok != tt.wantOK {
				t.Errorf("Get() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Get() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get(KeyAccessToken); ok {
		t.Error("Get() on empty store should report absent")
	}
}

func TestStore_ExpiryBoundary(t *testing.T) {
	s := NewStore()
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Set(KeyAccessToken, "at", base.Add(15*time.Minute))

	s.now = func() time.Time { return base.Add(15*time.Minute - time.Second) }
	if _, ok := s.Get(KeyAccessToken); !ok {
		t.Error("token should still be present just before expiry")
	}

	s.now = func() time.Time { return base.Add(15 * time.Minute) }
	if _, ok := s.Get(KeyAccessToken); ok {
		t.Error("token should read as absent at expiry")
	}
}

func TestStore_Remove(t *testing.T) {
	s := NewStore()
	s.Set(KeySessionID, "sid", time.Time{})
	s.Remove(KeySessionID)
	if _, ok := s.Get(KeySessionID); ok {
		t.Error("Remove() left the value behind")
	}
}

func TestStore_ClearAuth(t *testing.T) {
	s := NewStore()
	s.Set(KeyAccessToken, "at", time.Now().Add(time.Hour))
	s.Set(KeyRefreshToken, "rt", time.Now().Add(time.Hour))
	s.Set(KeyCSRFToken, "csrf", time.Time{})
	s.Set(KeySessionID, "sid", time.Time{})
	s.Set("unrelated", "keep", time.Time{})

	s.ClearAuth()

	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyCSRFToken, KeySessionID} {
		if _, ok := s.Get(key); ok {
			t.Errorf("ClearAuth() left %s behind", key)
		}
	}
	if _, ok := s.Get("unrelated"); !ok {
		t.Error("ClearAuth() should only clear the four auth keys")
	}
}
