package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"speakez/internal/creds"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"uid": 1, "exp": exp.Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestRefreshDelay(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		exp  time.Time
		want time.Duration
	}{
		{"expiry in 300s fires at 180s", now.Add(300 * time.Second), 180 * time.Second},
		{"expiry exactly at lead", now.Add(120 * time.Second), 0},
		{"expiry inside lead", now.Add(30 * time.Second), 0},
		{"already expired", now.Add(-time.Minute), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := refreshDelay(tt.exp, now); got != tt.want {
				t.Errorf("refreshDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	token := mintToken(t, exp)

	got, err := tokenExpiry(token)
	if err != nil {
		t.Fatalf("tokenExpiry() error = %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("tokenExpiry() = %v, want %v", got, exp)
	}
}

func TestTokenExpiry_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tokenExpiry(tt.token); err == nil {
				t.Error("tokenExpiry() should fail")
			}
		})
	}
}

func TestMonitor_ImmediateRefreshNearExpiry(t *testing.T) {
	store := creds.NewStore()
	// Inside the two minute lead: Start must refresh before returning.
	store.Set(creds.KeyAccessToken, mintToken(t, time.Now().Add(time.Minute)), time.Now().Add(time.Minute))

	var calls int32
	refresh := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		// A real refresh lands a fresh token in the store.
		fresh := mintToken(t, time.Now().Add(15*time.Minute))
		store.Set(creds.KeyAccessToken, fresh, time.Now().Add(15*time.Minute))
		return nil
	}

	m := NewMonitor(store, refresh, nil)
	m.Start()
	defer m.Stop()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("refresh calls = %d, want 1 immediate refresh", n)
	}
}

func TestMonitor_StopDuringRefreshDoesNotRearm(t *testing.T) {
	store := creds.NewStore()
	shortLived := mintToken(t, time.Now().Add(time.Minute))
	store.Set(creds.KeyAccessToken, shortLived, time.Now().Add(time.Minute))

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	m := NewMonitor(store, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(inFlight)
			<-release
		}
		// The backend keeps minting tokens that expire inside the lead,
		// so any wrongful re-arm would refresh again promptly.
		store.Set(creds.KeyAccessToken, shortLived, time.Now().Add(time.Minute))
		return nil
	}, nil)

	go m.Start()
	<-inFlight
	m.Stop()
	close(release)
	time.Sleep(100 * time.Millisecond)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("refresh calls = %d, want 1 (stopped monitor kept refreshing)", n)
	}
	m.mu.Lock()
	armed := m.timer != nil
	m.mu.Unlock()
	if armed {
		t.Error("a stopped monitor re-armed its timer")
	}
}

func TestMonitor_RefreshInsideLeadDoesNotLoop(t *testing.T) {
	store := creds.NewStore()
	shortLived := mintToken(t, time.Now().Add(time.Minute))
	store.Set(creds.KeyAccessToken, shortLived, time.Now().Add(time.Minute))

	var calls int32
	m := NewMonitor(store, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		store.Set(creds.KeyAccessToken, shortLived, time.Now().Add(time.Minute))
		return nil
	}, nil)

	m.Start()
	defer m.Stop()
	time.Sleep(150 * time.Millisecond)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("refresh calls = %d, want 1 (no immediate refire inside the lead)", n)
	}
}

func TestMonitor_StopCancelsTimer(t *testing.T) {
	store := creds.NewStore()
	exp := time.Now().Add(refreshLead + 50*time.Millisecond)
	store.Set(creds.KeyAccessToken, mintToken(t, exp), exp)

	var calls int32
	m := NewMonitor(store, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil)

	m.Start()
	m.Stop()
	time.Sleep(200 * time.Millisecond)

	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("refresh calls after Stop = %d, want 0", n)
	}
}

func TestMonitor_FailureReportedOnce(t *testing.T) {
	store := creds.NewStore()
	store.Set(creds.KeyAccessToken, mintToken(t, time.Now().Add(time.Minute)), time.Now().Add(time.Minute))

	var failures int32
	refreshErr := context.DeadlineExceeded
	m := NewMonitor(store, func(ctx context.Context) error {
		return refreshErr
	}, func(err error) {
		if err == refreshErr {
			atomic.AddInt32(&failures, 1)
		}
	})

	m.Start()
	defer m.Stop()
	time.Sleep(100 * time.Millisecond)

	// No automatic retry after a failed refresh.
	if n := atomic.LoadInt32(&failures); n != 1 {
		t.Errorf("failure reports = %d, want 1", n)
	}
}

func TestMonitor_NoTokenIsNoop(t *testing.T) {
	m := NewMonitor(creds.NewStore(), func(ctx context.Context) error {
		t.Error("refresh should not be called without a token")
		return nil
	}, nil)
	m.Start()
	m.Stop()
}
