package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"speakez/internal/creds"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// refreshLead is how long before the access token expiry the monitor fires.
const refreshLead = 2 * time.Minute

// RefreshFunc mints a new access token; transport.Client.Refresh satisfies it.
type RefreshFunc func(ctx context.Context) error

// Monitor 在后台于 access token 到期前两分钟主动刷新。
// States: Idle -> Scheduled -> Refreshing -> Scheduled | Idle. Refresh
// failure is reported through onFailure and does not retry; the next Start
// re-arms the monitor.
type Monitor struct {
	store     *creds.Store
	refresh   RefreshFunc
	onFailure func(error)

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewMonitor(store *creds.Store, refresh RefreshFunc, onFailure func(error)) *Monitor {
	if onFailure == nil {
		onFailure = func(error) {}
	}
	return &Monitor{store: store, refresh: refresh, onFailure: onFailure}
}

// Start arms the monitor from the stored access token. A token already
// within the refresh lead is refreshed immediately, before Start returns.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	delay, ok := m.nextDelay()
	if !ok {
		return
	}
	if delay <= 0 {
		m.fireNow(gen)
		return
	}
	m.schedule(gen, delay)
}

// Stop cancels the pending timer and invalidates the current generation:
// neither a cancelled timer nor a refresh still in flight re-arms the
// monitor or runs its callbacks afterward.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) live(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Monitor) schedule(gen uint64, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() {
		// The timer may race Stop; the generation check keeps a cancelled
		// timer from running its callback.
		if m.live(gen) {
			m.fireNow(gen)
		}
	})
}

func (m *Monitor) fireNow(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := m.refresh(ctx)
	if !m.live(gen) {
		// Stopped while the refresh was in flight.
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("token monitor: refresh failed")
		m.onFailure(err)
		return
	}
	delay, ok := m.nextDelay()
	if !ok {
		return
	}
	if delay <= 0 {
		// The freshly minted token is already inside the lead; re-check
		// after the lead instead of refreshing in a tight loop.
		delay = refreshLead
	}
	m.schedule(gen, delay)
}

// nextDelay reads the stored access token and computes the wait until the
// next refresh.
func (m *Monitor) nextDelay() (time.Duration, bool) {
	token, ok := m.store.Get(creds.KeyAccessToken)
	if !ok {
		log.Warn().Msg("token monitor: no access token to schedule from")
		return 0, false
	}
	exp, err := tokenExpiry(token)
	if err != nil {
		log.Warn().Err(err).Msg("token monitor: decode access token")
		return 0, false
	}
	return refreshDelay(exp, time.Now()), true
}

// refreshDelay 计算距离刷新时刻的间隔：到期前 refreshLead 触发。
func refreshDelay(exp, now time.Time) time.Duration {
	d := exp.Sub(now) - refreshLead
	if d < 0 {
		return 0
	}
	return d
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client holds no signing key and only needs the expiry for scheduling.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}
