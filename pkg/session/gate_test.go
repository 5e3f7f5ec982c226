package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

func testLogger(t *testing.T) customlog.Logger {
	t.Helper()
	logger, err := customlog.NewLogrusLogger("error", "")
	require.NoError(t, err)
	return logger
}

func testConfig() Config {
	return Config{
		Pins: map[string]Role{
			"1234": RoleOperator,
			"9876": RoleSupervisor,
			"0000": RoleAdmin,
		},
		InactivityTimeout: time.Minute,
		SweepInterval:     10 * time.Millisecond,
		EventLogSize:      8,
	}
}

func openOperator(t *testing.T, g *Gate) *Session {
	t.Helper()
	s := g.Open()
	_, err := g.Authorize(s.ID, "1234")
	require.NoError(t, err)
	return s
}

func TestOpenStartsAsObserver(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))

	s := g.Open()
	require.NotEmpty(t, s.ID)
	require.Equal(t, RoleObserver, s.Role)

	looked, err := g.Lookup(s.ID)
	require.NoError(t, err)
	require.Equal(t, RoleObserver, looked.Role)
}

func TestAuthorizeByPin(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))
	s := g.Open()

	role, err := g.Authorize(s.ID, "9876")
	require.NoError(t, err)
	require.Equal(t, RoleSupervisor, role)

	_, err = g.Authorize(s.ID, "wrong")
	require.True(t, errors.Is(err, ErrUnauthorized))

	// Failed attempt does not demote.
	looked, err := g.Lookup(s.ID)
	require.NoError(t, err)
	require.Equal(t, RoleSupervisor, looked.Role)
}

func TestObserverCannotTakeControl(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))
	s := g.Open()

	err := g.AcquireControl(s.ID)
	require.True(t, errors.Is(err, ErrUnauthorized))
}

func TestControlIsExclusive(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))
	a := openOperator(t, g)
	b := openOperator(t, g)

	require.NoError(t, g.AcquireControl(a.ID))
	err := g.AcquireControl(b.ID)
	require.True(t, errors.Is(err, robot.ErrSessionConflict))
	require.True(t, g.HasControl(a.ID))
	require.False(t, g.HasControl(b.ID))

	require.NoError(t, g.ReleaseControl(a.ID))
	require.NoError(t, g.AcquireControl(b.ID))
}

func TestAcquireIsAtomicUnderRace(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))

	const n = 16
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = openOperator(t, g)
	}

	var wg sync.WaitGroup
	winners := make(chan string, n)
	for _, s := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := g.AcquireControl(id); err == nil {
				winners <- id
			}
		}(s.ID)
	}
	wg.Wait()
	close(winners)

	var won []string
	for id := range winners {
		won = append(won, id)
	}
	require.Len(t, won, 1)
	require.Equal(t, won[0], g.Holder())
}

func TestReacquireIsIdempotent(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))
	s := openOperator(t, g)

	require.NoError(t, g.AcquireControl(s.ID))
	require.NoError(t, g.AcquireControl(s.ID))
	require.True(t, g.HasControl(s.ID))
}

func TestStaleHolderIsEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 20 * time.Millisecond
	g := NewGate(cfg, testLogger(t))

	a := openOperator(t, g)
	b := openOperator(t, g)
	require.NoError(t, g.AcquireControl(a.ID))

	time.Sleep(30 * time.Millisecond)

	// The idle holder loses the slot to the newcomer.
	require.NoError(t, g.AcquireControl(b.ID))
	require.True(t, g.HasControl(b.ID))
	require.False(t, g.HasControl(a.ID))
}

func TestTouchKeepsHolderAlive(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 50 * time.Millisecond
	g := NewGate(cfg, testLogger(t))

	a := openOperator(t, g)
	b := openOperator(t, g)
	require.NoError(t, g.AcquireControl(a.ID))

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, g.Touch(a.ID))
	}

	err := g.AcquireControl(b.ID)
	require.True(t, errors.Is(err, robot.ErrSessionConflict))
}

func TestSweepReleasesAndExpires(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 20 * time.Millisecond
	g := NewGate(cfg, testLogger(t))
	g.Start()
	defer g.Stop()

	s := openOperator(t, g)
	require.NoError(t, g.AcquireControl(s.ID))

	require.Eventually(t, func() bool {
		return g.Holder() == ""
	}, time.Second, 5*time.Millisecond)

	_, err := g.Lookup(s.ID)
	require.True(t, errors.Is(err, ErrUnknownSession))
}

func TestRequireControl(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))
	s := openOperator(t, g)

	err := g.RequireControl(s.ID)
	require.True(t, errors.Is(err, robot.ErrSessionConflict))

	require.NoError(t, g.AcquireControl(s.ID))
	require.NoError(t, g.RequireControl(s.ID))
}

func TestRequireRole(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))
	s := g.Open()

	require.Error(t, g.RequireRole(s.ID, RoleSupervisor))

	_, err := g.Authorize(s.ID, "0000")
	require.NoError(t, err)
	require.NoError(t, g.RequireRole(s.ID, RoleSupervisor))
}

func TestCloseReleasesControl(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))
	s := openOperator(t, g)
	require.NoError(t, g.AcquireControl(s.ID))

	g.Close(s.ID)
	require.Empty(t, g.Holder())
	_, err := g.Lookup(s.ID)
	require.True(t, errors.Is(err, ErrUnknownSession))
}

func TestEventLogIsBounded(t *testing.T) {
	g := NewGate(testConfig(), testLogger(t))

	// Each open records one event; the ring holds the last 8.
	for i := 0; i < 20; i++ {
		g.Open()
	}

	events := g.Events()
	require.Len(t, events, 8)
	for _, ev := range events {
		require.Equal(t, "open", ev.Action)
	}
}
