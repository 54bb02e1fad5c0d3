package certsentinel

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStateStore records call order so ordering invariants (backup before
// repair) are verifiable.
type fakeStateStore struct {
	calls []string

	validateErr   error
	backupErr     error
	repairErr     error
	invalidateErr error

	// successive Entry results; the last repeats
	entries  []*StoredCertificate
	entryErr error
	entryIdx int
}

func (f *fakeStateStore) Validate() error {
	f.calls = append(f.calls, "validate")
	return f.validateErr
}

func (f *fakeStateStore) Repair(email string) error {
	f.calls = append(f.calls, "repair")
	return f.repairErr
}

func (f *fakeStateStore) Backup() (string, error) {
	f.calls = append(f.calls, "backup")
	return "/backups/acme.json.123", f.backupErr
}

func (f *fakeStateStore) Invalidate(domain string) error {
	f.calls = append(f.calls, "invalidate")
	return f.invalidateErr
}

func (f *fakeStateStore) Entry(domain string) (*StoredCertificate, error) {
	f.calls = append(f.calls, "entry")
	if f.entryErr != nil {
		return nil, f.entryErr
	}
	if len(f.entries) == 0 {
		return nil, nil
	}
	i := f.entryIdx
	if i >= len(f.entries) {
		i = len(f.entries) - 1
	}
	f.entryIdx++
	return f.entries[i], nil
}

type fakeProber struct {
	err   error
	calls int
}

func (f *fakeProber) Probe(ctx context.Context, domain string) error {
	f.calls++
	return f.err
}

type fakeInspector struct {
	status CertificateStatus
	err    error
}

func (f *fakeInspector) Inspect(ctx context.Context, rec DomainRecord) (CertificateStatus, error) {
	return f.status, f.err
}

type fakeController struct {
	calls []string

	stopErr    error
	forceErr   error
	startErr   error
	runningErr error
	healthyErr error
	running    bool
	healthy    bool
}

func (f *fakeController) Stop(ctx context.Context, timeout time.Duration) error {
	f.calls = append(f.calls, "stop")
	return f.stopErr
}

func (f *fakeController) ForceStop(ctx context.Context) error {
	f.calls = append(f.calls, "force-stop")
	return f.forceErr
}

func (f *fakeController) Start(ctx context.Context) error {
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakeController) IsRunning(ctx context.Context) (bool, error) {
	f.calls = append(f.calls, "is-running")
	return f.running, f.runningErr
}

func (f *fakeController) IsHealthy(ctx context.Context) (bool, error) {
	f.calls = append(f.calls, "is-healthy")
	return f.healthy, f.healthyErr
}

func healthyController() *fakeController {
	return &fakeController{running: true, healthy: true}
}

func testOrchestrator(store StateStore, prober ReachabilityProber, inspector CertInspector, process ProcessController) (*Orchestrator, *[]time.Duration) {
	cfg := DefaultConfig()
	cfg.AccountEmail = "admin@example.com"

	o := NewOrchestrator(cfg, store, prober, inspector, process, testLogger())
	// Keep tests fast: no real waiting.
	o.healthPoll = PollPolicy{Initial: time.Millisecond, Cap: time.Millisecond, Budget: 50 * time.Millisecond}
	o.issuancePoll = PollPolicy{Initial: time.Millisecond, Cap: time.Millisecond, Budget: 50 * time.Millisecond}

	var sleeps []time.Duration
	o.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return o, &sleeps
}

func okStatus(domain string) CertificateStatus {
	return CertificateStatus{Domain: domain, State: StateOK, DaysRemaining: 89, NotAfter: time.Now().Add(89 * 24 * time.Hour)}
}

func TestRenewHappyPath(t *testing.T) {
	old := time.Now().Add(3 * 24 * time.Hour)
	fresh := time.Now().Add(90 * 24 * time.Hour)
	store := &fakeStateStore{
		entries: []*StoredCertificate{
			{Main: "example.com", NotAfter: old},   // prior read
			{Main: "example.com", NotAfter: fresh}, // await sees reissued cert
		},
	}
	proc := healthyController()
	o, sleeps := testOrchestrator(store, &fakeProber{}, &fakeInspector{status: okStatus("example.com")}, proc)

	err := o.Renew(context.Background(), DomainRecord{Name: "example.com", AlertDays: 30, CriticalDays: 7})
	require.NoError(t, err)

	assert.Equal(t, []string{"backup", "validate", "entry", "invalidate", "entry"}, store.calls)
	assert.Equal(t, []string{"stop", "start", "is-running", "is-healthy"}, proc.calls)
	assert.Empty(t, *sleeps, "no retry delay on first-attempt success")
}

func TestRepairRunsOnlyAfterBackup(t *testing.T) {
	store := &fakeStateStore{
		validateErr: ErrMalformedJSON,
		entries: []*StoredCertificate{
			nil,
			{Main: "example.com", NotAfter: time.Now().Add(90 * 24 * time.Hour)},
		},
	}
	o, _ := testOrchestrator(store, &fakeProber{}, &fakeInspector{status: okStatus("example.com")}, healthyController())

	err := o.Renew(context.Background(), DomainRecord{Name: "example.com", AlertDays: 30, CriticalDays: 7})
	require.NoError(t, err)

	backupAt, repairAt := -1, -1
	for i, call := range store.calls {
		switch call {
		case "backup":
			if backupAt == -1 {
				backupAt = i
			}
		case "repair":
			repairAt = i
		}
	}
	require.NotEqual(t, -1, repairAt, "repair must run when validation fails")
	require.NotEqual(t, -1, backupAt)
	assert.Less(t, backupAt, repairAt, "repair must never precede backup")
}

func TestRenewExhaustsRetries(t *testing.T) {
	store := &fakeStateStore{}
	proc := healthyController()
	proc.startErr = errors.New("container refuses to start")

	o, sleeps := testOrchestrator(store, &fakeProber{}, &fakeInspector{status: okStatus("example.com")}, proc)
	o.MaxAttempts = 2
	o.RetryDelay = 5 * time.Minute

	err := o.Renew(context.Background(), DomainRecord{Name: "example.com", AlertDays: 30, CriticalDays: 7})
	require.ErrorIs(t, err, ErrExhaustedRetries)
	require.ErrorIs(t, err, ErrProcessRestartFailed)

	// One full cycle per attempt, exactly MaxAttempts cycles.
	backups := 0
	for _, call := range store.calls {
		if call == "backup" {
			backups++
		}
	}
	assert.Equal(t, 2, backups)
	// The delay runs between attempts, not after the last one.
	assert.Equal(t, []time.Duration{5 * time.Minute}, *sleeps)
}

func TestProbeFailureIsAdvisory(t *testing.T) {
	store := &fakeStateStore{
		entries: []*StoredCertificate{
			nil,
			{Main: "example.com", NotAfter: time.Now().Add(90 * 24 * time.Hour)},
		},
	}
	prober := &fakeProber{err: ErrPortUnreachable}
	o, _ := testOrchestrator(store, prober, &fakeInspector{status: okStatus("example.com")}, healthyController())

	err := o.Renew(context.Background(), DomainRecord{Name: "example.com", AlertDays: 30, CriticalDays: 7})
	require.NoError(t, err, "an unreachable challenge port must not abort renewal")
	assert.Equal(t, 1, prober.calls)
}

func TestStaleEntryNeverSatisfiesAwait(t *testing.T) {
	stale := time.Now().Add(2 * 24 * time.Hour)
	store := &fakeStateStore{
		// The same certificate before and after the restart: issuance
		// never happened.
		entries: []*StoredCertificate{{Main: "example.com", NotAfter: stale}},
	}
	o, _ := testOrchestrator(store, &fakeProber{}, &fakeInspector{status: okStatus("example.com")}, healthyController())
	o.MaxAttempts = 1

	err := o.Renew(context.Background(), DomainRecord{Name: "example.com", AlertDays: 30, CriticalDays: 7})
	require.ErrorIs(t, err, ErrExhaustedRetries)
	assert.ErrorContains(t, err, "step await")
}

func TestGracefulStopFallsBackToForceStop(t *testing.T) {
	store := &fakeStateStore{
		entries: []*StoredCertificate{
			nil,
			{Main: "example.com", NotAfter: time.Now().Add(90 * 24 * time.Hour)},
		},
	}
	proc := healthyController()
	proc.stopErr = errors.New("stop timed out")

	o, _ := testOrchestrator(store, &fakeProber{}, &fakeInspector{status: okStatus("example.com")}, proc)

	err := o.Renew(context.Background(), DomainRecord{Name: "example.com", AlertDays: 30, CriticalDays: 7})
	require.NoError(t, err)
	assert.Contains(t, proc.calls, "force-stop")
}

func TestLiveVerificationSkippedForLoopback(t *testing.T) {
	store := &fakeStateStore{
		entries: []*StoredCertificate{
			nil,
			{Main: "localhost", NotAfter: time.Now().Add(90 * 24 * time.Hour)},
		},
	}
	// A real inspector short-circuits loopback names to UNKNOWN.
	insp := NewInspector(time.Second, testLogger())
	o, _ := testOrchestrator(store, &fakeProber{}, insp, healthyController())

	err := o.Renew(context.Background(), DomainRecord{Name: "localhost", AlertDays: 30, CriticalDays: 7})
	require.NoError(t, err)
}

// End to end against a real file-backed store: a corrupt acme.json is
// backed up verbatim, then repaired to the minimal skeleton.
func TestRenewRepairsCorruptStoreOnDisk(t *testing.T) {
	store, path := newTestStore(t)
	corrupt := []byte("not json")
	require.NoError(t, os.WriteFile(path, corrupt, 0o600))

	o, _ := testOrchestrator(store, &fakeProber{}, &fakeInspector{status: okStatus("example.com")}, healthyController())
	o.MaxAttempts = 1

	// No issuer exists in the test, so the renewal itself times out
	// awaiting a fresh certificate; repair must still have happened.
	err := o.Renew(context.Background(), DomainRecord{Name: "example.com", AlertDays: 30, CriticalDays: 7})
	require.ErrorIs(t, err, ErrExhaustedRetries)

	require.NoError(t, store.Validate(), "store must be schema-valid after repair")

	backups, rerr := os.ReadDir(store.BackupDir)
	require.NoError(t, rerr)
	require.Len(t, backups, 1)
	saved, rerr := os.ReadFile(store.BackupDir + "/" + backups[0].Name())
	require.NoError(t, rerr)
	assert.Equal(t, corrupt, saved)
}
