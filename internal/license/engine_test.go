package license

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/MacJediWizard/serialkeeper/internal/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce  sync.Once
	issuer   *rsa.PrivateKey
	stranger *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if issuer, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if stranger, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return issuer, stranger
}

// testNow is 2026-10-18 12:00 UTC.
var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu      sync.Mutex
	records map[string]*models.LicenseRecord
	err     error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*models.LicenseRecord)}
}

func (m *memStore) GetLicenseRecord(_ context.Context, subjectID string) (*models.LicenseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[subjectID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) SaveLicense(_ context.Context, subjectID, serial, expiresOn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[subjectID]
	if !ok {
		rec = &models.LicenseRecord{SubjectID: subjectID}
		m.records[subjectID] = rec
	}
	rec.Serial = serial
	rec.ExpiresOn = expiresOn
	return nil
}

func (m *memStore) SetAdmin(_ context.Context, subjectID string, isAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rec, ok := m.records[subjectID]
	if !ok {
		rec = &models.LicenseRecord{SubjectID: subjectID}
		m.records[subjectID] = rec
	}
	rec.IsAdmin = isAdmin
	return nil
}

type memSerialFile struct{ last string }

func (f *memSerialFile) Write(serial string) error {
	f.last = serial
	return nil
}

type spyRecorder struct {
	issued   int
	outcomes []string
}

func (r *spyRecorder) SerialIssued()                  { r.issued++ }
func (r *spyRecorder) SerialValidated(outcome string) { r.outcomes = append(r.outcomes, outcome) }

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	key, _ := testKeys(t)
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithLocation(time.UTC),
	}
	e, err := NewEngine(keystore.KeyPair{PrivateKey: key, PublicKey: &key.PublicKey}, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func TestNewEngine_RequiresPublicKey(t *testing.T) {
	_, err := NewEngine(keystore.KeyPair{})
	assert.ErrorIs(t, err, ErrKeyLoad)
}

func TestIssueValidate_RoundTrip(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		subject string
		days    int
		want    string
	}{
		{"alice", 30, "2026-11-17"},
		{"bob", 1, "2026-10-19"},
		{"carol.smith", 365, "2027-10-18"},
		{"josé", 3650, "2036-10-15"},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			s, err := e.Issue(tt.subject, tt.days)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Claim.ExpiryString())
			assert.Equal(t, s.Token, s.String())

			res := e.Validate(s.Token, tt.subject)
			require.True(t, res.OK, "validate: %v", res.Err)
			assert.NoError(t, res.Err)
			assert.Equal(t, tt.want, res.ExpiresOn.Format(DateLayout))
		})
	}
}

func TestValidate_BoundToSubject(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.Issue("alice", 30)
	require.NoError(t, err)

	for _, other := range []string{"bob", "Alice", "alice ", "alic"} {
		res := e.Validate(s.Token, other)
		assert.False(t, res.OK, "serial for alice accepted for %q", other)
		assert.ErrorIs(t, res.Err, ErrSignatureInvalid)
		assert.NotEmpty(t, res.Reason)
	}
}

func TestValidate_SignatureBitFlips(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.Issue("alice", 30)
	require.NoError(t, err)

	claim, sig, err := serial.Decode(s.Token)
	require.NoError(t, err)

	positions := []int{0, 1, len(sig) / 3, len(sig) / 2, len(sig) - 2, len(sig) - 1}
	for _, pos := range positions {
		for _, bit := range []uint{0, 3, 7} {
			tampered := append([]byte(nil), sig...)
			tampered[pos] ^= 1 << bit

			token, err := serial.Encode(claim, tampered)
			require.NoError(t, err)

			res := e.Validate(token, "alice")
			assert.False(t, res.OK, "flip byte %d bit %d accepted", pos, bit)
			assert.ErrorIs(t, res.Err, ErrSignatureInvalid)
		}
	}
}

func TestValidate_ExtendedExpiryRejected(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.Issue("alice", 30)
	require.NoError(t, err)

	_, sig, err := serial.Decode(s.Token)
	require.NoError(t, err)

	forged, err := serial.Encode([]byte("alice:2099-12-31"), sig)
	require.NoError(t, err)

	res := e.Validate(forged, "alice")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrSignatureInvalid)
}

func TestValidate_WrongKey(t *testing.T) {
	_, other := testKeys(t)
	e := newTestEngine(t)

	forger, err := NewEngine(
		keystore.KeyPair{PrivateKey: other, PublicKey: &other.PublicKey},
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)

	s, err := forger.Issue("alice", 30)
	require.NoError(t, err)

	res := e.Validate(s.Token, "alice")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrSignatureInvalid)
}

func TestValidate_Malformed(t *testing.T) {
	e := newTestEngine(t)

	unreadableClaim, err := serial.Encode([]byte("not-a-claim"), []byte("sig"))
	require.NoError(t, err)

	for _, token := range []string{"", "%%%", "YWxpY2U6MjAyNi0xMS0xNw.c2ln", unreadableClaim} {
		res := e.Validate(token, "alice")
		assert.False(t, res.OK)
		assert.ErrorIs(t, res.Err, ErrMalformedSerial, "token %q", token)
		assert.False(t, errors.Is(res.Err, ErrSignatureInvalid))
	}
}

func TestValidate_InvalidSubject(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.Issue("alice", 30)
	require.NoError(t, err)

	res := e.Validate(s.Token, "alice:2026-11-17")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrInvalidSubject)
}

func TestIssue_Errors(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Issue("alice", 0)
	assert.ErrorIs(t, err, ErrInvalidValidity)

	_, err = e.Issue("alice", -5)
	assert.ErrorIs(t, err, ErrInvalidValidity)

	_, err = e.Issue("alice", MaxValidityDays+1)
	assert.ErrorIs(t, err, ErrInvalidValidity)

	_, err = e.Issue("a:b", 30)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	key, _ := testKeys(t)
	verifier, err := NewEngine(keystore.KeyPair{PublicKey: &key.PublicKey})
	require.NoError(t, err)
	_, err = verifier.Issue("alice", 30)
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestStatus(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name   string
		record *models.LicenseRecord
		want   models.LicenseStatus
	}{
		{"nil record", nil, models.LicenseStatusNoLicense},
		{"no expiry", &models.LicenseRecord{SubjectID: "a"}, models.LicenseStatusNoLicense},
		{"yesterday", &models.LicenseRecord{ExpiresOn: "2026-10-17"}, models.LicenseStatusExpired},
		{"today", &models.LicenseRecord{ExpiresOn: "2026-10-18"}, models.LicenseStatusActive},
		{"tomorrow", &models.LicenseRecord{ExpiresOn: "2026-10-19"}, models.LicenseStatusActive},
		{"not a date", &models.LicenseRecord{ExpiresOn: "not-a-date"}, models.LicenseStatusInvalidDate},
		{"wrong layout", &models.LicenseRecord{ExpiresOn: "18/10/2026"}, models.LicenseStatusInvalidDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Status(tt.record); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus_UsesEngineLocation(t *testing.T) {
	// 2026-10-18 23:30 UTC is already 2026-10-19 in Tokyo.
	late := time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*60*60)

	key, _ := testKeys(t)
	e, err := NewEngine(keystore.KeyPair{PublicKey: &key.PublicKey},
		WithClock(func() time.Time { return late }),
		WithLocation(tokyo),
	)
	require.NoError(t, err)

	assert.Equal(t, models.LicenseStatusExpired, e.Status(&models.LicenseRecord{ExpiresOn: "2026-10-18"}))
}

func TestExpiringSoon(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		expiresOn string
		want      bool
	}{
		{"2026-10-18", true},
		{"2026-11-17", true},  // 30 days
		{"2026-11-18", false}, // 31 days
		{"2026-10-17", false}, // expired
		{"garbage", false},
		{"", false},
	}

	for _, tt := range tests {
		rec := &models.LicenseRecord{ExpiresOn: tt.expiresOn}
		if got := e.ExpiringSoon(rec, 30); got != tt.want {
			t.Errorf("ExpiringSoon(%q) = %v, want %v", tt.expiresOn, got, tt.want)
		}
	}
}

func TestActivate(t *testing.T) {
	st := newMemStore()
	sf := &memSerialFile{}
	rec := &spyRecorder{}
	e := newTestEngine(t, WithStore(st), WithSerialFile(sf), WithRecorder(rec))
	ctx := context.Background()

	s, err := e.Issue("alice", 10)
	require.NoError(t, err)

	report, err := e.Activate(ctx, "alice", s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusActive, report.Status)
	assert.Equal(t, "2026-10-28", report.ExpiresOn)
	assert.Equal(t, 10, report.DaysLeft)
	assert.True(t, report.ExpiringSoon)
	assert.Equal(t, s.Token, sf.last)

	stored, err := st.GetLicenseRecord(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.Token, stored.Serial)
	assert.Equal(t, "2026-10-28", stored.ExpiresOn)

	_, err = e.Activate(ctx, "bob", s.Token)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	_, err = st.GetLicenseRecord(ctx, "bob")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.Equal(t, 1, rec.issued)
	assert.Equal(t, []string{OutcomeValid, OutcomeInvalidSignature}, rec.outcomes)
}

func TestActivate_RejectsExpiredSerial(t *testing.T) {
	st := newMemStore()
	rec := &spyRecorder{}
	clock := &fakeClock{now: testNow}
	key, _ := testKeys(t)

	e, err := NewEngine(keystore.KeyPair{PrivateKey: key, PublicKey: &key.PublicKey},
		WithClock(clock.Now), WithLocation(time.UTC), WithStore(st), WithRecorder(rec))
	require.NoError(t, err)

	s, err := e.Issue("alice", 5)
	require.NoError(t, err)

	clock.Advance(6 * 24 * time.Hour)

	_, err = e.Activate(context.Background(), "alice", s.Token)
	assert.ErrorIs(t, err, ErrLicenseExpired)
	assert.Empty(t, st.records)
	assert.Equal(t, []string{OutcomeExpired}, rec.outcomes)
}

func TestCheckAndAuthorize(t *testing.T) {
	st := newMemStore()
	st.records["active"] = &models.LicenseRecord{SubjectID: "active", ExpiresOn: "2027-01-01", IsAdmin: true}
	st.records["expired"] = &models.LicenseRecord{SubjectID: "expired", ExpiresOn: "2026-01-01"}
	st.records["corrupt"] = &models.LicenseRecord{SubjectID: "corrupt", ExpiresOn: "01/01/2027"}
	st.records["empty"] = &models.LicenseRecord{SubjectID: "empty"}

	e := newTestEngine(t, WithStore(st))
	ctx := context.Background()

	tests := []struct {
		subject    string
		wantStatus models.LicenseStatus
		wantErr    error
	}{
		{"active", models.LicenseStatusActive, nil},
		{"expired", models.LicenseStatusExpired, ErrLicenseExpired},
		{"corrupt", models.LicenseStatusInvalidDate, ErrInvalidDate},
		{"empty", models.LicenseStatusNoLicense, ErrNoLicense},
		{"unknown", models.LicenseStatusNoLicense, ErrNoLicense},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			report, err := e.Check(ctx, tt.subject)
			require.NoError(t, err)
			assert.Equal(t, tt.subject, report.SubjectID)
			assert.Equal(t, tt.wantStatus, report.Status)

			err = e.Authorize(ctx, tt.subject)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	report, err := e.Check(ctx, "active")
	require.NoError(t, err)
	assert.True(t, report.IsAdmin)

	st.err = errors.New("disk on fire")
	_, err = e.Check(ctx, "active")
	assert.Error(t, err)
}

func TestIssueAndStore(t *testing.T) {
	st := newMemStore()
	sf := &memSerialFile{}
	e := newTestEngine(t, WithStore(st), WithSerialFile(sf))

	s, err := e.IssueAndStore(context.Background(), "dave", 365)
	require.NoError(t, err)

	rec := st.records["dave"]
	require.NotNil(t, rec)
	assert.Equal(t, s.Token, rec.Serial)
	assert.Equal(t, s.Claim.ExpiryString(), rec.ExpiresOn)
	assert.Equal(t, s.Token, sf.last)
}

func TestStoreOperations_RequireStore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Check(ctx, "alice")
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = e.Activate(ctx, "alice", "x")
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = e.IssueAndStore(ctx, "alice", 1)
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = e.SetAdmin(ctx, "alice", true)
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestSetAdmin(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, WithStore(st))
	ctx := context.Background()

	s, err := e.IssueAndStore(ctx, "erin", 30)
	require.NoError(t, err)

	report, err := e.SetAdmin(ctx, "erin", true)
	require.NoError(t, err)
	assert.True(t, report.IsAdmin)
	assert.Equal(t, models.LicenseStatusActive, report.Status)
	assert.Equal(t, s.Token, st.records["erin"].Serial)

	report, err = e.SetAdmin(ctx, "erin", false)
	require.NoError(t, err)
	assert.False(t, report.IsAdmin)

	// A subject without a license can still be flagged.
	report, err = e.SetAdmin(ctx, "frank", true)
	require.NoError(t, err)
	assert.True(t, report.IsAdmin)
	assert.Equal(t, models.LicenseStatusNoLicense, report.Status)

	_, err = e.SetAdmin(ctx, "bad:subject", true)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	st.err = errors.New("disk on fire")
	_, err = e.SetAdmin(ctx, "erin", true)
	assert.Error(t, err)
}

func TestMessage(t *testing.T) {
	errs := []error{
		nil,
		ErrKeyLoad,
		&serial.MalformedSerialError{Reason: "x"},
		ErrSignatureInvalid,
		ErrInvalidSubject,
		ErrInvalidValidity,
		ErrLicenseExpired,
		ErrInvalidDate,
		ErrNoLicense,
		ErrNoSigningKey,
		errors.New("other"),
	}

	seen := make(map[string]error)
	for _, err := range errs {
		msg := Message(err)
		assert.NotEmpty(t, msg)
		if prev, dup := seen[msg]; dup {
			t.Errorf("Message(%v) and Message(%v) are both %q", err, prev, msg)
		}
		seen[msg] = err
	}

	assert.Equal(t, Message(ErrNoLicense), Message(ErrRecordNotFound))
}
