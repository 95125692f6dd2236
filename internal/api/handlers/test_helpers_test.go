package handlers

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/gin-gonic/gin"
)

var (
	keyOnce    sync.Once
	licenseKey *rsa.PrivateKey
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if licenseKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return licenseKey
}

// testToday is the engine's calendar date in every handler test.
var testToday = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type memLicenseStore struct {
	mu      sync.Mutex
	records map[string]*models.LicenseRecord
	err     error
}

func newMemLicenseStore() *memLicenseStore {
	return &memLicenseStore{records: make(map[string]*models.LicenseRecord)}
}

func (m *memLicenseStore) GetLicenseRecord(_ context.Context, subjectID string) (*models.LicenseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[subjectID]
	if !ok {
		return nil, license.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memLicenseStore) SaveLicense(_ context.Context, subjectID, serial, expiresOn string) error {
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
	rec.Serial = serial
	rec.ExpiresOn = expiresOn
	rec.UpdatedAt = testToday
	return nil
}

func (m *memLicenseStore) SetAdmin(_ context.Context, subjectID string, isAdmin bool) error {
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
	rec.UpdatedAt = testToday
	return nil
}

// newTestEngine returns an engine that can issue, backed by store when it
// is non-nil.
func newTestEngine(t *testing.T, store *memLicenseStore, canSign bool) *license.Engine {
	t.Helper()
	key := testKey(t)
	keys := keystore.KeyPair{PublicKey: &key.PublicKey}
	if canSign {
		keys.PrivateKey = key
	}

	opts := []license.Option{
		license.WithClock(func() time.Time { return testToday }),
		license.WithLocation(time.UTC),
	}
	if store != nil {
		opts = append(opts, license.WithStore(store))
	}

	engine, err := license.NewEngine(keys, opts...)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	return engine
}

func issueToken(t *testing.T, engine *license.Engine, subject string, days int) string {
	t.Helper()
	s, err := engine.Issue(subject, days)
	if err != nil {
		t.Fatalf("issue serial: %v", err)
	}
	return s.Token
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal %q: %v", w.Body.String(), err)
	}
}

func newTestRouter() (*gin.Engine, *gin.RouterGroup) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	return r, r.Group("/api/v1")
}
