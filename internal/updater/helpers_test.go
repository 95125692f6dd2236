package updater

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"io/fs"
	"sync"
	"testing"

	"github.com/MacJediWizard/serialkeeper/internal/signing"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce   sync.Once
	publisher *rsa.PrivateKey
	stranger  *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if publisher, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if stranger, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return publisher, stranger
}

type zipEntry struct {
	name    string
	body    string
	symlink bool
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.symlink {
			hdr.SetMode(fs.ModeSymlink | 0777)
		} else {
			hdr.SetMode(0644)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeSource serves a fixed manifest and artifacts from memory.
type fakeSource struct {
	mu        sync.Mutex
	manifest  *Manifest
	latestErr error
	artifacts map[string][]byte
	fetched   []string
}

func newFakeSource(tag string) *fakeSource {
	return &fakeSource{
		manifest: &Manifest{
			LatestVersionTag: tag,
			Version:          NormalizeVersion(tag),
			DownloadURL:      "mem://" + tag + "/update.zip",
			SignatureURL:     "mem://" + tag + "/update.sig",
		},
		artifacts: make(map[string][]byte),
	}
}

// publish stores pkg and its signature by key under the manifest URLs.
func (f *fakeSource) publish(t *testing.T, pkg []byte, key *rsa.PrivateKey) {
	t.Helper()
	sig, err := signing.Sign(key, pkg)
	require.NoError(t, err)
	f.artifacts[f.manifest.DownloadURL] = pkg
	f.artifacts[f.manifest.SignatureURL] = sig
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Latest(context.Context) (*Manifest, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	m := *f.manifest
	return &m, nil
}

func (f *fakeSource) Fetch(_ context.Context, ref string, dst io.WriterAt, limit int64) (int64, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, ref)
	data, ok := f.artifacts[ref]
	f.mu.Unlock()
	if !ok {
		return 0, &NetworkError{Op: "download", URL: ref, Err: io.ErrUnexpectedEOF}
	}
	n, err := (&limitWriterAt{w: dst, limit: limit}).WriteAt(data, 0)
	return int64(n), err
}

type spyRecorder struct {
	mu       sync.Mutex
	checks   []string
	finished []string
}

func (r *spyRecorder) UpdateChecked(outcome string) {
	r.mu.Lock()
	r.checks = append(r.checks, outcome)
	r.mu.Unlock()
}

func (r *spyRecorder) UpdateFinished(state string) {
	r.mu.Lock()
	r.finished = append(r.finished, state)
	r.mu.Unlock()
}
