package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	memoryExpiresParam   = "expires"
	memorySignatureParam = "signature"
	defaultMemoryURLTTL  = 5 * time.Minute
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStorage implements Provider in process for tests and local development. It
// also serves the stored objects over HTTP so stream URLs resolve. Stream URLs are
// signed and expire like presigned object-store URLs; unsigned requests get 403.
type MemoryStorage struct {
	baseURL string
	signKey []byte
	ttl     time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	objects map[string]memoryObject
	deletes map[string]int
}

// NewMemoryStorage returns a store whose stream URLs are rooted at baseURL.
func NewMemoryStorage(baseURL string) *MemoryStorage {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("memory storage signing key: %v", err))
	}
	return &MemoryStorage{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		signKey: key,
		ttl:     defaultMemoryURLTTL,
		now:     time.Now,
		objects: make(map[string]memoryObject),
		deletes: make(map[string]int),
	}
}

// Upload buffers the content in memory.
func (m *MemoryStorage) Upload(_ context.Context, r io.Reader, meta UploadMetadata) (string, error) {
	key, err := cleanKey(meta.Key())
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("memory storage read upload: %w", err)
	}

	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: meta.ContentType, modified: time.Now().UTC()}
	m.mu.Unlock()

	return key, nil
}

// WithNowFunc allows tests to override the clock used for URL expiry.
func (m *MemoryStorage) WithNowFunc(now func() time.Time) {
	m.now = now
}

// StreamURL returns a signed, expiring HTTP location of the object.
func (m *MemoryStorage) StreamURL(_ context.Context, location string) (string, error) {
	key, err := cleanKey(location)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("memory storage %s: %w", key, ErrObjectNotFound)
	}
	expires := strconv.FormatInt(m.now().Add(m.ttl).Unix(), 10)
	q := url.Values{}
	q.Set(memoryExpiresParam, expires)
	q.Set(memorySignatureParam, m.sign(key, expires))
	return m.baseURL + "/" + key + "?" + q.Encode(), nil
}

func (m *MemoryStorage) sign(key, expires string) string {
	mac := hmac.New(sha256.New, m.signKey)
	mac.Write([]byte(key + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify checks the signature and expiry carried by a stream URL.
func (m *MemoryStorage) verify(key string, q url.Values) bool {
	expires := q.Get(memoryExpiresParam)
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || m.now().Unix() > unix {
		return false
	}
	got, err := hex.DecodeString(q.Get(memorySignatureParam))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(m.sign(key, expires))
	return hmac.Equal(got, want)
}

// Delete removes the object.
func (m *MemoryStorage) Delete(_ context.Context, location string) error {
	key, err := cleanKey(location)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("memory storage %s: %w", key, ErrObjectNotFound)
	}
	delete(m.objects, key)
	m.deletes[key]++
	return nil
}

// Has reports whether an object exists. Useful for tests.
func (m *MemoryStorage) Has(location string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[strings.TrimLeft(location, "/")]
	return ok
}

// Deletions returns how many successful deletes were recorded for location.
func (m *MemoryStorage) Deletions(location string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deletes[strings.TrimLeft(location, "/")]
}

// ServeHTTP serves objects by key relative to the handler mount point, honouring
// Range requests. Only URLs minted by StreamURL are accepted.
func (m *MemoryStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimLeft(r.URL.Path, "/")
	if !m.verify(key, r.URL.Query()) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	http.ServeContent(w, r, key, obj.modified, bytes.NewReader(obj.data))
}

var _ Provider = (*MemoryStorage)(nil)
