// Package httpsession binds browser cookies to server-side session records.
// Credentials captured from Basic auth or POST forms live here until the
// socket bridge consumes them; passwords are fernet-encrypted at rest.
package httpsession

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/billchurch/webssh2-sub005/internal/errs"
)

// DefaultTTL is how long a record lives without activity.
const DefaultTTL = 1 * time.Hour

// Record is the server-side state for one browser session.
type Record struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time

	// Credentials captured before the WebSocket arrives. Password holds a
	// fernet token, never plaintext.
	UsedBasicAuth bool
	Username      string
	Password      string
	PrivateKey    string
	Passphrase    string

	// Target and terminal overrides from the URL route or form.
	Host         string
	Port         int
	Term         string
	Env          map[string]string
	ReadyTimeout time.Duration

	// Per-session feature overrides; nil means use the server default.
	AllowReplay *bool

	HeaderText       string
	HeaderBackground string
	HeaderColor      string
}

// Cipher encrypts and decrypts session-held passwords.
type Cipher struct {
	key *fernet.Key
}

// NewCipher builds a cipher from an encoded fernet key. An empty secret
// generates an ephemeral key, which invalidates stored credentials across
// restarts.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, errs.Wrap(errs.CodeConfig, "generate session key", err)
		}
		return &Cipher{key: &k}, nil
	}
	key, err := fernet.DecodeKey(secret)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfig, "decode session secret", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals a plaintext secret into a fernet token.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, "encrypt credential", err)
	}
	return string(tok), nil
}

// Decrypt opens a fernet token. Tokens do not expire; session TTL governs
// credential lifetime.
func (c *Cipher) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{c.key})
	if msg == nil {
		return "", errs.New(errs.CodeInternal, "credential token invalid")
	}
	return string(msg), nil
}

// Mask hides all but the tail of a secret for log output.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

// Store is the in-memory session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Record
	ttl      time.Duration

	cookieName string
	sameSite   http.SameSite
}

// NewStore builds a store issuing cookies under cookieName.
func NewStore(cookieName string, sameSite http.SameSite, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		sessions:   make(map[string]*Record),
		ttl:        ttl,
		cookieName: cookieName,
		sameSite:   sameSite,
	}
}

// Create registers a new record and returns it.
func (s *Store) Create() (*Record, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "generate session id", err)
	}
	now := time.Now()
	rec := &Record{
		ID:        hex.EncodeToString(b),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.sessions[rec.ID] = rec
	s.mu.Unlock()
	return rec, nil
}

// Get returns the live record for an id.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, false
	}
	return rec, true
}

// Touch extends a record's lifetime.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	if rec, ok := s.sessions[id]; ok {
		rec.ExpiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Unlock()
}

// Update applies fn to the record under the store lock.
func (s *Store) Update(id string, fn func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// ClearCredentials wipes stored credentials but keeps the session alive.
func (s *Store) ClearCredentials(id string) bool {
	return s.Update(id, func(rec *Record) {
		rec.UsedBasicAuth = false
		rec.Username = ""
		rec.Password = ""
		rec.PrivateKey = ""
		rec.Passphrase = ""
	})
}

// Delete removes a record.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Cleanup drops expired records and returns how many were removed.
func (s *Store) Cleanup() int {
	now := time.Now()
	removed := 0
	s.mu.Lock()
	for id, rec := range s.sessions {
		if now.After(rec.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// Ensure returns the record bound to the request cookie, creating the
// record and setting the cookie when absent.
func (s *Store) Ensure(w http.ResponseWriter, r *http.Request) (*Record, error) {
	if c, err := r.Cookie(s.cookieName); err == nil {
		if rec, ok := s.Get(c.Value); ok {
			s.Touch(rec.ID)
			return rec, nil
		}
	}
	rec, err := s.Create()
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    rec.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: s.sameSite,
		MaxAge:   int(s.ttl / time.Second),
	})
	return rec, nil
}

// FromRequest returns the record for the request cookie without creating one.
func (s *Store) FromRequest(r *http.Request) (*Record, bool) {
	c, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil, false
	}
	return s.Get(c.Value)
}
