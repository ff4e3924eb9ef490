package credentials

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"ocrgateway/internal/utils"
)

// ErrNoCredentials is returned when neither the inline bundle nor the
// credentials directory yields a single usable identity.
var ErrNoCredentials = errors.New("no usable service account credentials")

const defaultTokenURI = "https://oauth2.googleapis.com/token"

// Identity is one service-account credential. Instances are immutable after
// loading and shared read-only by every consumer.
type Identity struct {
	ClientEmail  string
	PrivateKey   *rsa.PrivateKey
	PrivateKeyID string
	TokenURI     string
}

// serviceAccountKey mirrors the fields of the Google service-account JSON
// format this service reads.
type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// Source resolves the set of identities this process may authenticate as.
type Source interface {
	// List returns every usable identity, loading them on first call and
	// caching the result for the life of the process.
	List() ([]*Identity, error)

	// CleanupEphemeral removes any key files this source materialized on
	// disk. Safe to call more than once.
	CleanupEphemeral()
}

// FileSource loads identities either from an inline JSON bundle, which it
// materializes to ephemeral files for consumers that expect file-backed
// secrets, or from a directory of key files.
type FileSource struct {
	bundleJSON string
	dir        string
	logger     *utils.Logger

	once       sync.Once
	identities []*Identity
	loadErr    error

	mu           sync.Mutex
	ephemeralDir string
}

func NewFileSource(bundleJSON, dir string, logger *utils.Logger) *FileSource {
	return &FileSource{
		bundleJSON: bundleJSON,
		dir:        dir,
		logger:     logger.Named("credentials"),
	}
}

func (s *FileSource) List() ([]*Identity, error) {
	s.once.Do(s.load)
	return s.identities, s.loadErr
}

// load resolves identities exactly once. The inline bundle takes precedence
// over the directory when both are configured.
func (s *FileSource) load() {
	if strings.TrimSpace(s.bundleJSON) != "" {
		s.identities, s.loadErr = s.loadBundle()
		return
	}
	s.identities, s.loadErr = s.loadDir()
}

func (s *FileSource) loadBundle() ([]*Identity, error) {
	var records []json.RawMessage
	if err := json.Unmarshal([]byte(s.bundleJSON), &records); err != nil {
		s.logger.Error("SERVICE_ACCOUNTS_JSON is not a JSON array", "error", err)
		return nil, ErrNoCredentials
	}

	tmpDir, err := os.MkdirTemp("", "ocr-credentials-*")
	if err != nil {
		return nil, fmt.Errorf("create ephemeral credentials dir: %w", err)
	}
	s.mu.Lock()
	s.ephemeralDir = tmpDir
	s.mu.Unlock()

	var identities []*Identity
	for i, raw := range records {
		path := filepath.Join(tmpDir, fmt.Sprintf("sa-%d.json", i))
		if err := os.WriteFile(path, raw, 0600); err != nil {
			s.logger.Warn("failed to materialize credential file", "path", path, "error", err)
		}

		id, err := parseKey(raw)
		if err != nil {
			s.logger.Warn("skipping malformed service account entry", "index", i, "error", err)
			continue
		}
		identities = append(identities, id)
	}

	if len(identities) == 0 {
		return nil, ErrNoCredentials
	}
	s.logger.Info("loaded service account identities", "count", len(identities), "from", "inline bundle")
	return identities, nil
}

func (s *FileSource) loadDir() ([]*Identity, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("cannot read credentials directory", "dir", s.dir, "error", err)
		return nil, ErrNoCredentials
	}

	var identities []*Identity
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable credential file", "path", path, "error", err)
			continue
		}
		id, err := parseKey(data)
		if err != nil {
			s.logger.Warn("skipping malformed credential file", "path", path, "error", err)
			continue
		}
		identities = append(identities, id)
	}

	if len(identities) == 0 {
		return nil, ErrNoCredentials
	}
	s.logger.Info("loaded service account identities", "count", len(identities), "from", s.dir)
	return identities, nil
}

// CleanupEphemeral deletes the materialized bundle directory, if any.
// Identities already loaded stay valid; only the on-disk copies go away.
func (s *FileSource) CleanupEphemeral() {
	s.mu.Lock()
	dir := s.ephemeralDir
	s.ephemeralDir = ""
	s.mu.Unlock()

	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove ephemeral credentials", "dir", dir, "error", err)
		return
	}
	s.logger.Info("removed ephemeral credential files", "dir", dir)
}

func parseKey(data []byte) (*Identity, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if key.ClientEmail == "" {
		return nil, errors.New("missing client_email")
	}
	if key.PrivateKey == "" {
		return nil, errors.New("missing private_key")
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private_key: %w", err)
	}

	tokenURI := key.TokenURI
	if tokenURI == "" {
		tokenURI = defaultTokenURI
	}

	return &Identity{
		ClientEmail:  key.ClientEmail,
		PrivateKey:   privateKey,
		PrivateKeyID: key.PrivateKeyID,
		TokenURI:     tokenURI,
	}, nil
}
