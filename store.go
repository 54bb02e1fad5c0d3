package certsentinel

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// Validation and mutation errors for the ACME store.
var (
	ErrStoreNotFound    = errors.New("acme store not found")
	ErrMalformedJSON    = errors.New("acme store is not valid JSON")
	ErrMissingSchema    = errors.New("acme store is missing the account section")
	ErrStoreWriteFailed = errors.New("acme store write failed")
)

// The acme.json document: one resolver entry holding the ACME account and
// the issued certificates. Unknown registration fields are carried through
// untouched so a rewrite never loses data the terminator put there.
type storeDocument map[string]*resolverEntry

type resolverEntry struct {
	Account      *storeAccount      `json:"Account"`
	Certificates []storeCertificate `json:"Certificates"`
}

type storeAccount struct {
	Email        string          `json:"Email"`
	Registration json.RawMessage `json:"Registration,omitempty"`
	PrivateKey   string          `json:"PrivateKey,omitempty"`
	KeyType      string          `json:"KeyType,omitempty"`
}

type storeCertificate struct {
	Domain      storeDomain `json:"domain"`
	Certificate string      `json:"certificate"`
	Key         string      `json:"key"`
	Store       string      `json:"Store"`
}

type storeDomain struct {
	Main string   `json:"main"`
	Sans []string `json:"sans,omitempty"`
}

// StoredCertificate is the decoded view of one certificate entry.
type StoredCertificate struct {
	Main     string
	Sans     []string
	NotAfter time.Time
}

// StateStore is the orchestrator's view of the ACME store. *Store is the
// file-backed implementation; tests substitute call-order doubles.
type StateStore interface {
	Validate() error
	Repair(accountEmail string) error
	Backup() (string, error)
	Invalidate(domain string) error
	Entry(domain string) (*StoredCertificate, error)
}

// Store reads and conditionally mutates the terminator-owned acme.json
// under an explicit backup-validate-write discipline. It assumes a single
// renewal process per store file; see the repository design notes.
type Store struct {
	Path     string
	Resolver string
	// Backup destination and rotation depth, fixed at construction so the
	// orchestrator cannot bypass them.
	BackupDir    string
	BackupRetain int

	logger *slog.Logger
	now    func() time.Time
}

func NewStore(path, resolver, backupDir string, retain int, logger *slog.Logger) *Store {
	if logger == nil {
		panic("NewStore: received nil logger")
	}
	if resolver == "" {
		resolver = DefaultResolver
	}
	if retain <= 0 {
		retain = DefaultBackupRetain
	}
	return &Store{
		Path:         path,
		Resolver:     resolver,
		BackupDir:    backupDir,
		BackupRetain: retain,
		logger:       logger.With("component", "store", "path", path),
		now:          time.Now,
	}
}

// Validate checks the store exists, parses as JSON, and carries the
// resolver's account section.
func (s *Store) Validate() error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrStoreNotFound, s.Path)
		}
		return fmt.Errorf("failed to read acme store %s: %w", s.Path, err)
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	entry, ok := doc[s.Resolver]
	if !ok || entry == nil || entry.Account == nil {
		return fmt.Errorf("%w: resolver %q", ErrMissingSchema, s.Resolver)
	}
	return nil
}

// Repair replaces the store with a minimal schema-valid skeleton: the
// account email and an empty certificate list. Destructive by design; the
// caller must have taken a backup first so the corrupt original stays
// recoverable.
func (s *Store) Repair(accountEmail string) error {
	skeleton := storeDocument{
		s.Resolver: {
			Account: &storeAccount{
				Email:        accountEmail,
				Registration: json.RawMessage(`{"body":{"status":"valid","contact":["mailto:` + accountEmail + `"]},"uri":""}`),
			},
			Certificates: []storeCertificate{},
		},
	}
	s.logger.Warn("repairing acme store with minimal skeleton", "resolver", s.Resolver, "email", accountEmail)
	if err := s.write(skeleton); err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	return nil
}

// Backup copies the store byte-for-byte to BackupDir with a timestamp
// suffix, restricts the copy to owner read/write, and rotates old backups
// beyond BackupRetain. The copy is taken even when the store content is
// not valid JSON.
func (s *Store) Backup() (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("backup: failed to read %s: %w", s.Path, err)
	}
	if err := os.MkdirAll(s.BackupDir, 0o700); err != nil {
		return "", fmt.Errorf("backup: failed to create %s: %w", s.BackupDir, err)
	}

	base := filepath.Base(s.Path)
	// UnixNano keeps lexicographic and chronological order in agreement
	// and distinguishes backups taken within the same second.
	name := fmt.Sprintf("%s.%d", base, s.now().UnixNano())
	dst := filepath.Join(s.BackupDir, name)

	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return "", fmt.Errorf("backup: failed to write %s: %w", dst, err)
	}
	s.logger.Info("acme store backed up", "backup", dst, "bytes", len(data))

	if err := s.rotateBackups(base); err != nil {
		// Rotation failure must not fail the renewal; the backup itself
		// succeeded.
		s.logger.Warn("backup rotation failed", "error", err)
	}
	return dst, nil
}

func (s *Store) rotateBackups(base string) error {
	entries, err := os.ReadDir(s.BackupDir)
	if err != nil {
		return err
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base+".") {
			backups = append(backups, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	for _, old := range backups[min(len(backups), s.BackupRetain):] {
		path := filepath.Join(s.BackupDir, old)
		if err := os.Remove(path); err != nil {
			return err
		}
		s.logger.Debug("pruned old backup", "backup", path)
	}
	return nil
}

// Invalidate removes the certificate entry for domain, forcing the
// terminator to request a fresh certificate on restart. Removing an entry
// that is already absent is not an error. The rewrite is atomic
// (temp-then-rename); a partially written store is never left behind.
func (s *Store) Invalidate(domain string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	entry := doc[s.Resolver]
	if entry == nil {
		return fmt.Errorf("%w: resolver %q", ErrMissingSchema, s.Resolver)
	}

	kept := entry.Certificates[:0]
	removed := 0
	for _, c := range entry.Certificates {
		if c.Domain.Main == domain {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	entry.Certificates = kept

	if removed == 0 {
		s.logger.Info("no certificate entry to invalidate", "domain", domain)
		return nil
	}
	s.logger.Info("invalidated certificate entry", "domain", domain, "removed", removed)

	if err := s.write(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWriteFailed, err)
	}
	return nil
}

// Entry returns the decoded certificate entry for domain, or nil when the
// store has none.
func (s *Store) Entry(domain string) (*StoredCertificate, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	entry := doc[s.Resolver]
	if entry == nil {
		return nil, fmt.Errorf("%w: resolver %q", ErrMissingSchema, s.Resolver)
	}
	for _, c := range entry.Certificates {
		if c.Domain.Main != domain {
			continue
		}
		stored := &StoredCertificate{Main: c.Domain.Main, Sans: c.Domain.Sans}

		pemBytes, err := base64.StdEncoding.DecodeString(c.Certificate)
		if err != nil {
			return nil, fmt.Errorf("entry %s: failed to decode certificate: %w", domain, err)
		}
		certs, err := certcrypto.ParsePEMBundle(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("entry %s: failed to parse certificate bundle: %w", domain, err)
		}
		stored.NotAfter = certs[0].NotAfter
		return stored, nil
	}
	return nil, nil
}

func (s *Store) load() (storeDocument, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, s.Path)
		}
		return nil, fmt.Errorf("failed to read acme store %s: %w", s.Path, err)
	}
	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return doc, nil
}

// write marshals doc to a temp file in the store's directory and renames
// it into place. Traefik expects acme.json to be 0600.
func (s *Store) write(doc storeDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal acme store: %w", err)
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, s.Path, err)
	}
	return nil
}
