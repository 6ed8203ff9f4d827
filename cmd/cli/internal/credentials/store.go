// Package credentials keeps the CLI's signing keys and profile on the local
// filesystem. Each key is a P-256 keypair whose address is the caller
// identity presented to the registry.
package credentials

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/models"
	"gopkg.in/yaml.v3"
)

const profileFile = "profile.yaml"

// Sentinel errors
var (
	// ErrCredentialNotFound is returned when a credential doesn't exist.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialExists is returned when trying to create a duplicate.
	ErrCredentialExists = errors.New("credential already exists")

	// ErrNoDefaultCredential is returned when no default is set.
	ErrNoDefaultCredential = errors.New("no default credential set")
)

// Credential is the metadata of a stored key.
type Credential struct {
	Name        string    `yaml:"name"`
	Fingerprint string    `yaml:"fingerprint"`
	Address     string    `yaml:"address"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Profile is the CLI configuration file.
type Profile struct {
	Version           int                   `yaml:"version"`
	ServerURL         string                `yaml:"server_url,omitempty"`
	CoprocessorURL    string                `yaml:"coprocessor_url,omitempty"`
	DefaultCredential string                `yaml:"default_credential,omitempty"`
	Credentials       map[string]Credential `yaml:"credentials"`
}

// Store manages credential storage on the local filesystem.
type Store struct {
	baseDir string
}

// NewStore creates a new credential store.
// If baseDir is empty, uses ~/.encacl/
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".encacl")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	store := &Store{baseDir: baseDir}

	if err := store.ensureProfile(); err != nil {
		return nil, err
	}

	log.Debug().Str("baseDir", baseDir).Msg("credential store initialized")

	return store, nil
}

// Create generates a new ECDSA P-256 keypair and stores it.
func (s *Store) Create(name string) (*Credential, error) {
	if _, err := s.Get(name); err == nil {
		return nil, ErrCredentialExists
	}

	log.Info().Str("name", name).Msg("generating new credential")

	privateKey, err := auth.GenerateKey()
	if err != nil {
		return nil, err
	}

	privateKeyPEM, err := auth.MarshalPrivateKeyPEM(privateKey)
	if err != nil {
		return nil, err
	}
	publicKeyPEM, err := auth.MarshalPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	fingerprint, err := auth.Fingerprint(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	address, err := models.AddressFromPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	privateKeyPath := s.keyPath(name)
	if err := os.WriteFile(privateKeyPath, privateKeyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	publicKeyPath := s.pubPath(name)
	// #nosec G306 - public keys are intentionally world-readable
	if err := os.WriteFile(publicKeyPath, publicKeyPEM, 0644); err != nil {
		os.Remove(privateKeyPath)
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	cred := Credential{
		Name:        name,
		Fingerprint: fingerprint,
		Address:     address.String(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.addCredential(cred); err != nil {
		os.Remove(privateKeyPath)
		os.Remove(publicKeyPath)
		return nil, err
	}

	log.Info().
		Str("name", name).
		Str("address", cred.Address).
		Str("privateKeyPath", privateKeyPath).
		Msg("credential created successfully")

	return &cred, nil
}

// Get retrieves credential metadata by name.
func (s *Store) Get(name string) (*Credential, error) {
	p, err := s.Profile()
	if err != nil {
		return nil, err
	}

	cred, ok := p.Credentials[name]
	if !ok {
		return nil, ErrCredentialNotFound
	}

	return &cred, nil
}

// GetDefault retrieves the default credential.
// Returns ErrNoDefaultCredential if none is set.
func (s *Store) GetDefault() (*Credential, error) {
	p, err := s.Profile()
	if err != nil {
		return nil, err
	}

	if p.DefaultCredential == "" {
		return nil, ErrNoDefaultCredential
	}

	return s.Get(p.DefaultCredential)
}

// Resolve returns the named credential, or the default when name is empty.
func (s *Store) Resolve(name string) (*Credential, error) {
	if name == "" {
		return s.GetDefault()
	}
	return s.Get(name)
}

// List returns all stored credentials sorted by name.
func (s *Store) List() ([]Credential, error) {
	p, err := s.Profile()
	if err != nil {
		return nil, err
	}

	credentials := make([]Credential, 0, len(p.Credentials))
	for _, cred := range p.Credentials {
		credentials = append(credentials, cred)
	}
	sort.Slice(credentials, func(i, j int) bool { return credentials[i].Name < credentials[j].Name })

	return credentials, nil
}

// Delete removes a credential and its key files.
func (s *Store) Delete(name string) error {
	p, err := s.Profile()
	if err != nil {
		return err
	}

	if _, ok := p.Credentials[name]; !ok {
		return ErrCredentialNotFound
	}

	if err := os.Remove(s.keyPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove private key: %w", err)
	}
	if err := os.Remove(s.pubPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove public key: %w", err)
	}

	delete(p.Credentials, name)
	if p.DefaultCredential == name {
		p.DefaultCredential = ""
	}

	if err := s.saveProfile(p); err != nil {
		return err
	}

	log.Info().Str("name", name).Msg("credential deleted")

	return nil
}

// SetDefault sets the default credential.
func (s *Store) SetDefault(name string) error {
	p, err := s.Profile()
	if err != nil {
		return err
	}

	if _, ok := p.Credentials[name]; !ok {
		return ErrCredentialNotFound
	}

	p.DefaultCredential = name

	if err := s.saveProfile(p); err != nil {
		return err
	}

	log.Info().Str("name", name).Msg("default credential set")

	return nil
}

// SetEndpoints records the server and coprocessor URLs used when the
// corresponding flags are not given. Empty values leave the current setting.
func (s *Store) SetEndpoints(serverURL, coprocessorURL string) error {
	p, err := s.Profile()
	if err != nil {
		return err
	}

	if serverURL != "" {
		p.ServerURL = serverURL
	}
	if coprocessorURL != "" {
		p.CoprocessorURL = coprocessorURL
	}

	return s.saveProfile(p)
}

// LoadPrivateKey loads the private key for signing tokens.
func (s *Store) LoadPrivateKey(name string) (*ecdsa.PrivateKey, error) {
	if _, err := s.Get(name); err != nil {
		return nil, err
	}

	pemData, err := os.ReadFile(s.keyPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	privateKey, err := auth.ParsePrivateKeyPEM(pemData)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("name", name).Msg("private key loaded")

	return privateKey, nil
}

// LoadPublicKeyPEM returns the public key in PEM format.
func (s *Store) LoadPublicKeyPEM(name string) (string, error) {
	if _, err := s.Get(name); err != nil {
		return "", err
	}

	pemData, err := os.ReadFile(s.pubPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to read public key: %w", err)
	}

	return string(pemData), nil
}

// Profile reads the profile file.
func (s *Store) Profile() (*Profile, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, profileFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	if p.Credentials == nil {
		p.Credentials = make(map[string]Credential)
	}

	return &p, nil
}

func (s *Store) keyPath(name string) string {
	return filepath.Join(s.baseDir, name+".key")
}

func (s *Store) pubPath(name string) string {
	return filepath.Join(s.baseDir, name+".pub")
}

// ensureProfile creates an empty profile if it doesn't exist.
func (s *Store) ensureProfile() error {
	if _, err := os.Stat(filepath.Join(s.baseDir, profileFile)); err == nil {
		return nil
	}

	return s.saveProfile(&Profile{
		Version:     1,
		Credentials: make(map[string]Credential),
	})
}

// saveProfile writes the profile file atomically.
func (s *Store) saveProfile(p *Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	profilePath := filepath.Join(s.baseDir, profileFile)
	tempPath := profilePath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	if err := os.Rename(tempPath, profilePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save profile: %w", err)
	}

	return nil
}

// addCredential adds a new credential, making it the default when it is the
// first one.
func (s *Store) addCredential(cred Credential) error {
	p, err := s.Profile()
	if err != nil {
		return err
	}

	p.Credentials[cred.Name] = cred

	if len(p.Credentials) == 1 {
		p.DefaultCredential = cred.Name
	}

	return s.saveProfile(p)
}
