package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	"github.com/wolfeidau/encacl/cmd/cli/internal/credentials"
	"github.com/wolfeidau/encacl/internal/client"
	"github.com/wolfeidau/encacl/internal/models"
)

type Globals struct {
	Debug   bool
	Version string
	// Out receives command output, stdout when nil.
	Out io.Writer
}

func (g *Globals) out() io.Writer {
	if g == nil || g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// StoreFlags locate the credential store.
type StoreFlags struct {
	ConfigDir string `help:"Credential and profile directory (default ~/.encacl)" env:"ENCACL_CONFIG_DIR"`
}

func (f *StoreFlags) store() (*credentials.Store, error) {
	store, err := credentials.NewStore(f.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential store: %w", err)
	}
	return store, nil
}

// ClientFlags are shared by every command that talks to the registry.
type ClientFlags struct {
	StoreFlags `embed:""`

	Server      string        `help:"Registry server URL, defaults to the profile server_url" env:"ENCACL_SERVER"`
	Coprocessor string        `help:"Coprocessor service URL, defaults to the profile coprocessor_url or the server URL" env:"ENCACL_COPROCESSOR"`
	Credential  string        `help:"Credential to sign requests with, defaults to the profile default" short:"c" env:"ENCACL_CREDENTIAL"`
	Audience    string        `help:"Token audience expected by the server (default encacl-registry)" env:"ENCACL_AUDIENCE"`
	Timeout     time.Duration `help:"Request timeout" default:"1m"`
}

func (f *ClientFlags) clients() (*client.Clients, error) {
	store, err := f.store()
	if err != nil {
		return nil, err
	}

	cred, err := store.Resolve(f.Credential)
	if err != nil {
		if errors.Is(err, credentials.ErrNoDefaultCredential) {
			return nil, errors.New("no credential specified and no default set\n\n" +
				"Either pass --credential or create one:\n" +
				"  encacl keys create <name>")
		}
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	key, err := store.LoadPrivateKey(cred.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential %q: %w", cred.Name, err)
	}

	profile, err := store.Profile()
	if err != nil {
		return nil, err
	}

	config := client.DefaultConfig()
	config.Key = key
	config.Timeout = f.Timeout
	if f.Audience != "" {
		config.Audience = f.Audience
	}
	if profile.ServerURL != "" {
		config.ServerURL = profile.ServerURL
	}
	if f.Server != "" {
		config.ServerURL = f.Server
	}
	config.CoprocessorURL = profile.CoprocessorURL
	if f.Coprocessor != "" {
		config.CoprocessorURL = f.Coprocessor
	}

	otelInterceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create interceptor: %w", err)
	}
	config.Interceptors = []connect.Interceptor{otelInterceptor}

	return client.NewClients(config)
}

// parseResource accepts either a 0x-prefixed 32 byte id or, with label set,
// a human readable label hashed with keccak-256.
func parseResource(resource string, label bool) (models.ResourceID, error) {
	if label {
		return models.HashResourceLabel(resource), nil
	}
	id, err := models.ParseResourceID(resource)
	if err != nil {
		return models.ResourceID{}, fmt.Errorf("invalid resource id %q (pass --label to hash a name): %w", resource, err)
	}
	return id, nil
}
