package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/encacl/cmd/cli/internal/credentials"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/models"
)

// KeysCmd manages local signing keys.
type KeysCmd struct {
	Create  KeysCreateCmd  `cmd:"" help:"Generate a new signing key"`
	List    KeysListCmd    `cmd:"" help:"List signing keys"`
	Show    KeysShowCmd    `cmd:"" help:"Show a signing key and its address"`
	Default KeysDefaultCmd `cmd:"" help:"Set the default signing key"`
	Delete  KeysDeleteCmd  `cmd:"" help:"Delete a signing key"`
}

type KeysCreateCmd struct {
	StoreFlags `embed:""`
	Name       string `arg:"" help:"Key name"`
}

func (c *KeysCreateCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := c.store()
	if err != nil {
		return err
	}

	cred, err := store.Create(c.Name)
	if err != nil {
		if errors.Is(err, credentials.ErrCredentialExists) {
			return fmt.Errorf("key %q already exists\n\nRun 'encacl keys list' to see existing keys", c.Name)
		}
		return fmt.Errorf("failed to create key: %w", err)
	}

	out := globals.out()
	fmt.Fprintf(out, "Created key:  %s\n", cred.Name)
	fmt.Fprintf(out, "Address:      %s\n", cred.Address)
	fmt.Fprintf(out, "Fingerprint:  %s\n", cred.Fingerprint)
	return nil
}

type KeysListCmd struct {
	StoreFlags `embed:""`
}

func (c *KeysListCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := c.store()
	if err != nil {
		return err
	}

	creds, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	out := globals.out()
	if len(creds) == 0 {
		fmt.Fprintln(out, "No keys found.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "To create a new key:")
		fmt.Fprintln(out, "  encacl keys create <name>")
		return nil
	}

	defaultName := ""
	if def, err := store.GetDefault(); err == nil {
		defaultName = def.Name
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tDEFAULT")
	for _, cred := range creds {
		isDefault := ""
		if cred.Name == defaultName {
			isDefault = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", cred.Name, cred.Address, isDefault)
	}

	return w.Flush()
}

type KeysShowCmd struct {
	StoreFlags `embed:""`
	Name       string `arg:"" optional:"" help:"Key name, the default key when omitted"`
}

func (c *KeysShowCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := c.store()
	if err != nil {
		return err
	}

	cred, err := store.Resolve(c.Name)
	if err != nil {
		return keyLookupError(c.Name, err)
	}

	publicKeyPEM, err := store.LoadPublicKeyPEM(cred.Name)
	if err != nil {
		return fmt.Errorf("failed to load public key: %w", err)
	}

	out := globals.out()
	fmt.Fprintf(out, "Name:         %s\n", cred.Name)
	fmt.Fprintf(out, "Address:      %s\n", cred.Address)
	fmt.Fprintf(out, "Fingerprint:  %s\n", cred.Fingerprint)
	fmt.Fprintf(out, "Created:      %s\n", cred.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Public Key:")
	fmt.Fprintln(out, publicKeyPEM)
	return nil
}

type KeysDefaultCmd struct {
	StoreFlags `embed:""`
	Name       string `arg:"" help:"Key name"`
}

func (c *KeysDefaultCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := c.store()
	if err != nil {
		return err
	}

	if err := store.SetDefault(c.Name); err != nil {
		return keyLookupError(c.Name, err)
	}

	fmt.Fprintf(globals.out(), "Default key set to %q.\n", c.Name)
	return nil
}

type KeysDeleteCmd struct {
	StoreFlags `embed:""`
	Name       string `arg:"" help:"Key name"`
}

func (c *KeysDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := c.store()
	if err != nil {
		return err
	}

	if err := store.Delete(c.Name); err != nil {
		return keyLookupError(c.Name, err)
	}

	fmt.Fprintf(globals.out(), "Key %q deleted. Permissions it owns can no longer be updated or revoked.\n", c.Name)
	return nil
}

func keyLookupError(name string, err error) error {
	switch {
	case errors.Is(err, credentials.ErrNoDefaultCredential):
		return errors.New("no default key set\n\nRun 'encacl keys default <name>' to choose one")
	case errors.Is(err, credentials.ErrCredentialNotFound):
		return fmt.Errorf("key %q not found\n\nRun 'encacl keys list' to see available keys", name)
	default:
		return err
	}
}

// ProfileCmd shows or sets the endpoints stored in the profile.
type ProfileCmd struct {
	StoreFlags  `embed:""`
	Server      string `help:"Registry server URL to store"`
	Coprocessor string `help:"Coprocessor service URL to store"`
}

func (c *ProfileCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := c.store()
	if err != nil {
		return err
	}

	if c.Server != "" || c.Coprocessor != "" {
		if err := store.SetEndpoints(c.Server, c.Coprocessor); err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
	}

	p, err := store.Profile()
	if err != nil {
		return err
	}

	out := globals.out()
	fmt.Fprintf(out, "Server:       %s\n", orDefault(p.ServerURL, "(default)"))
	fmt.Fprintf(out, "Coprocessor:  %s\n", orDefault(p.CoprocessorURL, "(server)"))
	fmt.Fprintf(out, "Default key:  %s\n", orDefault(p.DefaultCredential, "(none)"))
	return nil
}

// TokenCmd prints a bearer token for a key, for use with curl and friends.
type TokenCmd struct {
	StoreFlags `embed:""`
	Credential string        `help:"Key to sign with, the default key when empty" short:"c"`
	Audience   string        `help:"Token audience" default:"encacl-registry"`
	TTL        time.Duration `help:"Token lifetime" default:"30m"`
}

func (t *TokenCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := t.store()
	if err != nil {
		return err
	}

	cred, err := store.Resolve(t.Credential)
	if err != nil {
		return keyLookupError(t.Credential, err)
	}

	key, err := store.LoadPrivateKey(cred.Name)
	if err != nil {
		return err
	}

	token, err := auth.IssueToken(key, t.Audience, t.TTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(globals.out(), token)
	return nil
}

// HashCmd prints the resource id derived from a label.
type HashCmd struct {
	Label string `arg:"" help:"Resource label, such as a document name"`
}

func (h *HashCmd) Run(ctx context.Context, globals *Globals) error {
	fmt.Fprintln(globals.out(), models.HashResourceLabel(h.Label).String())
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
