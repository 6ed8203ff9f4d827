package client

import (
	"crypto/ecdsa"
	"errors"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/coprocessor/remote"
	"github.com/wolfeidau/encacl/internal/models"
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	// CoprocessorURL defaults to ServerURL, where a dev server serves both.
	CoprocessorURL string
	Timeout        time.Duration
	// Key is the caller's signing key; its address is the caller identity.
	Key          *ecdsa.PrivateKey
	Audience     string
	Interceptors []connect.Interceptor
}

// Clients holds the registry and coprocessor clients for one caller.
type Clients struct {
	Registry    *Registry
	Coprocessor *remote.Client

	caller models.Address

	mu       sync.Mutex
	contract *models.Address
}

// NewClients creates new clients with the given configuration
func NewClients(config Config) (*Clients, error) {
	if config.Key == nil {
		return nil, errors.New("signing key is required")
	}
	if config.CoprocessorURL == "" {
		config.CoprocessorURL = config.ServerURL
	}

	caller, err := models.AddressFromPublicKey(&config.Key.PublicKey)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	interceptors := append([]connect.Interceptor{
		auth.NewClientInterceptor(config.Key, config.Audience, 0),
	}, config.Interceptors...)

	cop, err := remote.New(remote.Config{
		URL:          config.CoprocessorURL,
		Key:          config.Key,
		Audience:     config.Audience,
		HTTPClient:   httpClient,
		Interceptors: config.Interceptors,
	})
	if err != nil {
		return nil, err
	}

	return &Clients{
		Registry:    NewRegistry(httpClient, &http.Client{}, config.ServerURL, connect.WithInterceptors(interceptors...)),
		Coprocessor: cop,
		caller:      caller,
	}, nil
}

// Caller returns the address the clients act as.
func (c *Clients) Caller() models.Address {
	return c.caller
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   time.Minute,
		Audience:  auth.DefaultAudience,
	}
}
