// Package remote implements coprocessor.Coprocessor against a coprocessor
// service reached over connect.
package remote

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/ciphertext"
	"github.com/wolfeidau/encacl/internal/coprocessor"
	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/rpc"
	"github.com/wolfeidau/encacl/internal/telemetry"
)

var _ coprocessor.Coprocessor = (*Client)(nil)

// ErrMalformedResponse is returned when the service answers with handles that
// do not line up with the request.
var ErrMalformedResponse = errors.New("malformed coprocessor response")

// RetryConfig controls retries of calls that fail with connect.CodeUnavailable.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxTries        uint
}

// Config configures a Client.
type Config struct {
	URL string
	// Key signs the bearer tokens presented to the service.
	Key          *ecdsa.PrivateKey
	Audience     string
	HTTPClient   connect.HTTPClient
	Retry        RetryConfig
	Interceptors []connect.Interceptor
}

// DefaultRetryConfig retries a handful of times within a few seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		MaxTries:        5,
	}
}

// Client is a coprocessor.Coprocessor backed by the coprocessor service.
type Client struct {
	svc   *rpc.CoprocessorServiceClient
	retry RetryConfig
}

// New creates a client for the service at cfg.URL.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("coprocessor URL is required")
	}
	if cfg.Key == nil {
		return nil, errors.New("coprocessor signing key is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	interceptors := append([]connect.Interceptor{auth.NewClientInterceptor(cfg.Key, cfg.Audience, 0)}, cfg.Interceptors...)

	return &Client{
		svc:   rpc.NewCoprocessorServiceClient(cfg.HTTPClient, cfg.URL, connect.WithInterceptors(interceptors...)),
		retry: cfg.Retry,
	}, nil
}

func (c *Client) VerifyAndDecode(ctx context.Context, raw []ciphertext.Handle, proof []byte, pc coprocessor.Context) ([]ciphertext.Handle, error) {
	resp, err := call(ctx, c, "verify_and_decode", func(ctx context.Context) (*connect.Response[rpc.VerifyAndDecodeResponse], error) {
		return c.svc.VerifyAndDecode(ctx, connect.NewRequest(&rpc.VerifyAndDecodeRequest{
			Handles:         raw,
			InputProof:      proof,
			ContractAddress: pc.ContractAddress,
			Caller:          pc.Caller,
		}))
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Msg.Handles) != len(raw) {
		return nil, fmt.Errorf("%w: verify_and_decode returned %d handles for %d inputs", ErrMalformedResponse, len(resp.Msg.Handles), len(raw))
	}
	return resp.Msg.Handles, nil
}

func (c *Client) Equal(ctx context.Context, a, b ciphertext.Handle) (ciphertext.Handle, error) {
	resp, err := call(ctx, c, "equal", func(ctx context.Context) (*connect.Response[rpc.EqualResponse], error) {
		return c.svc.Equal(ctx, connect.NewRequest(&rpc.EqualRequest{A: a, B: b}))
	})
	if err != nil {
		return ciphertext.Zero, err
	}
	return resp.Msg.Result, nil
}

func (c *Client) Allow(ctx context.Context, h ciphertext.Handle, account models.Address) error {
	_, err := call(ctx, c, "allow", func(ctx context.Context) (*connect.Response[rpc.AllowResponse], error) {
		return c.svc.Allow(ctx, connect.NewRequest(&rpc.AllowRequest{Handle: h, Account: account}))
	})
	return err
}

// Encrypt encrypts values for contract on behalf of the key holder.
func (c *Client) Encrypt(ctx context.Context, contract models.Address, values ...rpc.PlaintextValue) ([]ciphertext.Handle, []byte, error) {
	resp, err := call(ctx, c, "encrypt", func(ctx context.Context) (*connect.Response[rpc.EncryptResponse], error) {
		return c.svc.Encrypt(ctx, connect.NewRequest(&rpc.EncryptRequest{ContractAddress: contract, Values: values}))
	})
	if err != nil {
		return nil, nil, err
	}
	if len(resp.Msg.Handles) != len(values) {
		return nil, nil, fmt.Errorf("%w: encrypt returned %d handles for %d values", ErrMalformedResponse, len(resp.Msg.Handles), len(values))
	}
	for i, h := range resp.Msg.Handles {
		if h.Type() != values[i].Type {
			return nil, nil, fmt.Errorf("%w: handle %d is %s, want %s", ErrMalformedResponse, i, h.Type(), values[i].Type)
		}
	}
	return resp.Msg.Handles, resp.Msg.InputProof, nil
}

// UserDecrypt decrypts h for the key holder.
func (c *Client) UserDecrypt(ctx context.Context, h ciphertext.Handle) ([]byte, error) {
	resp, err := call(ctx, c, "user_decrypt", func(ctx context.Context) (*connect.Response[rpc.UserDecryptResponse], error) {
		return c.svc.UserDecrypt(ctx, connect.NewRequest(&rpc.UserDecryptRequest{Handle: h}))
	})
	if err != nil {
		return nil, err
	}
	return resp.Msg.Plaintext, nil
}

// AddressValue is the plaintext form of an address input.
func AddressValue(a models.Address) rpc.PlaintextValue {
	return rpc.PlaintextValue{Type: ciphertext.TypeAddress, Plaintext: a.Bytes()}
}

// Uint8Value is the plaintext form of a uint8 input.
func Uint8Value(v uint8) rpc.PlaintextValue {
	return rpc.PlaintextValue{Type: ciphertext.TypeUint8, Plaintext: []byte{v}}
}

// call runs fn, retrying while the service is unavailable, and maps the
// final error back onto the coprocessor sentinels.
func call[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.Multiplier = c.retry.Multiplier

	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && connect.CodeOf(err) != connect.CodeUnavailable {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.GetMetrics().CoprocessorRetries.Add(ctx, 1)
			log.Warn().
				Err(err).
				Str("op", op).
				Dur("next_retry", next).
				Msg("Coprocessor unavailable, will retry")
		}),
	)
	if err != nil {
		return result, fromConnectError(err)
	}
	return result, nil
}

func fromConnectError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return err
	}

	if sentinel := coprocessor.ErrorForKind(cerr.Meta().Get(rpc.ErrorKindHeader)); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, cerr.Message())
	}

	switch cerr.Code() {
	case connect.CodeCanceled:
		return fmt.Errorf("%w: %s", context.Canceled, cerr.Message())
	case connect.CodeDeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, cerr.Message())
	}
	return err
}
