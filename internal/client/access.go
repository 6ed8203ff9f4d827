package client

import (
	"context"
	"fmt"

	"github.com/wolfeidau/encacl/internal/coprocessor/remote"
	"github.com/wolfeidau/encacl/internal/models"
)

// ContractAddress returns the registry's address, asking the server once.
func (c *Clients) ContractAddress(ctx context.Context) (models.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.contract != nil {
		return *c.contract, nil
	}

	info, err := c.Registry.Info(ctx)
	if err != nil {
		return models.Address{}, fmt.Errorf("failed to fetch registry info: %w", err)
	}
	c.contract = &info.ContractAddress
	return info.ContractAddress, nil
}

// GrantAccess encrypts grantee and level for the registry and grants a new
// permission over resourceID.
func (c *Clients) GrantAccess(ctx context.Context, resourceID models.ResourceID, grantee models.Address, level uint8) (uint64, error) {
	contract, err := c.ContractAddress(ctx)
	if err != nil {
		return 0, err
	}

	handles, proof, err := c.Coprocessor.Encrypt(ctx, contract, remote.AddressValue(grantee), remote.Uint8Value(level))
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt input: %w", err)
	}

	return c.Registry.Grant(ctx, resourceID, handles[0], handles[1], proof)
}

// CheckAccess evaluates whether the caller is the grantee of the permission
// and decrypts the result.
func (c *Clients) CheckAccess(ctx context.Context, id uint64) (bool, error) {
	contract, err := c.ContractAddress(ctx)
	if err != nil {
		return false, err
	}

	handles, proof, err := c.Coprocessor.Encrypt(ctx, contract, remote.AddressValue(c.caller))
	if err != nil {
		return false, fmt.Errorf("failed to encrypt input: %w", err)
	}

	result, err := c.Registry.Evaluate(ctx, id, handles[0], proof)
	if err != nil {
		return false, err
	}

	plaintext, err := c.Coprocessor.UserDecrypt(ctx, result)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt result: %w", err)
	}

	return len(plaintext) == 1 && plaintext[0] == 1, nil
}

// SetLevel encrypts level and replaces the level of the permission.
func (c *Clients) SetLevel(ctx context.Context, id uint64, level uint8) error {
	contract, err := c.ContractAddress(ctx)
	if err != nil {
		return err
	}

	handles, proof, err := c.Coprocessor.Encrypt(ctx, contract, remote.Uint8Value(level))
	if err != nil {
		return fmt.Errorf("failed to encrypt input: %w", err)
	}

	return c.Registry.UpdateLevel(ctx, id, handles[0], proof)
}

// DecryptLevel decrypts the current level of a permission the caller owns.
func (c *Clients) DecryptLevel(ctx context.Context, id uint64) (uint8, error) {
	p, err := c.Registry.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	plaintext, err := c.Coprocessor.UserDecrypt(ctx, p.EncryptedLevel)
	if err != nil {
		return 0, fmt.Errorf("failed to decrypt level: %w", err)
	}
	if len(plaintext) != 1 {
		return 0, fmt.Errorf("unexpected level width %d", len(plaintext))
	}

	return plaintext[0], nil
}
