package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SignRequest carries everything a signer needs to produce signatures for a
// transaction.
type SignRequest struct {
	ChainID      string      `json:"chain_id"`
	RequiredKeys []string    `json:"required_keys"`
	Transaction  Transaction `json:"transaction"`
}

// Signer is the opaque transaction-signing capability. It may be backed by a
// local key or by a remote session; callers only see available keys and a
// sign operation. Implementations return ErrNotLoggedIn when their backing
// session is absent or expired.
type Signer interface {
	GetAvailableKeys(ctx context.Context) ([]string, error)
	Sign(ctx context.Context, req SignRequest) ([]string, error)
}

// FuelProvider delegates transaction resource costs to another account by
// prepending a no-op action authorized by that account. The provider's
// signer co-signs the transaction.
type FuelProvider struct {
	Account    string
	Permission string
	Signer     Signer
}

// RemoteSigner signs transactions through an external signing service over
// HTTP. A 401 response maps to ErrNotLoggedIn so callers can distinguish an
// expired session from a transport failure.
type RemoteSigner struct {
	endpoint string
	client   *http.Client
}

// NewRemoteSigner constructs a signer bound to a signing-service base URL.
func NewRemoteSigner(endpoint string, client *http.Client) *RemoteSigner {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteSigner{endpoint: endpoint, client: client}
}

// GetAvailableKeys lists the public keys the signing service can sign with.
func (s *RemoteSigner) GetAvailableKeys(ctx context.Context) ([]string, error) {
	var result struct {
		Keys []string `json:"keys"`
	}
	if err := s.post(ctx, "/v1/signer/available_keys", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Keys, nil
}

// Sign submits the transaction to the signing service and returns the
// produced signatures.
func (s *RemoteSigner) Sign(ctx context.Context, req SignRequest) ([]string, error) {
	var result struct {
		Signatures []string `json:"signatures"`
	}
	if err := s.post(ctx, "/v1/signer/sign", req, &result); err != nil {
		return nil, err
	}
	return result.Signatures, nil
}

func (s *RemoteSigner) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrNotLoggedIn
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("chain: signer returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
