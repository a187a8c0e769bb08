package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var ErrUnknownUser = errors.New("unknown user")

type (
	// KeyClient reads and publishes identity keys on the relay.
	KeyClient struct {
		base  url.URL
		token string
		http  *http.Client
	}

	keyBody struct {
		ID          string `json:"id,omitempty"`
		PublicKey   []byte `json:"publicKey"`
		PushAddress string `json:"pushAddress,omitempty"`
	}
)

func NewKeyClient(opts Options, token string) *KeyClient {
	scheme := "http"
	if opts.Secure {
		scheme = "https"
	}
	return &KeyClient{
		base:  url.URL{Scheme: scheme, Host: opts.ServerHost},
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (k *KeyClient) PublicKey(ctx context.Context, userID string) ([]byte, error) {
	u := k.base
	u.Path = "/keys/" + url.PathEscape(userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	default:
		return nil, fmt.Errorf("get public key: unexpected status %s", resp.Status)
	}

	var body keyBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.PublicKey, nil
}

// Publish registers the caller's own public key and push address.
func (k *KeyClient) Publish(ctx context.Context, userID string, publicKey []byte, pushAddress string) error {
	data, err := json.Marshal(keyBody{PublicKey: publicKey, PushAddress: pushAddress})
	if err != nil {
		return err
	}
	u := k.base
	u.Path = "/keys/" + url.PathEscape(userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+k.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("publish key: unexpected status %s", resp.Status)
	}
	return nil
}
