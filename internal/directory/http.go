package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"heron/internal/domain"
)

// HTTPClient is a domain.IdentityDirectory backed by the directory service.
type HTTPClient struct {
	Base string
	HTTP *http.Client
}

func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{Base: strings.TrimRight(base, "/"), HTTP: http.DefaultClient}
}

// Publish registers signer's public key for user and returns the token
// that can later withdraw it.
func (c *HTTPClient) Publish(ctx context.Context, user domain.UserID, signer domain.Signer) (string, error) {
	pub := signer.Public()
	sig, err := signer.Sign(publishMessage(user, pub))
	if err != nil {
		return "", err
	}
	var out record
	if err := c.postJSON(ctx, "/identity", record{User: string(user), Public: pub[:], Signature: sig}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("directory issued no token")
	}
	return out.Token, nil
}

// Unregister withdraws user from the directory using the token Publish
// returned.
func (c *HTTPClient) Unregister(ctx context.Context, user domain.UserID, token string) error {
	path := "/identity/" + url.PathEscape(string(user))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.Base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError(http.MethodDelete, path, resp)
}

func (c *HTTPClient) LookupIdentity(ctx context.Context, user domain.UserID) (domain.Ed25519Public, error) {
	var rec record
	if err := c.getJSON(ctx, "/identity/"+url.PathEscape(string(user)), &rec); err != nil {
		return domain.Ed25519Public{}, err
	}
	if rec.User != string(user) {
		return domain.Ed25519Public{}, fmt.Errorf("%w: directory answered for %q", domain.ErrIdentityMismatch, rec.User)
	}
	return domain.ParseEd25519Public(rec.Public)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(http.MethodPost, path, resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(http.MethodGet, path, resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps directory responses onto the domain errors.
func statusError(method, path string, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("directory %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrUnknownIdentity, detail)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrIdentityMismatch, detail)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrSignatureInvalid, detail)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrTokenRejected, detail)
	}
	return errors.New(detail)
}

var _ domain.IdentityDirectory = (*HTTPClient)(nil)
