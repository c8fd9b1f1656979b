package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/TIC-PURP/purp-sync/internal/document"
	"github.com/TIC-PURP/purp-sync/internal/store"
)

// DirectoryRecord is the credential-bearing record managed through the
// privileged directory endpoint. The server hashes the password; it is
// never stored client-side.
type DirectoryRecord struct {
	Name     string        `json:"name"`
	Password string        `json:"password,omitempty"`
	Role     document.Role `json:"role"`
	IsActive bool          `json:"isActive"`
}

// Directory is the restricted channel for credential records.
type Directory interface {
	Save(ctx context.Context, rec *DirectoryRecord) error
	Delete(ctx context.Context, name string) error
}

// HTTPDirectory talks to the gateway's role-gated directory endpoint.
type HTTPDirectory struct {
	origin string
	client *http.Client
}

// NewHTTPDirectory binds the client to the gateway origin. The
// http.Client shares the session cookie jar.
func NewHTTPDirectory(origin string, client *http.Client) *HTTPDirectory {
	return &HTTPDirectory{origin: strings.TrimRight(origin, "/"), client: client}
}

func (d *HTTPDirectory) recordURL(name string) string {
	return d.origin + "/directory/users/" + url.PathEscape(name)
}

// Save creates or updates the record for rec.Name.
func (d *HTTPDirectory) Save(ctx context.Context, rec *DirectoryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.recordURL(rec.Name), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req)
}

// Delete removes the record. Deleting a missing record is treated as
// success.
func (d *HTTPDirectory) Delete(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.recordURL(name), nil)
	if err != nil {
		return err
	}
	err = d.do(req)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (d *HTTPDirectory) do(req *http.Request) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory request: %w", store.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return store.ErrAuthExpired
	case resp.StatusCode == http.StatusForbidden:
		return store.ErrValidationRejected
	case resp.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	default:
		return fmt.Errorf("unexpected directory status %d", resp.StatusCode)
	}
}
