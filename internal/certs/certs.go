// Package certs downloads OEM probe certificates from the cloud API and
// keeps them on disk, one PEM file per probe serial.
package certs

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCloudURL lists the OEM certificates for the caller's token.
const DefaultCloudURL = "https://cloud.clarius.com/api/public/v0/devices/oem/?format=json"

// ErrNoToken is returned by Fetch when no API token is given.
var ErrNoToken = errors.New("certs: API token required")

// Certificate is one probe certificate from the cloud listing.
type Certificate struct {
	Serial string
	PEM    string
}

// listing mirrors the cloud response body.
type listing struct {
	Results []struct {
		Device struct {
			Serial string `json:"serial"`
		} `json:"device"`
		Crt string `json:"crt"`
	} `json:"results"`
}

// Fetch downloads the certificates available to token. Entries without a
// certificate are skipped.
func Fetch(ctx context.Context, client *http.Client, url, token string) ([]Certificate, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		url = DefaultCloudURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("certs: build request: %w", err)
	}
	req.Header.Set("Authorization", "OEM-API-Key "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("certs: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("certs: request failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var l listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("certs: decode response: %w", err)
	}

	var out []Certificate
	for _, r := range l.Results {
		if r.Crt == "" || r.Device.Serial == "" {
			continue
		}
		out = append(out, Certificate{Serial: r.Device.Serial, PEM: r.Crt})
	}
	slog.Info("[CERTS] fetched", "listed", len(l.Results), "certificates", len(out))
	return out, nil
}

// Store is a directory of certificates named <serial>.crt.
type Store struct {
	Dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) path(serial string) string {
	return filepath.Join(s.Dir, filepath.Base(serial)+".crt")
}

// Save writes c to disk atomically.
func (s *Store) Save(c Certificate) error {
	if c.Serial == "" {
		return fmt.Errorf("certs: certificate has no serial")
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("certs: create dir: %w", err)
	}

	dest := s.path(c.Serial)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, []byte(c.PEM), 0600); err != nil {
		return fmt.Errorf("certs: write %s: %w", c.Serial, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("certs: move %s: %w", c.Serial, err)
	}
	return nil
}

// SaveAll writes every certificate and reports how many were written.
func (s *Store) SaveAll(certs []Certificate) (int, error) {
	for i, c := range certs {
		if err := s.Save(c); err != nil {
			return i, err
		}
	}
	return len(certs), nil
}

// Lookup loads and parses the certificate for serial. It reports false
// when none is stored.
func (s *Store) Lookup(serial string) (*x509.Certificate, bool, error) {
	data, err := os.ReadFile(s.path(serial))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("certs: read %s: %w", serial, err)
	}
	cert, err := Parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("certs: %s: %w", serial, err)
	}
	return cert, true, nil
}

// ForProbe looks up the certificate for a probe by its advertised name.
// The serial is the part after the first '-' (CUS-1234 -> 1234); the full
// name is tried first.
func (s *Store) ForProbe(name string) (*x509.Certificate, bool, error) {
	if cert, ok, err := s.Lookup(name); ok || err != nil {
		return cert, ok, err
	}
	if _, serial, ok := strings.Cut(name, "-"); ok && serial != "" {
		return s.Lookup(serial)
	}
	return nil, false, nil
}

// Parse decodes a PEM certificate, falling back to raw DER.
func Parse(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
