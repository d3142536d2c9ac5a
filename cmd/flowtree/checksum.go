package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
)

// httpGetter is satisfied by *http.Client.
type httpGetter interface {
	Get(url string) (*http.Response, error)
}

// checksumError reports a download whose digest differs from the pinned one.
type checksumError struct {
	Asset string
	Want  string
	Got   string
}

func (e *checksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s (expected %s, got %s)", e.Asset, e.Want, e.Got)
}

// fetchVerified streams url into a temporary file in dir, hashing it on the
// way, and keeps the file only when its SHA-256 digest is want. The caller
// removes the returned file.
func fetchVerified(client httpGetter, url, dir, asset, want string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	f, err := os.CreateTemp(dir, ".flowtree-download-*")
	if err != nil {
		return "", err
	}
	path := f.Name()

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		os.Remove(path)
		return "", &checksumError{Asset: asset, Want: want, Got: got}
	}
	return path, nil
}
