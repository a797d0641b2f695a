// Package cache persists per-account auth tokens and device lists under the
// bridge cache directory. Files are written atomically (temp + rename) so a
// crash mid-write leaves either the old content or nothing, never a torn
// file. Corrupt files are treated as a miss.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"
)

// Stage identifies one of the three staged tokens
type Stage string

const (
	StageAnonymous Stage = "anonymous"
	StageLogin     Stage = "login"
	StageMQTT      Stage = "mqtt"
)

// Device is one discovered power station, as persisted per account
type Device struct {
	MAC         string    `json:"mac"`
	Name        string    `json:"name"`
	ProductName string    `json:"product_name"`
	Model       string    `json:"model"`
	Online      bool      `json:"online"`
	CreatedAt   time.Time `json:"created_at"`
}

// accountKey derives the per-account file name component
func accountKey(email string) string {
	sum := md5.Sum([]byte(email))
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes data through a temp file in the target directory
// and renames it into place. Directory 0700, file 0600 (CreateTemp default).
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
