package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// scpMaxSize caps a captured upload.
const scpMaxSize = 10 << 20

var (
	errSCPHeader = errors.New("scp: malformed header")
	errSCPSize   = errors.New("scp: size out of range")
)

// scpUpload is one file received over scp -t.
type scpUpload struct {
	name string
	data []byte
}

// scpValueFlags are the scp options that consume an argument.
const scpValueFlags = "cFiJloPSX"

// isSCPSink reports whether an exec command asks us to receive files.
// Flag clusters are walked letter by letter so option values such as
// -o StrictHostKeyChecking=no are not mistaken for -t.
func isSCPSink(cmd string) bool {
	f := strings.Fields(cmd)
	if len(f) == 0 || f[0] != "scp" {
		return false
	}
	for i := 1; i < len(f); i++ {
		a := f[i]
		if a == "--" || !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			continue
		}
		for j := 1; j < len(a); j++ {
			c := a[j]
			if c == 't' {
				return true
			}
			if strings.IndexByte(scpValueFlags, c) >= 0 {
				if j == len(a)-1 {
					i++
				}
				break
			}
		}
	}
	return false
}

// receiveSCP speaks the sink side of the scp protocol for a single file.
// A leading T (timestamp) record is acknowledged and skipped.
func receiveSCP(rw io.ReadWriter) (scpUpload, error) {
	ack := func() error {
		_, err := rw.Write([]byte{0})
		return err
	}
	if err := ack(); err != nil {
		return scpUpload{}, err
	}

	r := bufio.NewReader(rw)
	header, err := r.ReadString('\n')
	if err != nil {
		return scpUpload{}, fmt.Errorf("scp: read header: %w", err)
	}
	if strings.HasPrefix(header, "T") {
		if err := ack(); err != nil {
			return scpUpload{}, err
		}
		if header, err = r.ReadString('\n'); err != nil {
			return scpUpload{}, fmt.Errorf("scp: read header: %w", err)
		}
	}

	// C<mode> <size> <name>
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[0], "C") {
		return scpUpload{}, fmt.Errorf("%w: %q", errSCPHeader, header)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 || size > scpMaxSize {
		return scpUpload{}, fmt.Errorf("%w: %s", errSCPSize, parts[1])
	}
	if err := ack(); err != nil {
		return scpUpload{}, err
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return scpUpload{}, fmt.Errorf("scp: read data: %w", err)
	}
	r.ReadByte() //nolint:errcheck
	if err := ack(); err != nil {
		return scpUpload{}, err
	}
	return scpUpload{name: safeUploadName(parts[2]), data: data}, nil
}

// safeUploadName keeps the base name and drops anything outside
// [A-Za-z0-9._-]. Leading dots are stripped.
func safeUploadName(raw string) string {
	base := filepath.Base(strings.TrimSpace(raw))
	var b strings.Builder
	for _, c := range base {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-' {
			b.WriteRune(c)
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = fmt.Sprintf("upload_%d", time.Now().Unix())
	}
	return name
}

// captureUpload receives one scp upload, quarantines it under the upload
// directory and archives a copy when object storage is configured.
func (s *server) captureUpload(ch stream, sa *sessionAudit, sess *sessionLogger) bool {
	up, err := receiveSCP(ch)
	if err != nil {
		sa.record(catError, err.Error())
		return false
	}

	sum := sha256.Sum256(up.data)
	msg := fmt.Sprintf("%s %d sha256:%x", up.name, len(up.data), sum)
	sa.record(catUpload, msg)
	sess.log("UPLOAD: %s", msg)

	dir := filepath.Join(s.cfg.uploadDir(), sa.id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		sa.record(catError, "upload dir: "+err.Error())
		return false
	}
	if err := os.WriteFile(filepath.Join(dir, up.name), up.data, 0600); err != nil {
		sa.record(catError, "upload save: "+err.Error())
		return false
	}

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		key := uploadKey(sa.id, up.name, time.Now())
		if err := s.archive.put(ctx, key, bytes.NewReader(up.data), "application/octet-stream"); err != nil {
			logEvent("ERROR", sa.id, "archive upload: "+err.Error())
		}
	}
	return true
}
