package policy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

var (
	ErrSchemeNotAllowed = errors.New("only http and https URLs may be fetched")
	ErrHostNotAllowed   = errors.New("host is not allowed")
	ErrLocalFilesOff    = errors.New("reading local files is disabled")
	ErrPathEscapesRoot  = errors.New("path escapes the allowed directory")
)

// Targets decides which URLs and local files a tool may read.
type Targets struct {
	// FileRoot is the only directory local PDFs may be read from. Empty disables local reads.
	FileRoot string
	// AllowPrivateHosts permits loopback and private-range hosts, for tests and local setups.
	AllowPrivateHosts bool
}

// CheckURL validates raw as a fetch target.
func (t Targets) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrSchemeNotAllowed
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrHostNotAllowed)
	}
	if !t.AllowPrivateHosts && isPrivateHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	return u, nil
}

// CheckFile resolves path inside FileRoot.
func (t Targets) CheckFile(path string) (string, error) {
	if strings.TrimSpace(t.FileRoot) == "" {
		return "", ErrLocalFilesOff
	}
	root, err := filepath.Abs(t.FileRoot)
	if err != nil {
		return "", fmt.Errorf("resolve file root: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapesRoot
	}
	return full, nil
}

func isPrivateHost(host string) bool {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
