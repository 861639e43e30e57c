package platform

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Detect refines p with capabilities reported by the running kernel. Only
// the Sscofpmf flag is discoverable from userspace; counter layout still
// comes from the profile.
func Detect(p Profile) (Profile, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return p, fmt.Errorf("platform: detect: %w", err)
	}
	defer f.Close()

	found, err := hasISAExtension(f, "sscofpmf")
	if err != nil {
		return p, fmt.Errorf("platform: detect: %w", err)
	}
	p.Sscofpmf = found
	return p, nil
}

// hasISAExtension reports whether every hart's isa string in a cpuinfo
// listing contains the named multi-letter extension.
func hasISAExtension(r io.Reader, ext string) (bool, error) {
	ext = strings.ToLower(ext)

	seen := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "isa" {
			continue
		}
		seen = true

		parts := strings.Split(strings.ToLower(strings.TrimSpace(value)), "_")
		has := false
		for _, part := range parts[1:] {
			if part == ext {
				has = true
				break
			}
		}
		if !has {
			return false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return seen, nil
}
