package fetch

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
)

// findChecksum scans a SHA256SUMS listing for the line naming filename and
// returns its digest. Lines are matched by suffix so entries carrying a
// leading path or a binary-mode marker still match.
func findChecksum(r io.Reader, filename string) (digest.Digest, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasSuffix(line, filename) {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(parts[0]))
		if err := d.Validate(); err != nil {
			return "", fmt.Errorf("invalid checksum for %s: %w", filename, err)
		}
		return d, nil
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan checksums: %w", err)
	}
	return "", fmt.Errorf("%w: %s", ErrAssetNotFound, filename)
}
