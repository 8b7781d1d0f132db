package importer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	sigcache "github.com/wolfeidau/sigcache"
)

// maxHashListLine bounds a single line; hash lists carry one Base64 digest
// per line so anything longer indicates a malformed file.
const maxHashListLine = 1024

// ReadHashList reads a newline-delimited list of Base64 content hashes.
// Blank lines and lines starting with '#' are skipped. Files with a .zst
// extension are transparently decompressed; published block lists usually
// ship zstd-compressed.
func ReadHashList(path string) ([]sigcache.ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening hash list: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var r io.Reader = f
	if filepath.Ext(path) == ".zst" {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	return parseHashList(r)
}

func parseHashList(r io.Reader) ([]sigcache.ContentHash, error) {
	var hashes []sigcache.ContentHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxHashListLine), maxHashListLine)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		hash, err := sigcache.ParseContentHash(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		hashes = append(hashes, hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading hash list: %w", err)
	}

	return hashes, nil
}
