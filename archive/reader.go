// Package archive provides offline analysis of recorded packet archives:
// danmu export and the five-minute unique-user popularity estimate.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// Long superchat bodies can exceed bufio's default line limit.
const maxLine = 4 << 20

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error
	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open returns a line scanner over the archive at path, transparently
// decoding gzip when the name ends with .gz. The caller closes the returned
// Closer when done with the scanner.
func Open(path string) (*bufio.Scanner, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	var reader io.Reader = f
	closer := multiCloser{f}
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("gzip open %s: %w", path, err)
		}
		reader = gz
		closer = multiCloser{gz, f}
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return scanner, closer, nil
}
