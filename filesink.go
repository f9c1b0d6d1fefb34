package ddpanel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"
)

const (
	fileFlushItems = 1000
	progressEvery  = 10000
)

// FileSink archives broadcast items as newline-delimited JSON, rotating the
// file when the Asia/Shanghai date changes.
type FileSink[T any] struct {
	log      zerolog.Logger
	template string
	sub      *Subscription[T]

	f        *os.File
	gz       *pgzip.Writer // nil for plain files
	bw       *bufio.Writer
	openDate string

	count     uint64
	unflushed int
}

// resolvePath substitutes the date for the % sentinel in the path template.
func resolvePath(template, date string) string {
	return strings.Replace(template, "%", date, 1)
}

func shanghaiDate(t time.Time) string {
	return t.In(shanghai).Format("2006-01-02")
}

// newFileSink opens the sink's first file eagerly so a bad path fails the
// attach rather than the write loop.
func newFileSink[T any](log zerolog.Logger, template string, sub *Subscription[T]) (*FileSink[T], error) {
	s := &FileSink[T]{
		log:      log,
		template: template,
		sub:      sub,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink[T]) open() error {
	date := shanghaiDate(time.Now())
	path := resolvePath(s.template, date)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	s.f = f
	s.openDate = date
	if strings.HasSuffix(path, ".gz") {
		s.gz = pgzip.NewWriter(f)
		s.bw = bufio.NewWriter(s.gz)
	} else {
		s.gz = nil
		s.bw = bufio.NewWriter(f)
	}
	s.log.Info().Str("path", path).Msg("archive file opened")
	return nil
}

func (s *FileSink[T]) closeFile() error {
	if s.f == nil {
		return nil
	}
	var firstErr error
	if err := s.bw.Flush(); err != nil {
		firstErr = err
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.f = nil
	return firstErr
}

// Run consumes the subscription until the broadcast closes, then flushes and
// closes the file.
func (s *FileSink[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.closeFile(); err != nil {
				s.log.Error().Err(err).Msg("closing archive failed")
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.flush(); err != nil {
				s.closeFile()
				return err
			}

		case <-s.sub.Ready():
			closed, err := s.drain()
			if err != nil {
				s.closeFile()
				return err
			}
			if closed {
				err := s.closeFile()
				s.log.Info().Uint64("count", s.count).Msg("file sink finished")
				return err
			}
		}
	}
}

func (s *FileSink[T]) drain() (bool, error) {
	for {
		item, ok, err := s.sub.TryRecv()
		if err != nil {
			var lag *LagError
			if errors.As(err, &lag) {
				s.log.Warn().Uint64("missed", lag.Missed).Msg("file sink lagged")
				continue
			}
			return true, nil
		}
		if !ok {
			return false, nil
		}
		if err := s.writeItem(item); err != nil {
			return false, err
		}
	}
}

func (s *FileSink[T]) writeItem(item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal archive item: %w", err)
	}
	if _, err := s.bw.Write(data); err != nil {
		return err
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return err
	}

	s.count++
	s.unflushed++
	if s.count%progressEvery == 0 {
		s.log.Info().Uint64("count", s.count).Msg("items archived")
	}
	if s.unflushed >= fileFlushItems {
		return s.flush()
	}
	return nil
}

// flush pushes buffered bytes down to the file and rotates when the local
// date has changed since the file was opened.
func (s *FileSink[T]) flush() error {
	s.unflushed = 0
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return err
		}
	}

	if date := shanghaiDate(time.Now()); date != s.openDate {
		if err := s.closeFile(); err != nil {
			return err
		}
		return s.open()
	}
	return nil
}
