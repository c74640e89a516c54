package dump

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

const readBufferSize = 64 * 1024

// Reader is an open data file with its decompression filter applied.
type Reader struct {
	io.Reader
	file *os.File
	gz   *gzip.Reader
}

// Open opens f and returns a reader of the plain JSON bytes.
// Gzip input may consist of any number of concatenated members.
func Open(f DataFile) (*Reader, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	buffered := bufio.NewReaderSize(file, readBufferSize)
	r := &Reader{Reader: buffered, file: file}

	switch f.Format {
	case FormatJSON:
	case FormatJSONGz:
		gz, err := gzip.NewReader(buffered)
		if err == io.EOF {
			// An empty file has no gzip member; it reads as an empty stream
			// like an empty .json file does.
			r.Reader = eofReader{}
			break
		}
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read gzip header: %w", err)
		}
		gz.Multistream(true)
		r.gz = gz
		r.Reader = gz
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported file format: %q", f.Format)
	}
	return r, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// Close closes the decompressor and the file.
func (r *Reader) Close() error {
	var errs []error
	if r.gz != nil {
		if err := r.gz.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gzip reader: %w", err))
		}
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing data file: %v", errs)
	}
	return nil
}
