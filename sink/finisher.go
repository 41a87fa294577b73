package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"blockcast/crypto"
	"blockcast/transfer"
)

// FileFinisher writes completed file payloads under a directory.
type FileFinisher struct {
	fs  afero.Fs
	dir string
}

var _ transfer.Finisher = (*FileFinisher)(nil)

func NewFileFinisher(fs afero.Fs, dir string) *FileFinisher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = DefaultDownloadDir()
	}
	return &FileFinisher{fs: fs, dir: dir}
}

// ErrUnsafeKey is returned for a transaction key that cannot name a file.
var ErrUnsafeKey = errors.New("sink: transaction key is not a safe file name")

// Finish verifies the payload checksum, then writes <key>_<name> through a
// .part file and a rename so readers never see a partial file. The result
// always lands directly inside the download directory.
func (f *FileFinisher) Finish(p transfer.Payload) (transfer.Outcome, error) {
	if !transfer.ValidKey(p.TransactionKey) {
		return transfer.Outcome{}, fmt.Errorf("%w: %q", ErrUnsafeKey, p.TransactionKey)
	}
	if err := crypto.Verify(p.Data, p.Checksum); err != nil {
		return transfer.Outcome{}, err
	}
	if err := f.fs.MkdirAll(f.dir, 0o700); err != nil {
		return transfer.Outcome{}, fmt.Errorf("create download directory: %w", err)
	}

	finalPath := filepath.Join(f.dir, prefixedFilename(p.TransactionKey, p.Name))
	if filepath.Dir(finalPath) != filepath.Clean(f.dir) {
		return transfer.Outcome{}, fmt.Errorf("%w: %q", ErrUnsafeKey, p.TransactionKey)
	}
	tempPath := finalPath + ".part"
	if err := afero.WriteFile(f.fs, tempPath, p.Data, 0o600); err != nil {
		_ = f.fs.Remove(tempPath)
		return transfer.Outcome{}, fmt.Errorf("write %s: %w", tempPath, err)
	}
	if err := f.fs.Rename(tempPath, finalPath); err != nil {
		_ = f.fs.Remove(tempPath)
		return transfer.Outcome{}, fmt.Errorf("finalize %s: %w", finalPath, err)
	}
	return transfer.Outcome{StorageLocation: finalPath}, nil
}

func prefixedFilename(key, name string) string {
	return safeComponent(key, "transfer") + "_" + safeComponent(name, "file.bin")
}

// safeComponent reduces s to its last path element.
func safeComponent(s, fallback string) string {
	base := filepath.Base(strings.ReplaceAll(s, "\\", "/"))
	if base == "" || base == "." || base == "/" || base == ".." {
		return fallback
	}
	return base
}

// Decoder turns a reassembled object payload into a value. It may fail on
// any input.
type Decoder func(data []byte) (any, error)

// ErrNoDecoder is returned by a ValueFinisher built without a decoder.
var ErrNoDecoder = errors.New("sink: no decoder configured")

// ValueFinisher decodes object payloads and remembers the most recent values
// by transaction key.
type ValueFinisher struct {
	decode Decoder
	recent *lru.Cache[string, any]
}

var _ transfer.Finisher = (*ValueFinisher)(nil)

func NewValueFinisher(decode Decoder, keep int) (*ValueFinisher, error) {
	if keep <= 0 {
		keep = 64
	}
	cache, err := lru.New[string, any](keep)
	if err != nil {
		return nil, fmt.Errorf("create value cache: %w", err)
	}
	return &ValueFinisher{decode: decode, recent: cache}, nil
}

func (v *ValueFinisher) Finish(p transfer.Payload) (out transfer.Outcome, err error) {
	if v.decode == nil {
		return transfer.Outcome{}, ErrNoDecoder
	}
	if err := crypto.Verify(p.Data, p.Checksum); err != nil {
		return transfer.Outcome{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			out = transfer.Outcome{}
			err = fmt.Errorf("decode %s: panic: %v", p.TransactionKey, r)
		}
	}()
	value, err := v.decode(p.Data)
	if err != nil {
		return transfer.Outcome{}, fmt.Errorf("decode %s: %w", p.TransactionKey, err)
	}
	v.recent.Add(p.TransactionKey, value)
	return transfer.Outcome{Value: value}, nil
}

// Recent returns a decoded value if it is still cached.
func (v *ValueFinisher) Recent(key string) (any, bool) {
	return v.recent.Get(key)
}

// DefaultDownloadDir is used when no directory is configured.
func DefaultDownloadDir() string {
	return filepath.Join(os.TempDir(), "blockcast")
}
