package mediastore

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
)

const thumbSuffix = ".thumb.jpg"

// Store persists downloaded media under a local data directory, one
// subdirectory per account. Image saves also produce a bounded JPEG
// thumbnail next to the original. When an S3 uploader is configured a copy
// is offloaded there as well; offload failures never fail the save.
type Store struct {
	dir string
	s3  *S3Uploader
}

// New creates the data directory if needed. uploader may be nil.
func New(dir string, uploader *S3Uploader) (*Store, error) {
	if dir == "" {
		dir = "data/media"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media dir %s: %w", dir, err)
	}
	return &Store{dir: dir, s3: uploader}, nil
}

// Save writes data under the account's directory and returns the local
// path the relay should reference from here on.
func (s *Store) Save(data []byte, name, accountID string) (string, error) {
	accountDir := filepath.Join(s.dir, accountID)
	if err := os.MkdirAll(accountDir, 0o755); err != nil {
		return "", fmt.Errorf("creating account media dir: %w", err)
	}

	name = sanitizeName(name)
	path := filepath.Join(accountDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing media file: %w", err)
	}

	if strings.HasPrefix(http.DetectContentType(data), "image/") {
		if err := s.writeThumbnail(path, data); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Thumbnail generation skipped")
		}
	}

	if s.s3 != nil {
		key := accountID + "/" + filepath.Base(path)
		if url, err := s.s3.Upload(context.Background(), key, data, http.DetectContentType(data)); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("S3 offload failed, keeping local copy only")
		} else {
			log.Debug().Str("key", key).Str("url", url).Msg("Media offloaded to S3")
		}
	}

	log.Debug().Str("path", path).Int("size", len(data)).Msg("Media saved")
	return path, nil
}

func (s *Store) writeThumbnail(path string, data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}
	thumb := resize.Thumbnail(320, 320, img, resize.Lanczos3)

	f, err := os.Create(path + thumbSuffix)
	if err != nil {
		return fmt.Errorf("creating thumbnail file: %w", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return fmt.Errorf("encoding thumbnail: %w", err)
	}
	return nil
}

// Delete removes a saved file and its thumbnail, if any. Paths outside the
// store's directory are refused.
func (s *Store) Delete(path string) error {
	if !s.owns(path) {
		return fmt.Errorf("path %s is outside the media directory", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting media file: %w", err)
	}
	if err := os.Remove(path + thumbSuffix); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", path).Msg("Thumbnail removal failed")
	}
	return nil
}

// Cleanup removes every stored file older than maxAge and returns how many
// were deleted.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warn().Err(rmErr).Str("path", path).Msg("Cleanup could not remove file")
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("media cleanup walk: %w", err)
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Dur("maxAge", maxAge).Msg("Media cleanup complete")
	}
	return removed, nil
}

func (s *Store) owns(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "attachment"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, name)
}
