package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// uploaders builds the publishing targets of the service config. Without a
// directory or an enabled repository, results go to stdout.
func uploaders(_ context.Context, cfg model.Service) ([]model.Uploader, error) {
	repo := cfg.Repository != nil && model.Get(cfg.Repository.Enabled)
	dir := model.Get(cfg.Dir)
	if dir == "" && !repo {
		return []model.Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var ret []model.Uploader
	if dir != "" {
		u, err := NewOSRootUploader(dir)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	if repo {
		u, err := NewBOMRepoUploader(cfg.Repository.URL)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	return ret, nil
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// OSRootUploader stores every result as a new file in a directory.
type OSRootUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, now: time.Now}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "warden-" + u.now().Format("2006-01-02-15-04-05.000000") + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating warden results: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving warden results: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing warden result: %w", err)
	}
	slog.InfoContext(ctx, "bom saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
