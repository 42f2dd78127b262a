package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"
)

// ErrStagingClosed is returned when a published or aborted staging area is
// used again.
var ErrStagingClosed = errors.New("artifact: staging already closed")

// Staging is a private directory a build writes its files into. Serving
// never reads it; Publish makes it visible, Abort discards it.
type Staging struct {
	layout  *Layout
	version string
	dir     string
	final   string
	closed  bool
}

// Stage creates a staging area for version.
func (l *Layout) Stage(ctx context.Context, version string) (*Staging, error) {
	if version == "" {
		version = NewVersion(time.Now())
	}
	if versions, err := l.Versions(ctx); err == nil {
		for _, v := range versions {
			if v == version {
				return nil, fmt.Errorf("artifact %s already exists", version)
			}
		}
	}

	s := &Staging{layout: l, version: version}
	if l.local != nil {
		parent := l.local.Path(ArtifactsDir)
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, err
		}
		s.final = filepath.Join(parent, version)
		if _, err := os.Stat(s.final); err == nil {
			return nil, fmt.Errorf("artifact %s already exists", version)
		}
		dir, err := os.MkdirTemp(parent, ".tmp-"+version+"-")
		if err != nil {
			return nil, err
		}
		s.dir = dir
	} else {
		if err := os.MkdirAll(l.workDir, 0o755); err != nil {
			return nil, err
		}
		dir, err := os.MkdirTemp(l.workDir, ".tmp-staging-")
		if err != nil {
			return nil, err
		}
		s.dir = dir
	}
	return s, nil
}

// Version returns the version being staged.
func (s *Staging) Version() string { return s.version }

// Dir returns the local staging directory.
func (s *Staging) Dir() string { return s.dir }

// Path returns the local path of file inside the staging directory.
func (s *Staging) Path(file string) string { return filepath.Join(s.dir, file) }

// Publish writes the manifest, makes the artifact visible under its version
// and switches CURRENT to it. The staging area is consumed.
func (s *Staging) Publish(ctx context.Context, m *Manifest) error {
	if s.closed {
		return ErrStagingClosed
	}
	l := s.layout

	m.Version = s.version
	m.Files = make(map[string]FileInfo, 2)
	for _, file := range []string{IndexFile, MetadataFile} {
		info, err := checksumFile(s.Path(file))
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		m.Files[file] = info
	}
	data, err := EncodeManifest(m, l.codec)
	if err != nil {
		return fmt.Errorf("publish: encode manifest: %w", err)
	}

	if l.local != nil {
		err = s.publishLocal(data)
	} else {
		err = s.publishRemote(ctx, data)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", s.version, err)
	}
	s.closed = true

	if err := l.pointer.Set(ctx, s.version); err != nil {
		return fmt.Errorf("publish %s: set pointer: %w", s.version, err)
	}
	l.logger.Info("artifact published", "version", s.version, "mode", m.Mode.String())
	return nil
}

func (s *Staging) publishLocal(manifest []byte) error {
	if err := writeFileSync(s.Path(ManifestFile), manifest); err != nil {
		return err
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}
	if err := os.Rename(s.dir, s.final); err != nil {
		return err
	}
	return syncDir(filepath.Dir(s.final))
}

// publishRemote uploads the data files first and the manifest last: a
// version without a manifest is not listed and cannot be promoted.
func (s *Staging) publishRemote(ctx context.Context, manifest []byte) error {
	l := s.layout
	for _, file := range []string{IndexFile, MetadataFile} {
		if err := s.upload(ctx, file); err != nil {
			return err
		}
	}
	if err := l.store.Put(ctx, l.Path(s.version, ManifestFile), manifest); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

func (s *Staging) upload(ctx context.Context, file string) error {
	f, err := os.Open(s.Path(file))
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := s.layout.store.Create(ctx, path.Join(ArtifactsDir, s.version, file))
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", file, err)
	}
	return w.Close()
}

// Abort removes the staging area. It is a no-op after Publish.
func (s *Staging) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return os.RemoveAll(s.dir)
}

func writeFileSync(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
