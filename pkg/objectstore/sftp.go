package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig addresses a remote directory used as a bucket.
type SFTPConfig struct {
	Addr       string
	User       string
	PrivateKey string
	Password   string
	Root       string
}

// SFTPStore keeps objects as files below Root on an SSH host.
type SFTPStore struct {
	ssh  *ssh.Client
	sftp *sftp.Client
	root string
}

func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	auth, err := sshAuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}
	return &SFTPStore{ssh: client, sftp: sc, root: root}, nil
}

// NewSFTPStoreFromClient wraps an established sftp session.
func NewSFTPStoreFromClient(client *sftp.Client, root string) *SFTPStore {
	return &SFTPStore{sftp: client, root: root}
}

func sshAuthMethods(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("sftp: no authentication method provided")
	}
	return methods, nil
}

func (s *SFTPStore) path(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.root, clean), nil
}

func (s *SFTPStore) Put(_ context.Context, key string, r io.Reader) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.sftp.MkdirAll(path.Dir(p)); err != nil {
		return err
	}
	f, err := s.sftp.Create(p)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *SFTPStore) Get(_ context.Context, key string, w io.Writer) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	f, err := s.sftp.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteTo(w)
	return err
}

func (s *SFTPStore) FetchTree(ctx context.Context, prefix, dst string) error {
	src, err := s.path(prefix)
	if err != nil {
		return err
	}
	found := false
	walker := s.sftp.Walk(src)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return err
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel, ok := relativeTo(src, walker.Path())
		if !ok {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		key := path.Join(strings.TrimPrefix(prefix, "/"), rel)
		if err := s.Get(ctx, key, out); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return nil
}

func (s *SFTPStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.sftp.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *SFTPStore) Close() error {
	err := s.sftp.Close()
	if s.ssh != nil {
		if cerr := s.ssh.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
