// Package sshfiles performs file operations on the remote host. It prefers
// the SFTP subsystem and falls back to plain shell commands when the server
// does not offer one. Every call carries its own timeout.
package sshfiles

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// DefaultTimeout bounds a single file operation.
const DefaultTimeout = 30 * time.Second

// FileEntry describes one remote directory entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
}

// Service runs file operations over an established SSH connection.
type Service struct {
	timeout time.Duration
}

// NewService builds a service with the given per-call timeout.
func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{timeout: timeout}
}

// run executes op under the per-call timeout.
func (s *Service) run(ctx context.Context, name string, op func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case <-ctx.Done():
		return errs.Wrap(errs.CodeSftpTimeout, name+" timed out", ctx.Err())
	case err := <-done:
		return err
	}
}

// List returns the entries of a remote directory.
func (s *Service) List(ctx context.Context, client *ssh.Client, path string) ([]FileEntry, error) {
	var entries []FileEntry
	err := s.run(ctx, "list directory", func() error {
		sc, err := sftp.NewClient(client)
		if err != nil {
			var fallbackErr error
			entries, fallbackErr = listViaShell(client, path)
			return fallbackErr
		}
		defer sc.Close()

		infos, err := sc.ReadDir(path)
		if err != nil {
			return classifyFileError("list directory", err)
		}
		entries = make([]FileEntry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, FileEntry{
				Name:    fi.Name(),
				Size:    fi.Size(),
				Mode:    fi.Mode().String(),
				ModTime: fi.ModTime(),
				IsDir:   fi.IsDir(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Read returns the contents of a remote file.
func (s *Service) Read(ctx context.Context, client *ssh.Client, path string) ([]byte, error) {
	var data []byte
	err := s.run(ctx, "read file", func() error {
		sc, err := sftp.NewClient(client)
		if err != nil {
			var fallbackErr error
			data, fallbackErr = readViaShell(client, path)
			return fallbackErr
		}
		defer sc.Close()

		f, err := sc.Open(path)
		if err != nil {
			return classifyFileError("read file", err)
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		if err != nil {
			return classifyFileError("read file", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Debug("files.read").Subsystem("sshfiles").Str("path", path).Int("bytes", len(data)).Emit()
	return data, nil
}

// Write replaces the contents of a remote file.
func (s *Service) Write(ctx context.Context, client *ssh.Client, path string, data []byte) error {
	err := s.run(ctx, "write file", func() error {
		sc, err := sftp.NewClient(client)
		if err != nil {
			return writeViaShell(client, path, data)
		}
		defer sc.Close()

		f, err := sc.Create(path)
		if err != nil {
			return classifyFileError("write file", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return classifyFileError("write file", err)
		}
		return f.Close()
	})
	if err != nil {
		return err
	}
	logging.Debug("files.write").Subsystem("sshfiles").Str("path", path).Int("bytes", len(data)).Emit()
	return nil
}

// Mkdir creates a remote directory and any missing parents.
func (s *Service) Mkdir(ctx context.Context, client *ssh.Client, path string) error {
	return s.run(ctx, "create directory", func() error {
		sc, err := sftp.NewClient(client)
		if err != nil {
			_, stderr, code, rerr := execCommand(client, "mkdir -p "+ShellQuote(path))
			return shellOutcome("create directory", stderr, code, rerr)
		}
		defer sc.Close()
		if err := sc.MkdirAll(path); err != nil {
			return classifyFileError("create directory", err)
		}
		return nil
	})
}

// Remove deletes a remote file or empty directory.
func (s *Service) Remove(ctx context.Context, client *ssh.Client, path string) error {
	return s.run(ctx, "remove", func() error {
		sc, err := sftp.NewClient(client)
		if err != nil {
			_, stderr, code, rerr := execCommand(client, "rm -r "+ShellQuote(path))
			return shellOutcome("remove", stderr, code, rerr)
		}
		defer sc.Close()

		fi, err := sc.Stat(path)
		if err != nil {
			return classifyFileError("remove", err)
		}
		if fi.IsDir() {
			err = sc.RemoveDirectory(path)
		} else {
			err = sc.Remove(path)
		}
		if err != nil {
			return classifyFileError("remove", err)
		}
		return nil
	})
}

func classifyFileError(op string, err error) error {
	switch {
	case os.IsNotExist(err):
		return errs.Wrap(errs.CodeSftpNotFound, op, err)
	case os.IsPermission(err):
		return errs.Wrap(errs.CodeSftpPermission, op, err)
	default:
		return errs.Wrap(errs.CodeSftpFailed, op, err)
	}
}

// execCommand runs one shell command and separates stdout, stderr and the
// exit code.
func execCommand(client *ssh.Client, cmd string) (stdout, stderr string, exitCode int, err error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	if runErr := sess.Run(cmd); runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return outBuf.String(), errBuf.String(), -1, runErr
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

func shellOutcome(op, stderr string, exitCode int, err error) error {
	if err != nil {
		return errs.Wrap(errs.CodeSftpFailed, op, err)
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		switch {
		case strings.Contains(msg, "No such file"):
			return errs.New(errs.CodeSftpNotFound, op+": "+msg)
		case strings.Contains(msg, "Permission denied"):
			return errs.New(errs.CodeSftpPermission, op+": "+msg)
		default:
			return errs.New(errs.CodeSftpFailed, op+": "+msg)
		}
	}
	return nil
}

func listViaShell(client *ssh.Client, path string) ([]FileEntry, error) {
	stdout, stderr, code, err := execCommand(client, "ls -la --color=never "+ShellQuote(path))
	if oerr := shellOutcome("list directory", stderr, code, err); oerr != nil {
		return nil, oerr
	}
	return ParseLsOutput(stdout), nil
}

func readViaShell(client *ssh.Client, path string) ([]byte, error) {
	stdout, stderr, code, err := execCommand(client, "cat "+ShellQuote(path))
	if oerr := shellOutcome("read file", stderr, code, err); oerr != nil {
		return nil, oerr
	}
	return []byte(stdout), nil
}

// writeViaShell appends base64 chunks so large payloads survive shell
// argument limits.
func writeViaShell(client *ssh.Client, path string, data []byte) error {
	const chunkSize = 48000

	quoted := ShellQuote(path)
	_, stderr, code, err := execCommand(client, "> "+quoted)
	if oerr := shellOutcome("write file", stderr, code, err); oerr != nil {
		return oerr
	}
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		b64 := base64.StdEncoding.EncodeToString(data[i:end])
		cmd := fmt.Sprintf("echo '%s' | base64 -d >> %s", b64, quoted)
		_, stderr, code, err = execCommand(client, cmd)
		if oerr := shellOutcome("write file", stderr, code, err); oerr != nil {
			return oerr
		}
	}
	return nil
}

// ParseLsOutput turns `ls -la` lines into entries, skipping the total line
// and the . and .. entries.
func ParseLsOutput(out string) []FileEntry {
	var entries []FileEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		fields := strings.Fields(line)
		if len(fields) < 9 || strings.HasPrefix(line, "total") {
			continue
		}
		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." {
			continue
		}
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		mode := fields[0]
		entries = append(entries, FileEntry{
			Name:  name,
			Size:  size,
			Mode:  mode,
			IsDir: strings.HasPrefix(mode, "d"),
		})
	}
	return entries
}

// ShellQuote wraps s in single quotes with embedded quotes escaped, so the
// result is a single POSIX shell word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
