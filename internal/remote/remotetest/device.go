// Package remotetest provides an in-memory device that speaks the subset of
// shell and SFTP the agent uses.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pwnlink/agent/internal/remote"
)

type File struct {
	Data    []byte
	ModTime time.Time
}

// Device is a fake remote device. It implements remote.Dialer.
type Device struct {
	mu       sync.Mutex
	files    map[string]File
	DialErr  error
	ReadErr  map[string]error
	BadStat  map[string]bool
	dials    int
	open     int
	commands []string
	reads    []string
}

func NewDevice() *Device {
	return &Device{
		files:   map[string]File{},
		ReadErr: map[string]error{},
		BadStat: map[string]bool{},
	}
}

func (d *Device) Put(remotePath string, data []byte, modTime time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[remotePath] = File{Data: data, ModTime: modTime}
}

func (d *Device) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// OpenSessions reports sessions dialed but not yet closed.
func (d *Device) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.commands...)
}

func (d *Device) Reads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.reads...)
}

func (d *Device) Dial(ctx context.Context) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	d.dials++
	d.open++
	return &session{device: d}, nil
}

type session struct {
	device *Device
	closed bool
}

func (s *session) Execute(ctx context.Context, command string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)

	switch {
	case strings.HasPrefix(command, "ls -1t -- "):
		dir := unquote(strings.TrimPrefix(command, "ls -1t -- "))
		return d.listLocked(dir), nil
	case strings.HasPrefix(command, "date -r ") && strings.HasSuffix(command, " +%s"):
		target := unquote(strings.TrimSuffix(strings.TrimPrefix(command, "date -r "), " +%s"))
		if d.BadStat[target] {
			return []byte("date: invalid date\n"), nil
		}
		f, ok := d.files[target]
		if !ok {
			return nil, fmt.Errorf("%w: %q exited 1", remote.ErrRemoteExec, command)
		}
		return []byte(strconv.FormatInt(f.ModTime.Unix(), 10) + "\n"), nil
	default:
		return nil, fmt.Errorf("%w: unsupported command %q", remote.ErrRemoteExec, command)
	}
}

func (d *Device) listLocked(dir string) []byte {
	type item struct {
		name string
		mod  time.Time
	}
	var items []item
	for p, f := range d.files {
		if path.Dir(p) == dir {
			items = append(items, item{name: path.Base(p), mod: f.ModTime})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].mod.Equal(items[j].mod) {
			return items[i].name < items[j].name
		}
		return items[i].mod.After(items[j].mod)
	})
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.name)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (s *session) OpenFileTransfer() (remote.FileTransfer, error) {
	return &transfer{device: s.device}, nil
}

func (s *session) Close() error {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return errors.New("session already closed")
	}
	s.closed = true
	d.open--
	return nil
}

type transfer struct {
	device *Device
}

func (t *transfer) ReadFile(remotePath string) ([]byte, error) {
	d := t.device
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads = append(d.reads, remotePath)
	if err := d.ReadErr[remotePath]; err != nil {
		return nil, err
	}
	f, ok := d.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("sftp open %s: %w", remotePath, os.ErrNotExist)
	}
	return append([]byte{}, f.Data...), nil
}

func (t *transfer) Close() error {
	return nil
}

func unquote(s string) string {
	s = strings.TrimPrefix(s, "'")
	s = strings.TrimSuffix(s, "'")
	return strings.ReplaceAll(s, `'\''`, "'")
}
