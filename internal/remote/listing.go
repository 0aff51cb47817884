package remote

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"pwnlink/agent/internal/model"
)

// ListDirectory returns the entries of dir, newest first. The SFTP directory
// read stops at 100 entries on the device, so the listing comes from
// `ls -1t` instead; it carries no timestamps, see ModTime.
func ListDirectory(ctx context.Context, s Session, dir string) ([]model.RemoteFileEntry, error) {
	out, err := s.Execute(ctx, "ls -1t -- "+ShellQuote(dir))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return parseListing(dir, string(out)), nil
}

func parseListing(dir, out string) []model.RemoteFileEntry {
	lines := strings.Split(out, "\n")
	entries := make([]model.RemoteFileEntry, 0, len(lines))
	for _, line := range lines {
		name := strings.TrimRight(line, "\r")
		if strings.TrimSpace(name) == "" || name == "." || name == ".." {
			continue
		}
		entries = append(entries, model.RemoteFileEntry{
			Name:       name,
			RemotePath: path.Join(dir, name),
		})
	}
	return entries
}

// ModTime asks the device for the modification time of remotePath in unix
// seconds. It returns nil when the command fails or prints something else.
func ModTime(ctx context.Context, s Session, remotePath string) *int64 {
	out, err := s.Execute(ctx, "date -r "+ShellQuote(remotePath)+" +%s")
	if err != nil {
		return nil
	}
	return parseUnixSeconds(string(out))
}

func parseUnixSeconds(raw string) *int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil
	}
	return &value
}
