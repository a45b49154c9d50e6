// Package upload hands captured files to storage and reports where they
// landed. Upload failures are logged and never abort a run.
package upload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// Uploader stores a local file or directory. ok is false when no URI was
// obtained.
type Uploader interface {
	Upload(ctx context.Context, path string) (uri string, ok bool)
}

// New picks the uploader for a storage setting: "" uploads nothing,
// s3://bucket/prefix uploads with the S3 client, anything else is the path
// of an uploader executable.
func New(storage string, s3 S3Config, logger *log.Logger) (Uploader, error) {
	storage = strings.TrimSpace(storage)
	switch {
	case storage == "":
		return Nop{}, nil
	case strings.HasPrefix(storage, "s3://"):
		return NewObjectStore(storage, s3, logger)
	default:
		return &Command{Path: storage, Stderr: os.Stderr, Logger: logger}, nil
	}
}

type Nop struct{}

func (Nop) Upload(context.Context, string) (string, bool) { return "", false }

// Command runs an external uploader with the path as its only argument.
// The first line of its stdout, trimmed, is the URI.
type Command struct {
	Path   string
	Stderr io.Writer
	Logger *log.Logger
}

var errEmptyURI = errors.New("uploader printed no uri")

func (c *Command) Upload(ctx context.Context, path string) (string, bool) {
	uri, err := c.run(ctx, path)
	if err != nil {
		c.logger().Warn("upload failed", "path", path, "uploader", c.Path, "error", err)
		return "", false
	}
	c.logger().Debug("uploaded", "path", path, "uri", uri)
	return uri, true
}

func (c *Command) run(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, c.Path, path)
	cmd.Stderr = c.Stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("run uploader: %w", err)
	}
	uri := firstLine(out)
	if uri == "" {
		return "", errEmptyURI
	}
	return uri, nil
}

func (c *Command) logger() *log.Logger {
	if c.Logger == nil {
		return log.Default()
	}
	return c.Logger
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	if sc.Scan() {
		return strings.TrimSpace(sc.Text())
	}
	return ""
}
