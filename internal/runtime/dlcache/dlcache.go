// Package dlcache materializes remote configuration values: an http(s)
// URI is downloaded once into a local cache directory and replaced by
// the local path, so stages can treat every configured file as local.
package dlcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/frameflow/frameflow/internal/runtime/config"
	fferrors "github.com/frameflow/frameflow/internal/runtime/errors"
	"github.com/frameflow/frameflow/internal/runtime/logging"
)

// Cache downloads remote files once and remembers the local copies for
// the life of the process.
type Cache struct {
	dir    string
	client *resty.Client
	logger logging.ServiceLogger

	mu       sync.Mutex
	resolved map[string]string
}

// New creates a cache rooted at dir; an empty dir uses a per-user
// directory under the OS temp dir.
func New(dir string, logger logging.ServiceLogger) *Cache {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "frameflow-dlcache")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Cache{
		dir:      dir,
		client:   resty.New(),
		logger:   logger,
		resolved: make(map[string]string),
	}
}

// IsRemote reports whether value looks like a URI this cache can fetch.
func IsRemote(value string) bool {
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

// Resolve returns the local path for uri, downloading it on first use.
func (c *Cache) Resolve(ctx context.Context, uri string) (string, error) {
	if !IsRemote(uri) {
		return uri, nil
	}

	c.mu.Lock()
	if local, ok := c.resolved[uri]; ok {
		c.mu.Unlock()
		return local, nil
	}
	c.mu.Unlock()

	local, err := c.download(ctx, uri)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.resolved[uri] = local
	c.mu.Unlock()
	return local, nil
}

func (c *Cache) download(ctx context.Context, uri string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(uri))
	name := hex.EncodeToString(sum[:8]) + "-" + filepath.Base(strings.TrimRight(uri, "/"))
	local := filepath.Join(c.dir, name)

	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	// Download to a temp name first so a crash never leaves a partial
	// file behind the final path.
	tmp := local + ".part"
	resp, err := c.client.R().SetContext(ctx).SetOutput(tmp).Get(uri)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		_ = os.Remove(tmp)
		return "", fferrors.Configf("download %q: %s", config.RedactAddr(uri), resp.Status())
	}
	if err := os.Rename(tmp, local); err != nil {
		return "", err
	}

	c.logger.Info("cached remote file", logging.LogFields{
		"uri":   config.RedactAddr(uri),
		"local": local,
	})
	return local, nil
}

// ResolveValues rewrites remote string values in a configuration
// mapping. A '!' option suffix on a value survives the rewrite, so
// "https://host/model.bin!half" becomes "/cache/xx-model.bin!half".
func (c *Cache) ResolveValues(ctx context.Context, values map[string]any) error {
	for key, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		base, options := config.ParseOptions(s)
		if !IsRemote(base) {
			continue
		}
		local, err := c.Resolve(ctx, base)
		if err != nil {
			return err
		}
		values[key] = config.JoinOptions(local, options)
	}
	return nil
}
