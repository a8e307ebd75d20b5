// Package client implements the inter-server side of part fetching: it
// downloads every file of a part from a peer replica's endpoint into a local
// staging directory.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PartClient fetches parts over the inter-server HTTP transport.
type PartClient struct {
	httpClient *http.Client
	retries    int
	logger     *zap.Logger
}

// NewPartClient creates a part client with a per-fetch timeout and a bounded
// retry budget for transient transport failures.
func NewPartClient(timeout time.Duration, retries int, logger *zap.Logger) *PartClient {
	return &PartClient{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		logger:     logger,
	}
}

// FetchPart downloads part partName from the named endpoint at host:port into
// destDir. destDir must not exist; on failure it is removed.
func (c *PartClient) FetchPart(ctx context.Context, host string, port int, endpoint, partName, destDir string) error {
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/interserver/part",
		RawQuery: url.Values{
			"endpoint": []string{endpoint},
			"part":     []string{partName},
		}.Encode(),
	}

	r := retry.NewRetrier(c.retries, 100*time.Millisecond, time.Second)
	err := r.RunContext(ctx, func(ctx context.Context) error {
		os.RemoveAll(destDir)
		return c.fetchOnce(ctx, u.String(), destDir)
	})
	if err != nil {
		os.RemoveAll(destDir)
		return errors.Wrapf(err, "failed to fetch part %s from %s:%d", partName, host, port)
	}
	return nil
}

func (c *PartClient) fetchOnce(ctx context.Context, rawURL, destDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Stop(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "transport error")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return retry.Stop(errors.Errorf("peer does not serve the requested part"))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return retry.Stop(err)
	}
	return readPartStream(resp.Body, destDir)
}

// readPartStream decodes the transport framing: a file-count line, then per
// file a name line, a size line, and exactly size raw bytes.
func readPartStream(r io.Reader, destDir string) error {
	br := bufio.NewReader(r)

	countLine, err := br.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "failed to read file count")
	}
	count, err := strconv.Atoi(strings.TrimSuffix(countLine, "\n"))
	if err != nil || count < 0 {
		return errors.Errorf("malformed file count %q", countLine)
	}

	for i := 0; i < count; i++ {
		nameLine, err := br.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "failed to read file name")
		}
		name := strings.TrimSuffix(nameLine, "\n")
		if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
			return errors.Errorf("illegal file name %q in part stream", name)
		}

		sizeLine, err := br.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "failed to read file size")
		}
		size, err := strconv.ParseInt(strings.TrimSuffix(sizeLine, "\n"), 10, 64)
		if err != nil || size < 0 {
			return errors.Errorf("malformed file size %q", sizeLine)
		}

		f, err := os.Create(filepath.Join(destDir, name))
		if err != nil {
			return err
		}
		if _, err := io.CopyN(f, br, size); err != nil {
			f.Close()
			return errors.Wrapf(err, "truncated file %s", name)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
