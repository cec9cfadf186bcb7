// Package probe waits for a deployed service to answer HTTP requests.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"k8s.io/apimachinery/pkg/util/wait"
)

var errNotReady = errors.New("service did not become ready")

// URL returns serviceURL with an https scheme if it has none. App Runner
// reports service URLs as bare host names.
func URL(serviceURL string) string {
	if strings.HasPrefix(serviceURL, "http://") || strings.HasPrefix(serviceURL, "https://") {
		return serviceURL
	}
	return "https://" + serviceURL
}

// HTTP polls url every interval until it answers with a 2xx status, or
// timeout elapses.
func HTTP(ctx context.Context, client *http.Client, url string, interval, timeout time.Duration) error {
	log := clog.FromContext(ctx).With("url", url)

	if client == nil {
		client = &http.Client{Timeout: interval}
	}

	var attempts int
	var last string
	if err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}

		resp, err := client.Do(req)
		if err != nil {
			// We always want to retry within the timeout, so ignore the error.
			last = err.Error()
			log.Debug("probe failed", "attempt", attempts, "error", err)
			return false, nil
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			last = resp.Status
			log.Debug("probe returned non-2xx", "attempt", attempts, "status", resp.Status)
			return false, nil
		}

		log.Info("service is ready", "attempts", attempts, "status", resp.Status)
		return true, nil
	}); err != nil {
		return fmt.Errorf("%w after %d attempts (last: %s): %w", errNotReady, attempts, last, err)
	}

	return nil
}
