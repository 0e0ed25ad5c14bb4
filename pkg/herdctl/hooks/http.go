package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

// envVarPattern matches ${VAR} references inside header values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// HTTPRunner posts the hook context JSON to a URL. 2xx responses succeed;
// everything else fails carrying the status and response body.
type HTTPRunner struct {
	// Client overrides the HTTP client. Nil uses a 30s-timeout default; the
	// per-hook context deadline is the effective bound.
	Client *http.Client
}

func (r *HTTPRunner) Run(ctx context.Context, cfg config.HookConfig, hctx *Context) (string, error) {
	payload, err := hctx.JSON()
	if err != nil {
		return "", fmt.Errorf("encoding hook context: %w", err)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range cfg.Headers {
		req.Header.Set(key, ExpandEnv(value))
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", errs.E(errs.HookTimeout, "request to %s timed out", cfg.URL)
		}
		return "", fmt.Errorf("hook request to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(body))
		return "", errs.E(errs.HookHTTPCode(resp.StatusCode),
			"HTTP %d from %s: %s", resp.StatusCode, cfg.URL, detail)
	}
	return string(body), nil
}

// ExpandEnv replaces every ${VAR} occurrence with the process env value;
// missing variables expand to the empty string. Multiple references per
// value are all substituted.
func ExpandEnv(value string) string {
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}
