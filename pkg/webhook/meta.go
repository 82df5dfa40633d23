package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
)

// fromGithub reports whether the request comes from one of github's
// hook delivery ranges. Hook payloads are unsigned, so the source
// address is the only thing vouching for them.
func (d *Dispatcher) fromGithub(ctx context.Context, r *http.Request) (bool, error) {
	blocks, err := d.hookBlocks(ctx)
	if err != nil {
		return false, err
	}

	addr, err := netip.ParseAddr(remoteHost(r))
	if err != nil {
		return false, nil
	}
	addr = addr.Unmap()

	for _, block := range blocks {
		prefix, err := netip.ParsePrefix(block)
		if err != nil {
			d.logger.Warn().Str("block", block).Msg("unparseable CIDR in meta payload")
			continue
		}
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// hookBlocks returns the hook CIDR list from the github meta endpoint,
// cached in the store so a burst of hooks costs one API call.
func (d *Dispatcher) hookBlocks(ctx context.Context) ([]string, error) {
	raw, err := d.st.GetString(ctx, metaBlocksKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		raw, err = d.fetchMeta(ctx)
		if err != nil {
			return nil, err
		}
		if err := d.st.SetStringTTL(ctx, metaBlocksKey, raw, d.cfg.Webhook.MetaCacheTTL.Std()); err != nil {
			return nil, err
		}
	}

	var meta struct {
		Hooks []string `json:"hooks"`
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse github meta payload: %w", err)
	}
	return meta.Hooks, nil
}

func (d *Dispatcher) fetchMeta(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.metaURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch github meta: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github meta returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read github meta: %w", err)
	}
	return string(body), nil
}
