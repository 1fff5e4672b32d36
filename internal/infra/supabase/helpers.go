package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ============================================================
// HTTP helpers for POST, PATCH, DELETE and RPC
// ============================================================

func (c *Client) doPost(ctx context.Context, table string, data any) ([]byte, error) {
	return c.send(ctx, http.MethodPost, table, data)
}

// doPatch updates the rows matched by path and returns the updated rows.
// An empty array means the filter matched nothing.
func (c *Client) doPatch(ctx context.Context, path string, data map[string]any) ([]byte, error) {
	return c.send(ctx, http.MethodPatch, path, data)
}

// doDelete deletes the rows matched by path and returns them.
func (c *Client) doDelete(ctx context.Context, path string) ([]byte, error) {
	return c.send(ctx, http.MethodDelete, path, nil)
}

// doRPC calls a Postgres function exposed by PostgREST.
func (c *Client) doRPC(ctx context.Context, fn string, args map[string]any) ([]byte, error) {
	return c.send(ctx, http.MethodPost, "rpc/"+fn, args)
}

func (c *Client) send(ctx context.Context, method, path string, data any) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)

	var body *bytes.Reader
	if data != nil {
		jsonBody, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(jsonBody)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return nil, statusError(resp.StatusCode, respBody)
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return respBody, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRows decodes a PostgREST array response. A nil body decodes to
// an empty slice.
func decodeRows[T any](body []byte) ([]T, error) {
	if len(body) == 0 {
		return []T{}, nil
	}
	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}
