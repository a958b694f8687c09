package tailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// AppendInput is the user-supplied shape for Session.Append. Actor is
// derived from the session's Identity when left empty.
type AppendInput struct {
	Type           string
	Payload        json.RawMessage
	Actor          string
	Source         string
	Metadata       json.RawMessage
	Refs           []string
	IdempotencyKey string
	ExpectedSeq    *int64
}

// AppendResult is the outcome of one Append call, per spec §6.1's response
// shape.
type AppendResult struct {
	Seq     int64
	LastSeq int64
	Deduped bool
}

type appendRequestBody struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Actor          string          `json:"actor"`
	ProducerID     string          `json:"producer_id"`
	ProducerSeq    int64           `json:"producer_seq"`
	Source         string          `json:"source,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Refs           []string        `json:"refs,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ExpectedSeq    *int64          `json:"expected_seq,omitempty"`
}

type appendResponseBody struct {
	Seq     int64 `json:"seq"`
	LastSeq int64 `json:"last_seq"`
	Deduped bool  `json:"deduped"`
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPClient is the minimal surface this package needs from an HTTP
// client, matching the standard library's *http.Client so callers rarely
// need an adapter.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func doAppend(ctx context.Context, client HTTPClient, apiBase, sessionID, token string, body appendRequestBody) (AppendResult, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return AppendResult{}, newError(KindConfig, "marshal append body", err)
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/append", apiBase, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return AppendResult{}, newError(KindConnection, "build append request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return AppendResult{}, newError(KindConnection, "append request failed", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return AppendResult{}, newError(KindConnection, "read append response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrorBody
		_ = json.Unmarshal(respBytes, &apiErr)
		code := apiErr.Error
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status
		}
		e := newError(KindAPI, fmt.Sprintf("append: %s", msg), nil)
		e.Status = resp.StatusCode
		e.Code = code
		return AppendResult{}, e
	}

	var parsed appendResponseBody
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return AppendResult{}, newError(KindConnection, "decode append response", err)
	}
	return AppendResult{Seq: parsed.Seq, LastSeq: parsed.LastSeq, Deduped: parsed.Deduped}, nil
}
