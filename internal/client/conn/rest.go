package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/protocol"
)

// RESTClient is the fallback request/response surface, used when the
// websocket is down and for snapshot fetches during reconciliation.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewRESTClient(serverURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SubmitMutation posts one mutation and returns the server's ack.
func (c *RESTClient) SubmitMutation(ctx context.Context, m protocol.Mutate) (*protocol.Ack, error) {
	var resp protocol.APIResponse
	if err := c.do(ctx, http.MethodPost, "/api/mutations", m, &resp); err != nil {
		return nil, err
	}

	ack := &protocol.Ack{}
	if err := decodeData(resp.Data, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// FetchSnapshot retrieves the full current state of a list.
func (c *RESTClient) FetchSnapshot(ctx context.Context, listID string) (*protocol.SnapshotResponse, error) {
	var resp protocol.APIResponse
	if err := c.do(ctx, http.MethodGet, "/api/lists/"+listID+"/records", nil, &resp); err != nil {
		return nil, err
	}

	snap := &protocol.SnapshotResponse{}
	if err := decodeData(resp.Data, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// FetchEvents retrieves events for a list newer than sinceSeq.
func (c *RESTClient) FetchEvents(ctx context.Context, listID string, sinceSeq int64) (*protocol.SnapshotResponse, error) {
	path := "/api/lists/" + listID + "/events?since_sequence=" + strconv.FormatInt(sinceSeq, 10)
	var resp protocol.APIResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	snap := &protocol.SnapshotResponse{}
	if err := decodeData(resp.Data, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body any, out *protocol.APIResponse) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(common.AccessTokenHeaderName, "Bearer "+c.token)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrTransportUnavailable, err)
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if !out.Success {
		return statusError(res.StatusCode, out.Error)
	}
	return nil
}

func statusError(status int, perr *protocol.Error) error {
	switch status {
	case http.StatusNotFound:
		return common.ErrNotFound
	case http.StatusForbidden:
		return common.ErrPermissionDenied
	case http.StatusUnauthorized:
		return common.ErrInvalidToken
	case http.StatusGone:
		return common.ErrRetentionExceeded
	case http.StatusServiceUnavailable:
		return common.ErrTransportUnavailable
	}
	if perr != nil {
		return fmt.Errorf("server error %s: %s", perr.Code, perr.Message)
	}
	return fmt.Errorf("unexpected status %d", status)
}

// decodeData remarshals the untyped data field into a concrete payload.
func decodeData(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
