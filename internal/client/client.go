// Package client talks to a pixl-server over HTTP. Failures returned by the
// server are mapped back onto the apperrors taxonomy so callers can branch on
// the same kinds the server uses.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req"
	"github.com/tidwall/gjson"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/upload"
)

const defaultTimeout = 2 * time.Minute

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *req.Req
}

// New returns a client for the server at baseURL. A zero timeout uses two
// minutes, enough for a full chunk on a slow link.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, apperrors.Validation("client.New", "invalid server url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := req.New()
	r.SetTimeout(timeout)
	return &Client{baseURL: trimmed, http: r}, nil
}

// CompleteResult is the server's answer to a completed upload.
type CompleteResult struct {
	Asset models.Asset          `json:"asset"`
	Jobs  []models.TranscodeJob `json:"jobs,omitempty"`
}

// AssetProgress is the asset status with its aggregated rendition progress.
type AssetProgress struct {
	Status models.AssetStatus `json:"status"`
	models.ProgressSummary
}

func (c *Client) Initiate(ctx context.Context, request upload.InitiateRequest) (upload.Initiated, error) {
	var out upload.Initiated
	resp, err := c.http.Post(c.url("/api/uploads/initiate"), ctx, req.BodyJSON(request))
	if err := c.decode("initiate", resp, err, http.StatusCreated, &out); err != nil {
		return upload.Initiated{}, err
	}
	return out, nil
}

// SendChunk uploads chunk number index of uploadID.
func (c *Client) SendChunk(ctx context.Context, uploadID string, index int, data []byte) (models.UploadProgress, error) {
	var out models.UploadProgress
	resp, err := c.http.Post(c.url("/api/uploads/chunk"), ctx,
		req.Param{"uploadId": uploadID, "chunkNumber": strconv.Itoa(index)},
		req.FileUpload{
			File:      io.NopCloser(bytes.NewReader(data)),
			FieldName: "chunk",
			FileName:  fmt.Sprintf("chunk-%d", index),
		},
	)
	if err := c.decode("send chunk", resp, err, http.StatusOK, &out); err != nil {
		return models.UploadProgress{}, err
	}
	return out, nil
}

func (c *Client) UploadProgress(ctx context.Context, uploadID string) (models.UploadProgress, error) {
	var out models.UploadProgress
	resp, err := c.http.Get(c.url("/api/uploads/"+url.PathEscape(uploadID)+"/progress"), ctx)
	if err := c.decode("upload progress", resp, err, http.StatusOK, &out); err != nil {
		return models.UploadProgress{}, err
	}
	return out, nil
}

func (c *Client) Complete(ctx context.Context, uploadID string) (CompleteResult, error) {
	var out CompleteResult
	resp, err := c.http.Post(c.url("/api/uploads/"+url.PathEscape(uploadID)+"/complete"), ctx)
	if err := c.decode("complete", resp, err, http.StatusOK, &out); err != nil {
		return CompleteResult{}, err
	}
	return out, nil
}

// Dispatch queues transcoding for an uploaded asset and returns the jobs.
func (c *Client) Dispatch(ctx context.Context, assetID string) ([]models.TranscodeJob, error) {
	resp, err := c.http.Post(c.url("/api/assets/"+url.PathEscape(assetID)+"/transcode"), ctx)
	if err := c.check("dispatch", resp, err, http.StatusAccepted); err != nil {
		return nil, err
	}
	var jobs []models.TranscodeJob
	raw := gjson.GetBytes(resp.Bytes(), "jobs").Raw
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		return nil, apperrors.Transient("client.dispatch", fmt.Errorf("decode jobs: %w", err))
	}
	return jobs, nil
}

func (c *Client) Asset(ctx context.Context, assetID string) (models.Asset, error) {
	var out models.Asset
	resp, err := c.http.Get(c.url("/api/assets/"+url.PathEscape(assetID)), ctx)
	if err := c.decode("asset", resp, err, http.StatusOK, &out); err != nil {
		return models.Asset{}, err
	}
	return out, nil
}

func (c *Client) AssetProgress(ctx context.Context, assetID string) (AssetProgress, error) {
	var out AssetProgress
	resp, err := c.http.Get(c.url("/api/assets/"+url.PathEscape(assetID)+"/progress"), ctx)
	if err := c.decode("asset progress", resp, err, http.StatusOK, &out); err != nil {
		return AssetProgress{}, err
	}
	return out, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) decode(op string, resp *req.Resp, err error, want int, out any) error {
	if err := c.check(op, resp, err, want); err != nil {
		return err
	}
	if err := resp.ToJSON(out); err != nil {
		return apperrors.Transient("client."+strings.ReplaceAll(op, " ", "_"), fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) check(op string, resp *req.Resp, err error, want int) error {
	opName := "client." + strings.ReplaceAll(op, " ", "_")
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperrors.Transient(opName, err)
	}
	status := resp.Response().StatusCode
	if status == want {
		return nil
	}
	return errorFromResponse(opName, status, resp.Bytes())
}

// errorFromResponse rebuilds a classified error from an error response body.
func errorFromResponse(op string, status int, body []byte) error {
	message := strings.TrimSpace(gjson.GetBytes(body, "error").String())
	if message == "" {
		message = http.StatusText(status)
	}
	cause := fmt.Errorf("server returned %d: %s", status, message)
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return &apperrors.Error{Kind: apperrors.KindValidation, Op: op, Err: cause}
	case http.StatusNotFound:
		return &apperrors.Error{Kind: apperrors.KindNotFound, Op: op, Err: cause}
	case http.StatusConflict:
		return &apperrors.Error{Kind: apperrors.KindState, Op: op, Err: cause}
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusGatewayTimeout:
		return &apperrors.Error{Kind: apperrors.KindTransient, Op: op, Err: cause}
	case http.StatusBadGateway:
		return &apperrors.Error{Kind: apperrors.KindEncode, Op: op, Err: cause}
	default:
		return &apperrors.Error{Kind: apperrors.KindUnknown, Op: op, Err: cause}
	}
}
