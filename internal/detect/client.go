// SPDX-License-Identifier: MIT

package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"
)

// Client talks to the model sidecar over HTTP. The sidecar restricts results
// to the person class; boxes arrive in inference-image coordinates.
type Client struct {
	baseURL string
	http    *http.Client

	once     sync.Once
	initErr  error
	probeURL string
}

// NewClient creates a detector backed by the model sidecar at baseURL. The
// underlying model is loaded lazily by the sidecar on first use; the client
// probes it once and remembers a failed cold start.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:  baseURL,
		probeURL: baseURL + "/healthz",
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// ensureReady performs the one-time readiness probe. A failure is remembered
// and surfaced as ErrModelUnavailable on every call, so workers report the
// cold-start condition once instead of per frame.
func (c *Client) ensureReady(ctx context.Context) error {
	c.once.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.probeURL, nil)
		if err != nil {
			c.initErr = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			return
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.initErr = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			c.initErr = fmt.Errorf("%w: probe returned %s", ErrModelUnavailable, resp.Status)
		}
	})
	return c.initErr
}

type detectionPayload struct {
	Detections []struct {
		Box        [4]int  `json:"box"`
		Confidence float64 `json:"confidence"`
	} `json:"detections"`
}

// Detect sends the frame to the sidecar and returns the persons found above
// the confidence threshold.
func (c *Client) Detect(ctx context.Context, img image.Image, confidence float64) ([]Detection, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	url := c.baseURL + "/predict?conf=" + strconv.FormatFloat(confidence, 'f', -1, 64)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detect: bad status %s: %s", resp.Status, msg)
	}

	var payload detectionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	out := make([]Detection, 0, len(payload.Detections))
	for _, d := range payload.Detections {
		out = append(out, Detection{
			Box:        image.Rect(d.Box[0], d.Box[1], d.Box[2], d.Box[3]),
			Confidence: d.Confidence,
		})
	}
	return out, nil
}
