package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
)

// Artwork turns a video thumbnail into square podcast cover art.
type Artwork struct {
	httpClient *http.Client
	maxBytes   int64
	size       int
}

func NewArtwork(cfg config.Config) *Artwork {
	size := cfg.ArtworkSize
	if size == 0 {
		size = 1400
	}
	maxBytes := cfg.ArtworkMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &Artwork{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxBytes:   maxBytes,
		size:       size,
	}
}

// Build downloads sourceURL, centre-crops it to a square and encodes it as JPEG.
func (a *Artwork) Build(ctx context.Context, sourceURL string) ([]byte, error) {
	if sourceURL == "" {
		return nil, errors.New("artwork: no thumbnail url")
	}
	data, err := a.download(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img = imaging.Fill(img, a.size, a.size, imaging.Center, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Artwork) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, a.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > a.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", a.maxBytes)
	}
	return body, nil
}
