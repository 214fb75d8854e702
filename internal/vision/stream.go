package vision

import (
	"context"
	"net/http"
	"time"

	"github.com/jvexiau/roomba-player/internal/monitoring"
)

// StreamFrames consumes the camera's MJPEG bytestream at url, slices
// complete JPEG images out of it, and enqueues them on the service. The
// connection is re-established with a backoff until the context is
// cancelled; stream faults never propagate.
func StreamFrames(ctx context.Context, url string, svc *Service) {
	const retryDelay = 2 * time.Second
	client := &http.Client{}

	for ctx.Err() == nil {
		if err := consumeStream(ctx, client, url, svc); err != nil && ctx.Err() == nil {
			monitoring.Logf("vision: camera stream: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func consumeStream(ctx context.Context, client *http.Client, url string, svc *Service) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	slicer := NewFrameSlicer()
	chunk := make([]byte, 8192)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if frame := slicer.Push(chunk[:n]); frame != nil {
				svc.EnqueueJPEG(frame)
			}
		}
		if err != nil {
			return err
		}
	}
}
