// Package media turns inbound attachment descriptors (inline base64 or a
// remote URL) into bytes the WhatsApp client can upload, staging a preview
// copy under the temp dir for debugging.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

// MaxMediaBytes is the inbound attachment cap. Exactly this many bytes is
// still accepted.
const MaxMediaBytes = 10 << 20

const defaultFilename = "image.jpg"
const defaultMimeType = "image/jpeg"

// PrepareRequest mirrors the media portion of the send-media API body.
type PrepareRequest struct {
	Data       string `json:"data"`
	URL        string `json:"url"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
	Caption    string `json:"caption"`
	SaveToTemp *bool  `json:"save_to_temp"`
}

// Prepared is a ready-to-upload attachment.
type Prepared struct {
	Bytes       []byte
	MimeType    string
	Filename    string
	PreviewPath string
}

type Service struct {
	tempDir    string
	httpClient *http.Client
	log        *logger.Logger
}

func NewService(tempDir string, fetchTimeout time.Duration, log *logger.Logger) *Service {
	return &Service{
		tempDir:    tempDir,
		httpClient: &http.Client{Timeout: fetchTimeout},
		log:        log.WithComponent("media"),
	}
}

// Prepare resolves the request into bytes. Exactly one of Data and URL must
// be set. Oversized media fails with MEDIA_TOO_LARGE before any bytes are
// fetched when the remote side announces its size.
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	hasData := req.Data != ""
	hasURL := req.URL != ""
	if hasData == hasURL {
		return nil, apierrors.InvalidPayload("exactly one of data or url must be provided")
	}

	var prepared *Prepared
	var err error
	if hasData {
		prepared, err = s.fromInline(req)
	} else {
		prepared, err = s.fromURL(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if prepared.MimeType == "" {
		prepared.MimeType = defaultMimeType
	}
	if prepared.Filename == "" {
		prepared.Filename = defaultFilename
	}

	if req.SaveToTemp == nil || *req.SaveToTemp {
		prepared.PreviewPath = s.stagePreview(prepared)
	}
	return prepared, nil
}

// fromInline decodes raw base64 or a data URL.
func (s *Service) fromInline(req PrepareRequest) (*Prepared, error) {
	payload := req.Data
	mimeType := req.MimeType

	if strings.HasPrefix(payload, "data:") {
		comma := strings.Index(payload, ",")
		if comma < 0 {
			return nil, apierrors.InvalidPayload("malformed data URL")
		}
		if mimeType == "" {
			header := payload[len("data:"):comma]
			if semi := strings.Index(header, ";"); semi >= 0 {
				header = header[:semi]
			}
			mimeType = header
		}
		payload = payload[comma+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apierrors.InvalidPayload("data is not valid base64")
	}

	if len(raw) > MaxMediaBytes {
		return nil, apierrors.MediaTooLarge(fmt.Sprintf("media is %d bytes, limit is %d", len(raw), MaxMediaBytes))
	}

	return &Prepared{Bytes: raw, MimeType: mimeType, Filename: req.Filename}, nil
}

// fromURL inspects the remote size with a HEAD request before downloading,
// so an oversized file is rejected without transferring it.
func (s *Service) fromURL(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	head, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return nil, apierrors.InvalidPayload("invalid media url")
	}

	headResp, err := s.httpClient.Do(head)
	if err != nil {
		return nil, apierrors.BadGateway("remote media inspection failed", err)
	}
	headResp.Body.Close()
	if headResp.StatusCode < 200 || headResp.StatusCode >= 300 {
		return nil, apierrors.BadGateway(fmt.Sprintf("remote media inspection returned status %d", headResp.StatusCode), nil)
	}

	if headResp.ContentLength < 0 {
		return nil, apierrors.MediaTooLarge("remote media size unknown")
	}
	if headResp.ContentLength > MaxMediaBytes {
		return nil, apierrors.MediaTooLarge(fmt.Sprintf("remote media is %d bytes, limit is %d", headResp.ContentLength, MaxMediaBytes))
	}

	get, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, apierrors.InvalidPayload("invalid media url")
	}

	resp, err := s.httpClient.Do(get)
	if err != nil {
		return nil, apierrors.BadGateway("fetching remote media failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierrors.BadGateway(fmt.Sprintf("fetching remote media returned status %d", resp.StatusCode), nil)
	}

	raw, err := readCapped(resp.Body, MaxMediaBytes)
	if err != nil {
		return nil, err
	}

	mimeType := req.MimeType
	if mimeType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			if semi := strings.Index(ct, ";"); semi >= 0 {
				ct = ct[:semi]
			}
			mimeType = strings.TrimSpace(ct)
		}
	}

	filename := req.Filename
	if filename == "" {
		filename = filenameFromURL(req.URL)
	}

	return &Prepared{Bytes: raw, MimeType: mimeType, Filename: filename}, nil
}

// stagePreview writes the bytes under the temp dir. Preview staging is
// best-effort; delivery proceeds without it.
func (s *Service) stagePreview(p *Prepared) string {
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		s.log.Warn("failed to create temp dir", "dir", s.tempDir, "error", err)
		return ""
	}

	name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), p.Filename)
	previewPath := filepath.Join(s.tempDir, name)
	if err := os.WriteFile(previewPath, p.Bytes, 0o644); err != nil {
		s.log.Warn("failed to stage media preview", "path", previewPath, "error", err)
		return ""
	}
	return previewPath
}

// readCapped guards against servers that understate Content-Length.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, apierrors.BadGateway("reading remote media failed", err)
	}
	if int64(len(raw)) > limit {
		return nil, apierrors.MediaTooLarge(fmt.Sprintf("remote media exceeds the %d byte limit", limit))
	}
	return raw, nil
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultFilename
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return defaultFilename
	}
	return base
}
