package internal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	audioBucket      = "audio"
	attachmentBucket = "attachments"
)

// classifyMIME maps a sniffed MIME type onto the message types the clients
// render. Anything unrecognized is a generic file attachment.
func classifyMIME(m *mimetype.MIME) string {
	switch {
	case strings.HasPrefix(m.String(), "image/"):
		return "image"
	case strings.HasPrefix(m.String(), "video/"):
		return "video"
	case strings.HasPrefix(m.String(), "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// isAudioMIME accepts sniffed audio types plus webm, which browsers produce
// for voice recordings and which sniffs as a video container.
func isAudioMIME(m *mimetype.MIME) bool {
	return strings.HasPrefix(m.String(), "audio/") || m.Is("video/webm")
}

// HandleAudioUpload accepts a voice-message recording, sniffs it to confirm
// it really is audio, and stores it in the audio bucket.
func (s *Server) HandleAudioUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	data, header, err := s.readUpload(w, r, "audio", s.maxAudioSize)
	if err != nil {
		return
	}
	sniffed := mimetype.Detect(data)
	if !isAudioMIME(sniffed) {
		writeError(w, http.StatusBadRequest, errors.New("invalid file type: expected an audio recording"))
		return
	}

	name := fmt.Sprintf("%d_%s", user.ID, filepath.Base(header.Filename))
	url, err := s.blobs.Save(audioBucket, data, name)
	if err != nil {
		s.log.Error("save audio upload", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to save file"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"url":      url,
		"filename": path.Base(url),
	})
}

// HandleAttachmentUpload accepts an arbitrary attachment, classifies it by
// its sniffed MIME type, and stores it in the attachments bucket.
func (s *Server) HandleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	data, header, err := s.readUpload(w, r, "file", s.maxAttachmentSize)
	if err != nil {
		return
	}
	sniffed := mimetype.Detect(data)
	fileType := classifyMIME(sniffed)

	original := filepath.Base(header.Filename)
	name := fmt.Sprintf("%d_%s", user.ID, original)
	url, err := s.blobs.Save(attachmentBucket, data, name)
	if err != nil {
		s.log.Error("save attachment upload", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to save file"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"url":               url,
		"filename":          path.Base(url),
		"original_filename": original,
		"file_type":         fileType,
		"file_size":         len(data),
	})
}

// readUpload parses the multipart form, enforces the size limit and returns
// the file bytes. On failure the response has already been written.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string, maxSize int64) ([]byte, *multipartHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+4096)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Errorf("file too large. Maximum size: %dMB", maxSize/(1024*1024)))
		return nil, nil, err
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no %s file provided", field))
		return nil, nil, err
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, errors.New("no file selected"))
		return nil, nil, errors.New("empty filename")
	}
	if header.Size > maxSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Errorf("file too large. Maximum size: %dMB", maxSize/(1024*1024)))
		return nil, nil, errors.New("file too large")
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to read file"))
		return nil, nil, err
	}
	return data, &multipartHeader{Filename: header.Filename, Size: header.Size}, nil
}

type multipartHeader struct {
	Filename string
	Size     int64
}

// HandleUploads serves stored blobs. ServeFile sets Content-Type from the
// extension and honors range requests, which audio and video playback need.
func (s *Server) HandleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if rel == "" || rel == r.URL.Path {
		http.NotFound(w, r)
		return
	}
	abs, err := s.blobs.Resolve(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid filename"))
		return
	}
	http.ServeFile(w, r, abs)
}
