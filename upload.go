/*
Copyright 2024 The ragrelay Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ragrelay

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Upload accepts multipart file uploads, persists them to the upload
// directory and hands them to the backend for ingestion. Uploads are
// rate-limited under their own bucket and never touch the response cache.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "upload", h.conf.UploadRateLimit, h.conf.UploadRateWindow) {
		return
	}
	if r.Method != http.MethodPost {
		replyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.conf.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.conf.MaxUploadBytes); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			replyError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		replyError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		replyError(w, http.StatusBadRequest, "no files provided")
		return
	}

	var saved []string
	for _, header := range files {
		if !h.extAllowed(header.Filename) {
			replyError(w, http.StatusUnsupportedMediaType,
				fmt.Sprintf("unsupported file type '%s'", filepath.Ext(header.Filename)))
			return
		}
		path, err := h.saveUpload(header)
		if err != nil {
			h.log.WithError(err).WithField("file", header.Filename).Error("while saving upload")
			replyError(w, http.StatusInternalServerError, "failed to persist upload")
			return
		}
		saved = append(saved, path)
	}

	ingested, err := h.backend.Ingest(r.Context(), saved)
	if err != nil {
		h.log.WithError(err).Error("backend ingest failed")
		replyError(w, http.StatusBadGateway, "backend ingest failed")
		return
	}

	h.log.WithFields(logrus.Fields{
		"files":    len(saved),
		"ingested": ingested,
	}).Info("upload complete")

	toJSON(w, struct {
		Uploaded int `json:"uploaded"`
		Ingested int `json:"ingested"`
	}{Uploaded: len(saved), Ingested: ingested})
}

func (h *Handler) extAllowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range h.conf.AllowedUploadExts {
		if ext == allowed {
			return true
		}
	}
	return false
}

// saveUpload writes the uploaded file into the upload directory, creating
// it if needed. Only the base name of the client-supplied filename is used.
func (h *Handler) saveUpload(header *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(h.conf.UploadDir, 0o755); err != nil {
		return "", errors.Wrap(err, "while creating upload dir")
	}

	src, err := header.Open()
	if err != nil {
		return "", errors.Wrap(err, "while opening multipart file")
	}
	defer src.Close()

	name := filepath.Base(filepath.Clean(header.Filename))
	path := filepath.Join(h.conf.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "while creating '%s'", path)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", errors.Wrapf(err, "while writing '%s'", path)
	}
	return path, nil
}
