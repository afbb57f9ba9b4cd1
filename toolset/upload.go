package toolset

import (
	"net/http"
	"path"
	"path/filepath"

	"github.com/mantleworks/toolgate/provider"
)

// uploadResponse is the body returned by POST /upload.
type uploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// handleUpload stores one multipart file in the object store and returns
// its public URL. The stored name may differ from the uploaded one when
// the bucket already holds an object with that name.
func (t *Toolset) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", `multipart form field "file" is required`, nil)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == "/" {
		writeError(w, http.StatusUnprocessableEntity, provider.ErrorKindInvalidArguments, "upload filename is required", nil)
		return
	}

	url, err := t.uploader.Upload(r.Context(), file, header.Size, name, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "UPLOAD_FAILED", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		URL:      url,
		Filename: path.Base(url),
	})
}
