package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/core"
)

const (
	chunkCIDHeader = "X-Chunk-CID"
	verifiedHeader = "X-Content-Verified"
)

// handleStoreChunk stores the request body verbatim. Structured payloads are
// sent already serialized, so the CID covers exactly the bytes on the wire.
func (s *Server) handleStoreChunk(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxChunkBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(c, core.Validation("chunk exceeds the %s limit", humanize.IBytes(uint64(s.cfg.MaxChunkBytes))))
			return
		}
		s.writeError(c, core.Validation("failed to read request body: %v", err))
		return
	}

	res, err := s.b.Store.Put(c.Request.Context(), data)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Existed {
		status = http.StatusOK
	}
	s.writeJSON(c, res, status)
}

func (s *Server) handleGetChunk(c *gin.Context) {
	id := c.Param("cid")
	data, err := s.b.Store.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header(chunkCIDHeader, id)
	c.Header(verifiedHeader, "true")
	c.Data(http.StatusOK, cid.ContentType(data), data)
}

func (s *Server) handleDeleteChunk(c *gin.Context) {
	id := c.Param("cid")
	if err := s.b.Store.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJSON(c, gin.H{"cid": id, "deleted": true}, http.StatusOK)
}

func (s *Server) handleStorageStats(c *gin.Context) {
	stats, err := s.b.Store.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, xerrors.Errorf("failed to compute storage stats: %w", err))
		return
	}
	s.writeJSON(c, stats, http.StatusOK)
}
