package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/acheron/engine/internal/domain"
)

// AuditLister lists recorded lifecycle events.
type AuditLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// ArchiveLister lists archived objects under a prefix.
type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// AuditHandler serves the audit log and the archive index.
type AuditHandler struct {
	audit         AuditLister   // optional; when nil, ListAudit returns 501
	archives      ArchiveLister // optional; when nil, ListArchives returns 501
	archivePrefix string
	logger        *slog.Logger
}

// NewAuditHandler creates an AuditHandler. Either lister may be nil.
func NewAuditHandler(audit AuditLister, archives ArchiveLister, archivePrefix string, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		audit:         audit,
		archives:      archives,
		archivePrefix: archivePrefix,
		logger:        logHandler(logger, "audit"),
	}
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?event=&since=&until=&limit=&offset=
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListArchives returns archived opportunity files, newest first.
// GET /api/archives
func (h *AuditHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotImplemented, "archive storage not configured")
		return
	}
	infos, err := h.archives.List(r.Context(), h.archivePrefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path > infos[j].Path })
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}
