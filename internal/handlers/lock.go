package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/errclass"
	"github.com/n3tuk/lfs-lock-service/internal/identity"
	"github.com/n3tuk/lfs-lock-service/internal/metrics"
	"github.com/n3tuk/lfs-lock-service/internal/model"
	"github.com/n3tuk/lfs-lock-service/internal/registry"
	"github.com/n3tuk/lfs-lock-service/internal/storage"
)

// maxBodySize bounds the JSON body of any locking request.
const maxBodySize = 1 << 20

// Repositories resolves the repository named in a request URL.
type Repositories interface {
	Lookup(name string) (*registry.Entry, bool)
}

// LockHandlers provides the HTTP handlers of the Git LFS locking API.
type LockHandlers struct {
	repos            Repositories
	logger           *zap.Logger
	metrics          *metrics.Metrics
	documentationURL string
}

// NewLockHandlers creates a new LockHandlers instance. documentationURL is
// echoed in error bodies when set.
func NewLockHandlers(repos Repositories, logger *zap.Logger, metrics *metrics.Metrics, documentationURL string) *LockHandlers {
	return &LockHandlers{
		repos:            repos,
		logger:           logger,
		metrics:          metrics,
		documentationURL: documentationURL,
	}
}

// Register mounts the locking API below /{repo}/info/lfs/locks.
func (h *LockHandlers) Register(r chi.Router) {
	r.Route("/{repo}/info/lfs/locks", func(r chi.Router) {
		r.Use(startTimer)
		r.Get("/", h.HandleListLocks)
		r.Get("/*", h.HandleListLocks)
		r.Post("/", h.HandleCreateLock)
		r.Post("/verify", h.HandleVerifyLocks)
		r.Post("/{id}/unlock", h.HandleUnlock)
		r.Post("/*", h.HandleMalformed)
	})
}

// HandleListLocks handles GET requests listing the locks of a repository.
// Returns:
//   - 200 OK: matching locks and, when paginated, the next cursor
//   - 403 Forbidden: read access denied
//   - 404 Not Found: repository unknown or not served
//   - 422 Unprocessable Entity: extra path segments or malformed query
//   - 500 Internal Server Error: storage or internal error
func (h *LockHandlers) HandleListLocks(w http.ResponseWriter, r *http.Request) {
	const op = "list"

	if extra := chi.URLParam(r, "*"); extra != "" {
		h.fail(w, r, op, errclass.ErrValidation.WithMessagef("malformed locks endpoint: /%s", extra))
		return
	}

	entry, username, err := h.resolve(r)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	refspec := query.Get("refspec")

	if err := entry.Policy.CheckReadAccess(r.Context(), refspec, username); err != nil {
		h.fail(w, r, op, err)
		return
	}

	list, err := entry.Manager.ListLocks(r.Context(), storage.ListOptions{
		Path:    query.Get("path"),
		ID:      query.Get("id"),
		Cursor:  query.Get("cursor"),
		Limit:   limit,
		Refspec: refspec,
	})
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	h.recordMetric(r, op, "success")
	h.respondJSON(w, http.StatusOK, list)
}

// HandleCreateLock handles POST requests creating a lock.
// Returns:
//   - 201 Created: the new lock
//   - 403 Forbidden: write access denied
//   - 404 Not Found: repository unknown or not served
//   - 409 Conflict: the path is already locked; the body carries that lock
//   - 422 Unprocessable Entity: missing path, unknown ref or malformed body
//   - 500 Internal Server Error: storage or internal error
func (h *LockHandlers) HandleCreateLock(w http.ResponseWriter, r *http.Request) {
	const op = "create"

	entry, username, err := h.resolve(r)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	var req model.CreateLockRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}
	refName := model.RefName(req.Ref)

	if err := entry.Policy.CheckWriteAccess(r.Context(), refName, username); err != nil {
		h.fail(w, r, op, err)
		return
	}

	lock, err := entry.Manager.CreateLock(r.Context(), req.Path, refName, username)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	h.recordMetric(r, op, "success")
	h.respondJSON(w, http.StatusCreated, model.LockResponse{Lock: lock})
}

// HandleVerifyLocks handles POST /verify requests, splitting the locks into
// those held by the caller and those held by others.
func (h *LockHandlers) HandleVerifyLocks(w http.ResponseWriter, r *http.Request) {
	const op = "verify"

	entry, username, err := h.resolve(r)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	var req model.VerifyLocksRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}
	refName := model.RefName(req.Ref)

	if err := entry.Policy.CheckWriteAccess(r.Context(), refName, username); err != nil {
		h.fail(w, r, op, err)
		return
	}

	result, err := entry.Manager.ListLocksToVerify(r.Context(), refName, username, req.Cursor, req.Limit)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	h.recordMetric(r, op, "success")
	h.respondJSON(w, http.StatusOK, result)
}

// HandleUnlock handles POST /{id}/unlock requests. A forced unlock is only
// honoured for lock administrators; for anyone else it is an ordinary one.
// Returns:
//   - 200 OK: the deleted lock
//   - 403 Forbidden: write access denied or the caller does not own the lock
//   - 404 Not Found: repository unknown or not served
//   - 500 Internal Server Error: lock not found, storage or internal error
func (h *LockHandlers) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	const op = "unlock"

	id := chi.URLParam(r, "id")
	if id == "" {
		h.HandleMalformed(w, r)
		return
	}

	entry, username, err := h.resolve(r)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	var req model.DeleteLockRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}
	refName := model.RefName(req.Ref)

	if err := entry.Policy.CheckWriteAccess(r.Context(), refName, username); err != nil {
		h.fail(w, r, op, err)
		return
	}

	force := false
	if req.Force {
		force, err = entry.Manager.IsLockAdministrator(r.Context(), username)
		if err != nil {
			h.fail(w, r, op, err)
			return
		}
		if !force {
			h.logger.Debug("Ignoring force from non-administrator",
				zap.String("repository", entry.Name),
				zap.String("user", username),
			)
		}
	}

	lock, err := entry.Manager.DeleteLock(r.Context(), id, refName, username, force)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	h.recordMetric(r, op, "success")
	h.respondJSON(w, http.StatusOK, model.LockResponse{Lock: lock})
}

// HandleMalformed rejects POST requests whose path below the locks endpoint
// is neither /verify nor /{id}/unlock.
func (h *LockHandlers) HandleMalformed(w http.ResponseWriter, r *http.Request) {
	h.fail(w, r, "malformed", errclass.ErrValidation.WithMessagef("malformed locks endpoint: %s", r.URL.Path))
}

// resolve finds the repository of r and the username r acts as.
func (h *LockHandlers) resolve(r *http.Request) (*registry.Entry, string, error) {
	entry, ok := h.repos.Lookup(chi.URLParam(r, "repo"))
	if !ok {
		return nil, "", errclass.ErrUnavailable.WithMessage("file locking service unavailable")
	}

	username, err := identity.FromRequest(r)
	if err != nil {
		return nil, "", err
	}
	return entry, username, nil
}

func parseLimit(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil {
		return 0, errclass.ErrValidation.WithMessagef("invalid limit %q", value)
	}
	return limit, nil
}

// decodeBody reads a JSON request body into v. An empty body leaves v at
// its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errclass.ErrValidation.Wrap(err, "malformed request body")
	}
	return nil
}

// statusFor maps an error kind to its response status.
func statusFor(kind errclass.Kind) int {
	switch kind {
	case errclass.KindValidation:
		return http.StatusUnprocessableEntity
	case errclass.KindLockExists:
		return http.StatusConflict
	case errclass.KindUnauthorized:
		return http.StatusForbidden
	case errclass.KindUnavailable:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// fail records and writes the error response for err.
func (h *LockHandlers) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	kind := errclass.KindOf(err)
	status := statusFor(kind)

	resp := model.ErrorResponse{
		Message:          "internal server error",
		DocumentationURL: h.documentationURL,
		RequestID:        middleware.GetReqID(r.Context()),
	}

	var le *errclass.LockError
	if errors.As(err, &le) && le.Message != "" {
		resp.Message = le.Message
	}
	if lock, ok := errclass.ConflictingLock(err); ok {
		resp.Lock = lock
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Lock request failed",
			zap.String("operation", operation),
			zap.String("path", r.URL.Path),
			zap.String("request_id", resp.RequestID),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("Lock request rejected",
			zap.String("operation", operation),
			zap.String("kind", string(kind)),
			zap.String("message", resp.Message),
		)
	}

	h.recordMetric(r, operation, string(kind))
	h.respondJSON(w, status, resp)
}

// respondJSON sends a JSON response.
func (h *LockHandlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", model.MediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

type startKey struct{}

// startTimer stamps the request context with the time the locking API
// received it.
func startTimer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), startKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordMetric records the outcome and duration of a lock operation.
func (h *LockHandlers) recordMetric(r *http.Request, operation, status string) {
	if h.metrics == nil {
		return
	}
	start, ok := r.Context().Value(startKey{}).(time.Time)
	if !ok {
		start = time.Now()
	}
	h.metrics.ObserveLockOperation(operation, status, start)
}
