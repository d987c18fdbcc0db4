package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/pipeline"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/pkg/logger"
)

// formOverhead is the multipart framing allowed on top of the file itself.
const formOverhead = 1 << 20

type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps err to a status code and a JSON error body. Internal
// errors are logged and hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithOutcome(w, r, err, nil)
}

func writeErrorWithOutcome(w http.ResponseWriter, r *http.Request, err error, outcome *pipeline.Outcome) {
	status := errs.HTTPStatus(err)
	resp := errorResponse{Error: err.Error(), Code: errs.Code(err), Outcome: outcome}

	var validationErr *errs.ValidationError
	if errors.As(err, &validationErr) {
		resp.Fields = validationErr.Fields
	}

	log := logger.FromContext(r.Context())
	if status == http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
		resp.Error = "Internal server error"
	} else {
		log.Info("Request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListReceipts returns the user's receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request, userID string) {
	receipts, err := s.service.ListReceipts(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleUploadReceipt stores an uploaded receipt image. With ?process=true
// the pipeline runs before the response is written.
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUpload()+formOverhead)
	if err := r.ParseMultipartForm(s.service.MaxUpload() + formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, errs.NewValidationError("file is too large", map[string]string{"file": "too large"}))
			return
		}
		writeError(w, r, errs.NewValidationError("error parsing form", nil))
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, errs.NewValidationError("no file provided", map[string]string{"file": "required"}))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = receipt.ContentTypeFor(header.Filename)
	}

	rcpt, err := s.service.Upload(r.Context(), userID, header.Filename, data, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if process, _ := strconv.ParseBool(r.URL.Query().Get("process")); process {
		outcome, err := s.processor.Process(r.Context(), userID, rcpt.ID)
		if err != nil {
			writeErrorWithOutcome(w, r, err, outcome)
			return
		}
		writeJSON(w, http.StatusCreated, outcome)
		return
	}

	writeJSON(w, http.StatusCreated, rcpt)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request, userID string) {
	rcpt, err := s.service.GetReceipt(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// handleGetReceiptFile returns the image of a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request, userID string) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleListAttempts returns the extraction history of a receipt
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request, userID string) {
	attempts, err := s.service.ListAttempts(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.service.DeleteReceipt(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProcessReceipt runs the pipeline and returns its outcome
func (s *Server) handleProcessReceipt(w http.ResponseWriter, r *http.Request, userID string) {
	outcome, err := s.processor.Process(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeErrorWithOutcome(w, r, err, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleReceiptExpense returns the expense of a receipt, extracting it
// first if needed
func (s *Server) handleReceiptExpense(w http.ResponseWriter, r *http.Request, userID string) {
	outcome, err := s.processor.Process(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeErrorWithOutcome(w, r, err, outcome)
		return
	}

	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome.Expense)
}

// handleListExpenses returns the user's expenses filtered by date range
// and category
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request, userID string) {
	filter, err := parseExpenseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	expenses, err := s.service.ListExpenses(r.Context(), userID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expenses)
}

// handleCreateExpense records a manual expense
func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request, userID string) {
	var req receipt.ManualExpense
	if err := json.NewDecoder(io.LimitReader(r.Body, formOverhead)).Decode(&req); err != nil {
		writeError(w, r, errs.NewValidationError("invalid request body", nil))
		return
	}

	expense, err := s.service.CreateManualExpense(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, expense)
}

func parseExpenseFilter(r *http.Request) (receipt.ExpenseFilter, error) {
	q := r.URL.Query()
	filter := receipt.ExpenseFilter{Category: q.Get("category")}

	fields := make(map[string]string)
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			fields[name] = "expected YYYY-MM-DD"
			continue
		}
		*dst = t
	}
	if len(fields) > 0 {
		return filter, errs.NewValidationError("invalid expense filter", fields)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return filter, errs.NewValidationError("invalid expense filter", map[string]string{"to": "before from"})
	}
	return filter, nil
}
