package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/engine"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/syncdriver"
	"github.com/harun/mnemosync/pkg/workqueue"
)

type reportResponse struct {
	syncdriver.Ack
	Result *engine.SyncResult `json:"result,omitempty"`
}

// handleSubmitReport accepts one serialized report. With wait=true the
// response also carries the merge result of the report.
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	release, allowed, reason := s.limiter.Acquire(clientFromContext(ctx))
	if !allowed {
		writeJSON(w, http.StatusTooManyRequests, syncdriver.Ack{Error: reason})
		return
	}
	defer release()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, syncdriver.Ack{Reason: ingest.ReasonMalformed, Error: "report exceeds the body limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, syncdriver.Ack{Reason: ingest.ReasonMalformed, Error: err.Error()})
		return
	}

	receipt, err := s.ingestor.SubmitRaw(ctx, body)
	if err != nil {
		writeJSON(w, submitStatus(err), syncdriver.AckOf(nil, err))
		return
	}

	resp := reportResponse{Ack: syncdriver.AckOf(receipt, nil)}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && receipt.Ticket != nil {
		value, err := receipt.Ticket.Wait(ctx)
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Warn().Err(err).Str("report_id", receipt.ReportID).Msg("Accepted report failed to apply")
			resp.Error = err.Error()
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
		if result, ok := value.(*engine.SyncResult); ok {
			resp.Result = result
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// submitStatus maps an ingest outcome to an HTTP status.
func submitStatus(err error) int {
	switch ingest.ReasonOf(err) {
	case ingest.ReasonMalformed:
		return http.StatusBadRequest
	case ingest.ReasonBadSignature, ingest.ReasonUnknownIdentity:
		return http.StatusUnauthorized
	case ingest.ReasonReplay:
		return http.StatusConflict
	case ingest.ReasonRevoked:
		return http.StatusForbidden
	}
	switch {
	case errors.Is(err, workqueue.ErrLaneHalted), errors.Is(err, workqueue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, workqueue.ErrLaneFull):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
