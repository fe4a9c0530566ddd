package syncdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harun/mnemosync/pkg/ingest"
)

// Ack is the wire answer to a submitted report, shared by the HTTP endpoint
// and the stream.
type Ack struct {
	Accepted   bool          `json:"accepted"`
	ReportID   string        `json:"report_id,omitempty"`
	AgentID    string        `json:"agent_id,omitempty"`
	InstanceID string        `json:"instance_id,omitempty"`
	Sequence   uint64        `json:"sequence_number,omitempty"`
	Reason     ingest.Reason `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// AckOf converts a submit outcome into its wire form.
func AckOf(receipt *ingest.Receipt, err error) Ack {
	if err != nil {
		return Ack{Reason: ingest.ReasonOf(err), Error: err.Error()}
	}
	return Ack{
		Accepted:   true,
		ReportID:   receipt.ReportID,
		AgentID:    receipt.AgentID,
		InstanceID: receipt.InstanceID,
		Sequence:   receipt.Sequence,
	}
}

// Result turns an ack back into a receipt or error. Rejections come back as
// *ingest.RejectionError so callers can match ingest.ErrReplay and friends.
func (a Ack) Result(instanceID string) (*ingest.Receipt, error) {
	if a.Accepted {
		return &ingest.Receipt{
			Accepted:   true,
			ReportID:   a.ReportID,
			AgentID:    a.AgentID,
			InstanceID: a.InstanceID,
			Sequence:   a.Sequence,
		}, nil
	}
	if a.Reason != "" {
		return nil, &ingest.RejectionError{Reason: a.Reason, InstanceID: instanceID, Err: errors.New(a.Error)}
	}
	if a.Error == "" {
		return nil, fmt.Errorf("report not accepted")
	}
	return nil, errors.New(a.Error)
}

// HTTPSender posts reports to a mnemosync gateway.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSender creates a sender for the gateway at baseURL.
func NewHTTPSender(baseURL string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *HTTPSender) Submit(ctx context.Context, report *ingest.Report) (*ingest.Receipt, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/reports", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post report: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("unexpected response %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return ack.Result(report.InstanceID)
}
