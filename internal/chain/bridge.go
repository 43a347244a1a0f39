// Package chain implements the on-chain collaborators over NATS
// request/reply. A relayer process on the other side holds the keys and
// talks to the actual contracts; the engine only ever sees this bridge, so
// the unreliable dependency stays behind one seam.
package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"CipherSettle/internal/external"
)

const (
	SubjectSubmit = "cipher.chain.submit"
	SubjectFees   = "cipher.chain.fees"
)

// submitReply is the relayer's response to a batch submission.
type submitReply struct {
	TxID  string `json:"tx_id"`
	Error string `json:"error,omitempty"`
}

// Bridge is the NATS-backed settlement client and fee sink.
type Bridge struct {
	nc  *nats.Conn
	log zerolog.Logger
}

func NewBridge(nc *nats.Conn, log zerolog.Logger) *Bridge {
	return &Bridge{nc: nc, log: log}
}

// SubmitBatch sends the aggregate update to the relayer and waits for the
// transaction id. The caller's context bounds the wait; expiry surfaces as
// an error and the orchestrator rolls the batch back.
func (b *Bridge) SubmitBatch(ctx context.Context, sub external.BatchSubmission) (string, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	msg, err := b.nc.RequestWithContext(ctx, SubjectSubmit, payload)
	if err != nil {
		return "", fmt.Errorf("submit batch %d: %w", sub.BatchID, err)
	}

	var reply submitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("submit batch %d: malformed reply: %w", sub.BatchID, err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("submit batch %d: relayer: %s", sub.BatchID, reply.Error)
	}
	if reply.TxID == "" {
		return "", fmt.Errorf("submit batch %d: relayer returned empty tx id", sub.BatchID)
	}
	return reply.TxID, nil
}

// Transfer forwards collected fees to the relayer, fire-and-forget. The
// orchestrator treats a failure as non-fatal and logs it for retry.
func (b *Bridge) Transfer(ctx context.Context, amount int64) error {
	payload, err := json.Marshal(map[string]int64{"amount": amount})
	if err != nil {
		return fmt.Errorf("marshal fee transfer: %w", err)
	}
	if err := b.nc.Publish(SubjectFees, payload); err != nil {
		return fmt.Errorf("publish fee transfer: %w", err)
	}
	return nil
}

var (
	_ external.SettlementClient = (*Bridge)(nil)
	_ external.FeeSink          = (*Bridge)(nil)
)
