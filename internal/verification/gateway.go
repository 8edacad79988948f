package verification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw callback body.
const SignatureHeader = "X-Webhook-Signature"

// Applier applies an authenticated verdict to the matching record.
type Applier interface {
	ApplyVerdict(ctx context.Context, token string, verdict attendance.Verdict, reason string) (bool, error)
}

// Gateway authenticates worker callbacks before anything reads them.
type Gateway struct {
	secret  []byte
	applier Applier
	log     *zap.Logger
}

// NewGateway builds a gateway. An empty secret rejects every callback.
func NewGateway(secret string, applier Applier, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{secret: []byte(secret), applier: applier, log: log}
}

// Sign returns the signature the gateway expects for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type callback struct {
	// VerificationID echoes the token the job was submitted with. When
	// present it must match the token in the callback URL.
	VerificationID string `json:"verification_id"`
	Verdict        string `json:"verdict"`
	Reason         string `json:"reason"`
	OverallResult  *struct {
		VerificationPassed *bool  `json:"verification_passed"`
		Reason             string `json:"reason"`
	} `json:"overall_result"`
}

func (c callback) decode() (attendance.Verdict, string, bool) {
	if c.OverallResult != nil {
		if c.OverallResult.VerificationPassed == nil {
			return "", "", false
		}
		if *c.OverallResult.VerificationPassed {
			return attendance.VerdictMatch, "", true
		}
		return attendance.VerdictNoMatch, c.OverallResult.Reason, true
	}
	switch v := attendance.Verdict(strings.ToLower(c.Verdict)); v {
	case attendance.VerdictMatch:
		return v, "", true
	case attendance.VerdictNoMatch:
		return v, c.Reason, true
	}
	return "", "", false
}

// Handle authenticates and applies one callback. It returns
// attendance.ErrUnauthenticated for a bad signature and
// attendance.ErrValidation for an unreadable payload. Unknown, expired and
// superseded tokens are accepted without effect.
func (g *Gateway) Handle(ctx context.Context, token string, body []byte, signature string) error {
	if !g.verify(body, signature) {
		metrics.CallbacksTotal.WithLabelValues(metrics.CallbackUnauthenticated).Inc()
		g.log.Warn("callback signature rejected",
			zap.String("event", "security"),
			zap.String("token", token),
			zap.Int("body_bytes", len(body)),
		)
		return fmt.Errorf("%w: bad callback signature", attendance.ErrUnauthenticated)
	}

	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		metrics.CallbacksTotal.WithLabelValues(metrics.CallbackInvalid).Inc()
		return fmt.Errorf("%w: callback payload: %v", attendance.ErrValidation, err)
	}
	if cb.VerificationID != "" && cb.VerificationID != token {
		metrics.CallbacksTotal.WithLabelValues(metrics.CallbackUnauthenticated).Inc()
		g.log.Warn("callback token mismatch",
			zap.String("event", "security"),
			zap.String("token", token),
			zap.String("verification_id", cb.VerificationID),
		)
		return fmt.Errorf("%w: callback is for another verification", attendance.ErrUnauthenticated)
	}
	verdict, reason, ok := cb.decode()
	if !ok || strings.TrimSpace(token) == "" {
		metrics.CallbacksTotal.WithLabelValues(metrics.CallbackInvalid).Inc()
		return fmt.Errorf("%w: callback carries no verdict", attendance.ErrValidation)
	}

	applied, err := g.applier.ApplyVerdict(ctx, token, verdict, strings.TrimSpace(reason))
	if err != nil {
		return err
	}
	if applied {
		metrics.CallbacksTotal.WithLabelValues(metrics.CallbackApplied).Inc()
	} else {
		metrics.CallbacksTotal.WithLabelValues(metrics.CallbackStale).Inc()
	}
	return nil
}

func (g *Gateway) verify(body []byte, signature string) bool {
	if len(g.secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
