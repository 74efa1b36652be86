package api

import (
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/ratelimit"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
	"github.com/JeffreyAdu/church-media-automation/internal/websub"
)

const maxNotificationBytes = 1 << 20

// handleVerifyIntent echoes the hub challenge for a subscription we asked for.
func (s *Server) handleVerifyIntent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lease, _ := strconv.Atoi(q.Get("hub.lease_seconds"))
	challenge, err := s.Verifier.VerifyIntent(r.Context(), websub.Intent{
		Mode:         q.Get("hub.mode"),
		Topic:        q.Get("hub.topic"),
		Challenge:    q.Get("hub.challenge"),
		LeaseSeconds: lease,
	})
	if failure.KindOf(err) == failure.KindProtocol {
		telemetry.WebhookRejected.WithLabelValues("intent").Inc()
		s.log.Info("hub intent rejected", logger.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// handleNotification verifies the body signature, acknowledges the hub and hands the
// body to background intake.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.WebhookKey(remoteHost(r))) {
		telemetry.WebhookRejected.WithLabelValues("rate_limited").Inc()
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		telemetry.WebhookRejected.WithLabelValues("body").Inc()
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	if err := websub.VerifySignature(s.cfg.WebSubSecret, body, r.Header.Get(websub.SignatureHeader), s.cfg.Production()); err != nil {
		telemetry.WebhookRejected.WithLabelValues("signature").Inc()
		s.log.Warn("notification discarded", logger.String("remote", remoteHost(r)), logger.Error(err))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	telemetry.WebhookReceived.Inc()
	w.WriteHeader(http.StatusOK)
	s.Intake.Submit(body)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
