package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type procedureMetrics struct {
	logger         *log.Logger
	procedure      string
	start          time.Time
	authDuration   time.Duration
	callDuration   time.Duration
	encodeDuration time.Duration
	userID         string
	itemsReturned  int
	errorStage     string
}

func newProcedureMetrics(logger *log.Logger, procedure string) *procedureMetrics {
	return &procedureMetrics{
		logger:        logger,
		procedure:     procedure,
		start:         time.Now(),
		itemsReturned: -1,
	}
}

func (m *procedureMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *procedureMetrics) ObserveCall(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.callDuration = duration
}

func (m *procedureMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *procedureMetrics) SetUser(userID string) {
	m.userID = userID
}

func (m *procedureMetrics) SetItemsReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.itemsReturned = count
}

func (m *procedureMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *procedureMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"procedure": m.procedure,
		"status":    status,
		"total_ms":  durationToMillis(time.Since(m.start)),
	}

	if m.userID != "" {
		fields["user"] = m.userID
	}
	if m.itemsReturned >= 0 {
		fields["items_returned"] = m.itemsReturned
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.callDuration > 0 {
		fields["store_ms"] = durationToMillis(m.callDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("rpc.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
