package listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const (
	channelName       = "balance_review_resolved"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// ReviewNotification is the payload of a balance_review_resolved NOTIFY.
type ReviewNotification struct {
	ReviewID  string `json:"review_id"`
	AccountID string `json:"account_id"`
	Decision  string `json:"decision"`
}

// Reconciler re-checks an account once its review is closed.
type Reconciler interface {
	ReconcileAfterReview(ctx context.Context, accountID string) error
}

// ReviewListener turns review resolutions committed by any instance into a
// balance re-check on this one.
type ReviewListener struct {
	connStr    string
	reconciler Reconciler
}

func NewReviewListener(connStr string, reconciler Reconciler) *ReviewListener {
	return &ReviewListener{
		connStr:    connStr,
		reconciler: reconciler,
	}
}

// Run listens until ctx is cancelled.
func (l *ReviewListener) Run(ctx context.Context) error {
	log.WithField("channel", channelName).Info("Review listener started")
	l.listen(ctx)
	return nil
}

func (l *ReviewListener) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Info("Reconnecting review listener")
		}
	}
}

func (l *ReviewListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		entry := log.WithField("channel", channelName)
		switch ev {
		case pq.ListenerEventConnected:
			entry.Debug("Listener connected")
		case pq.ListenerEventDisconnected:
			entry.WithError(err).Warn("Listener disconnected")
		case pq.ListenerEventReconnected:
			entry.Info("Listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			entry.WithError(err).Warn("Listener connection attempt failed")
		}
	})
	defer listener.Close()

	if err := listener.Listen(channelName); err != nil {
		log.WithError(err).WithField("channel", channelName).Error("Failed to listen")
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// connection lost; pq re-listens but notifications in between are gone
				return
			}
			l.handle(ctx, n.Extra)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				log.WithError(err).Warn("Listener ping failed")
				return
			}
		}
	}
}

func (l *ReviewListener) handle(ctx context.Context, extra string) {
	var payload ReviewNotification
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		log.WithError(err).Warn("Failed to parse review notification")
		return
	}
	if payload.AccountID == "" {
		log.WithField("review_id", payload.ReviewID).Warn("Review notification without account")
		return
	}

	entry := log.WithFields(log.Fields{
		"review_id":  payload.ReviewID,
		"account_id": payload.AccountID,
		"decision":   payload.Decision,
	})
	if err := l.reconciler.ReconcileAfterReview(context.WithoutCancel(ctx), payload.AccountID); err != nil {
		entry.WithError(err).Error("Failed to schedule post-review reconciliation")
		return
	}
	entry.Debug("Post-review reconciliation scheduled")
}
