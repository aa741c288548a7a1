package rest

import (
	"context"
	"time"

	"github.com/AzielCF/az-bridge/gateway/application"
	"github.com/AzielCF/az-bridge/pkg/msgworker"
	"github.com/AzielCF/az-bridge/pkg/utils"
	"github.com/AzielCF/az-bridge/ui/rest/middleware"
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// WebhookIngester is the ingestion entry point the webhook route feeds.
type WebhookIngester interface {
	Ingest(ctx context.Context, raw []byte) (application.Result, error)
}

// Dispatcher queues work sharded by instance id without blocking.
type Dispatcher interface {
	TryDispatch(job msgworker.Job) bool
}

// DefaultIngestWait bounds how long a delivery is held open waiting for its
// job. GREEN-API gives up on a webhook call after about a minute.
const DefaultIngestWait = 30 * time.Second

type Webhook struct {
	Ingest WebhookIngester
	Pool   Dispatcher
	Wait   time.Duration
}

// InitRestWebhook registers the provider delivery route. A delivery is
// answered only after it was ingested, so any failure gets a 5xx and the
// provider redelivers. Ordering per instance is kept by the pool.
func InitRestWebhook(app fiber.Router, ingest WebhookIngester, pool Dispatcher, token string) Webhook {
	handler := Webhook{Ingest: ingest, Pool: pool, Wait: DefaultIngestWait}
	app.Post("/webhook", middleware.WebhookToken(token), handler.Receive)
	return handler
}

func (h *Webhook) Receive(c *fiber.Ctx) error {
	// fiber reuses the request buffer once the handler returns.
	raw := append([]byte(nil), c.Body()...)
	if len(raw) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(utils.ResponseData{
			Status:  fiber.StatusBadRequest,
			Code:    "VALIDATION_ERROR",
			Message: "empty webhook body",
		})
	}

	instanceID := application.InstanceIDOf(raw)
	done := make(chan error, 1)
	ok := h.Pool.TryDispatch(msgworker.Job{
		InstanceID: instanceID,
		Label:      "webhook",
		Done:       done,
		Handler: func(ctx context.Context) error {
			res, err := h.Ingest.Ingest(ctx, raw)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"instance_id":  res.InstanceID,
				"type_webhook": res.TypeWebhook,
				"kind":         res.Kind,
				"size":         humanize.Bytes(uint64(len(raw))),
			}).Debug("[INGEST] Webhook processed")
			return nil
		},
	})
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(utils.ResponseData{
			Status:  fiber.StatusServiceUnavailable,
			Code:    "QUEUE_FULL",
			Message: "ingestion queue is full, retry later",
		})
	}

	wait := h.Wait
	if wait <= 0 {
		wait = DefaultIngestWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			// dedup claims were released by the ingestor; the redelivery
			// goes through again
			return c.Status(fiber.StatusInternalServerError).JSON(utils.ResponseData{
				Status:  fiber.StatusInternalServerError,
				Code:    "INGEST_FAILED",
				Message: err.Error(),
			})
		}
	case <-timer.C:
		logrus.WithField("instance_id", instanceID).Warnf("[INGEST] Delivery still queued after %s, asking for redelivery", wait)
		return c.Status(fiber.StatusServiceUnavailable).JSON(utils.ResponseData{
			Status:  fiber.StatusServiceUnavailable,
			Code:    "INGEST_PENDING",
			Message: "ingestion did not finish in time, retry later",
		})
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Webhook processed",
	})
}
