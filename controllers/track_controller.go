package controller

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadpilot/engine"
	"leadpilot/store"
	"leadpilot/utils"
)

// transparent 1x1 GIF
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackController serves the public pixel, click redirect and unsubscribe
// endpoints referenced from outgoing mail.
type TrackController struct {
	Store  *store.Store
	Gate   *engine.Gate
	Logger *logrus.Logger
}

func NewTrackController(st *store.Store, gate *engine.Gate, logger *logrus.Logger) *TrackController {
	return &TrackController{
		Store:  st,
		Gate:   gate,
		Logger: logger,
	}
}

// TrackOpen records an open and always returns the pixel, even for unknown
// message ids, so broken links don't leak information.
func (tc *TrackController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if messageID != "" {
		if _, err := tc.Store.RecordOpen(c.Context(), messageID, time.Now()); err != nil {
			tc.Logger.WithError(err).WithField("message_id", messageID).Debug("open not recorded")
		}
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(trackingPixel)
}

// TrackClick records the click and redirects to the original URL.
func (tc *TrackController) TrackClick(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	target := c.Query("url")
	if target == "" || !strings.HasPrefix(target, "http") {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid redirect URL")
	}

	if messageID != "" {
		if _, err := tc.Store.RecordClick(c.Context(), messageID, time.Now()); err != nil {
			tc.Logger.WithError(err).WithField("message_id", messageID).Debug("click not recorded")
		}
	}
	return c.Redirect(target, fiber.StatusFound)
}

// Unsubscribe handles the one-click link in email footers. The token is a
// signed claim on the recipient address, so no auth is needed.
func (tc *TrackController) Unsubscribe(c *fiber.Ctx) error {
	email, err := utils.ParseUnsubscribeToken(c.Params("token"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			SendString("This unsubscribe link is invalid or has expired.")
	}

	err = tc.Gate.Unsubscribe(c.Context(), engine.UnsubscribeRequest{
		Email:  email,
		Reason: "Clicked unsubscribe link",
		Source: "link",
	})
	if err != nil {
		tc.Logger.WithError(err).WithField("email", email).Error("link unsubscribe failed")
		return c.Status(fiber.StatusInternalServerError).
			SendString("Something went wrong. Please try again later.")
	}

	c.Set("Content-Type", "text/html; charset=utf-8")
	return c.SendString(`<html><body style="font-family:sans-serif;text-align:center;padding-top:80px">` +
		`<h2>You have been unsubscribed</h2>` +
		`<p>You will no longer receive emails from this sender.</p>` +
		`</body></html>`)
}
