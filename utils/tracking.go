package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"leadpilot/config"
)

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// TrackingDecorator rewrites outgoing HTML bodies with open/click
// instrumentation and an unsubscribe footer. It satisfies the delivery
// queue's decorator hook.
type TrackingDecorator struct {
	BaseURL string
}

func NewTrackingDecorator() *TrackingDecorator {
	return &TrackingDecorator{BaseURL: config.AppConfig.AppURL}
}

func (d *TrackingDecorator) Decorate(body, recipient, messageID string) string {
	body = d.rewriteLinks(body, messageID)
	body = d.injectPixel(body, messageID)
	return d.appendUnsubscribeFooter(body, recipient)
}

// rewriteLinks points every absolute link at the click redirect endpoint.
// Already-rewritten and unsubscribe links are left alone.
func (d *TrackingDecorator) rewriteLinks(body, messageID string) string {
	return hrefPattern.ReplaceAllStringFunc(body, func(match string) string {
		original := hrefPattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(original, d.BaseURL+"/track/") ||
			strings.HasPrefix(original, d.BaseURL+"/unsubscribe/") {
			return match
		}
		tracked := fmt.Sprintf("%s/track/click/%s?url=%s",
			d.BaseURL, messageID, url.QueryEscape(original))
		return `href="` + tracked + `"`
	})
}

func (d *TrackingDecorator) injectPixel(body, messageID string) string {
	pixel := fmt.Sprintf(
		`<img src="%s/track/open/%s" width="1" height="1" style="display:none" alt=""/>`,
		d.BaseURL, messageID)
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx != -1 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}

func (d *TrackingDecorator) appendUnsubscribeFooter(body, recipient string) string {
	token, err := GenerateUnsubscribeToken(recipient)
	if err != nil {
		// Footer is best effort; the email still goes out.
		return body
	}
	footer := fmt.Sprintf(
		`<div style="font-size:12px;color:#999;margin-top:24px">`+
			`If you no longer wish to receive these emails, `+
			`<a href="%s/unsubscribe/%s">unsubscribe here</a>.</div>`,
		d.BaseURL, token)
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx != -1 {
		return body[:idx] + footer + body[idx:]
	}
	return body + footer
}
