package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"leadpilot/models"
	"leadpilot/store"
	"leadpilot/utils"
)

// ReplyWorker polls each sender's IMAP inbox and matches incoming mail
// against tracked outbound messages via In-Reply-To and References headers.
// A match marks the tracking row replied, which the sequence engine's
// NO_REPLY and REPLIED conditions read.
type ReplyWorker struct {
	store    *store.Store
	logger   *logrus.Logger
	interval time.Duration
}

func NewReplyWorker(st *store.Store, logger *logrus.Logger, interval time.Duration) *ReplyWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyWorker{
		store:    st,
		logger:   logger,
		interval: interval,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Info("Starting reply worker...")
	ticker := time.NewTicker(rw.interval)

	for {
		select {
		case <-ticker.C:
			rw.pollAll(ctx)
		case <-ctx.Done():
			rw.logger.Info("Stopping reply worker...")
			ticker.Stop()
			return
		}
	}
}

func (rw *ReplyWorker) pollAll(ctx context.Context) {
	senders, err := rw.store.SendersWithIMAP(ctx)
	if err != nil {
		sentry.CaptureException(err)
		rw.logger.WithError(err).Error("reply worker: failed to list senders")
		return
	}

	for i := range senders {
		sender := &senders[i]
		if err := rw.pollSender(ctx, sender); err != nil {
			sentry.CaptureException(err)
			rw.logger.WithError(err).WithField("sender_id", sender.ID).Warn("reply worker: poll failed")
			rw.store.UpdateSenderError(ctx, sender.ID, err.Error())
			continue
		}
		rw.store.TouchSender(ctx, sender.ID)
	}
}

func (rw *ReplyWorker) pollSender(ctx context.Context, sender *models.Sender) error {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	var imapClient *client.Client
	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)

	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{
			ServerName: sender.IMAPHost,
		})
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				ServerName: sender.IMAPHost,
			})
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(ctx, msg); err != nil {
			rw.logger.WithError(err).WithField("seq_num", msg.SeqNum).Debug("reply worker: message skipped")
		}
	}
	return <-done
}

func (rw *ReplyWorker) processMessage(ctx context.Context, msg *imap.Message) error {
	section := imap.BodySectionName{}
	body := msg.GetBody(&section)
	if body == nil {
		return fmt.Errorf("message body not found")
	}

	reader, err := mail.CreateReader(body)
	if err != nil {
		return fmt.Errorf("failed to create message reader: %w", err)
	}

	header := reader.Header
	var references []string
	if inReplyTo := header.Get("In-Reply-To"); inReplyTo != "" {
		references = append(references, inReplyTo)
	}
	if refs := header.Get("References"); refs != "" {
		references = append(references, strings.Fields(refs)...)
	}

	for _, ref := range references {
		trackingID := extractTrackingID(ref)
		if trackingID == "" {
			continue
		}
		matched, err := rw.store.MarkReplied(ctx, trackingID, time.Now())
		if err != nil {
			return err
		}
		if matched {
			rw.logger.WithField("message_id", trackingID).Info("reply detected")
			return nil
		}
	}
	return nil
}

// extractTrackingID pulls the local part out of a Message-ID style reference
// like "<uuid@example.com>". Outbound mail embeds the tracking id there.
func extractTrackingID(ref string) string {
	ref = strings.Trim(strings.TrimSpace(ref), "<>")
	if at := strings.Index(ref, "@"); at != -1 {
		return ref[:at]
	}
	return ref
}
