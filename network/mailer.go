package network

import (
	"fmt"
	"io"
	"strings"

	"github.com/ecpds/master/models"
	"gopkg.in/gomail.v2"
)

// Mailer sends transfer notifications. To and cc are comma
// separated address lists; attachment may be nil.
type Mailer interface {
	SendMail(to, cc, subject, body string, attachment *Attachment) error
}

// Attachment is an in-memory file attached to a mail.
type Attachment struct {
	Name    string
	Content []byte
}

// SMTPMailer sends mail through the SMTP server of the config.
type SMTPMailer struct {
	from   string
	sender gomail.Sender
	dialer *gomail.Dialer
}

// NewSMTPMailer returns a mailer for the given config, or nil if
// no mail server is configured.
func NewSMTPMailer(config models.MailConfig) *SMTPMailer {
	if config.Server == "" {
		return nil
	}
	return &SMTPMailer{
		from:   config.From,
		dialer: gomail.NewDialer(config.Server, config.Port, config.User, config.Password),
	}
}

// NewMailerWithSender returns a mailer handing its messages to
// sender instead of dialing a server.
func NewMailerWithSender(from string, sender gomail.Sender) *SMTPMailer {
	return &SMTPMailer{
		from:   from,
		sender: sender,
	}
}

func (mailer *SMTPMailer) SendMail(to, cc, subject, body string, attachment *Attachment) error {
	recipients := splitAddresses(to)
	if len(recipients) == 0 {
		return fmt.Errorf("Mail '%s' has no recipient", subject)
	}
	message := gomail.NewMessage()
	message.SetHeader("From", mailer.from)
	message.SetHeader("To", recipients...)
	if copies := splitAddresses(cc); len(copies) > 0 {
		message.SetHeader("Cc", copies...)
	}
	message.SetHeader("Subject", subject)
	message.SetBody("text/plain", body)
	if attachment != nil {
		content := attachment.Content
		message.Attach(attachment.Name, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(content)
			return err
		}))
	}
	var err error
	if mailer.sender != nil {
		err = gomail.Send(mailer.sender, message)
	} else {
		err = mailer.dialer.DialAndSend(message)
	}
	if err != nil {
		return fmt.Errorf("Cannot send mail '%s' to %s: %v", subject, to, err)
	}
	return nil
}

func splitAddresses(list string) []string {
	addresses := make([]string, 0)
	for _, address := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' }) {
		if address = strings.TrimSpace(address); address != "" {
			addresses = append(addresses, address)
		}
	}
	return addresses
}
