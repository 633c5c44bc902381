package testutil

import (
	"sync"

	"github.com/ecpds/master/network"
)

// Mail is one message handed to a SpyMailer.
type Mail struct {
	To      string
	Cc      string
	Subject string
	Body    string
}

// SpyMailer records the mails instead of sending them.
type SpyMailer struct {
	mutex sync.Mutex
	mails []Mail
}

func NewSpyMailer() *SpyMailer {
	return &SpyMailer{mails: make([]Mail, 0)}
}

func (mailer *SpyMailer) SendMail(to, cc, subject, body string, attachment *network.Attachment) error {
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	mailer.mails = append(mailer.mails, Mail{To: to, Cc: cc, Subject: subject, Body: body})
	return nil
}

func (mailer *SpyMailer) Mails() []Mail {
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	return append([]Mail{}, mailer.mails...)
}
