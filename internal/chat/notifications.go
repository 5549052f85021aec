// internal/chat/notifications.go
// Offline notification delivery. When the hub has no open connection for a
// relay target, the event is handed to a Notifier. Delivery is best effort
// and never blocks or fails the relay path.

package chat

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	fcm "firebase.google.com/go/v4/messaging"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"google.golang.org/api/option"
)

// Notification kinds
const (
	NotifyKindMessage    = "message"
	NotifyKindMissedCall = "missed_call"
)

// Notifier delivers out-of-band notifications to users without an open
// realtime connection
type Notifier interface {
	NotifyMessage(ctx context.Context, contact *Contact, fromUserID, preview string) error
	NotifyMissedCall(ctx context.Context, contact *Contact, fromUserID string) error
}

// FCMNotifier sends push notifications through Firebase Cloud Messaging
type FCMNotifier struct {
	client *fcm.Client
}

// NewFCMNotifier initializes the Firebase app from a credentials file
func NewFCMNotifier(ctx context.Context, credentialsPath string) (*FCMNotifier, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	return &FCMNotifier{client: client}, nil
}

func (n *FCMNotifier) NotifyMessage(ctx context.Context, contact *Contact, fromUserID, preview string) error {
	return n.push(ctx, contact, "New message", preview, map[string]string{
		"type":    NotifyKindMessage,
		"from_id": fromUserID,
	})
}

func (n *FCMNotifier) NotifyMissedCall(ctx context.Context, contact *Contact, fromUserID string) error {
	return n.push(ctx, contact, "Missed call", "You missed a video call", map[string]string{
		"type":    NotifyKindMissedCall,
		"from_id": fromUserID,
	})
}

func (n *FCMNotifier) push(ctx context.Context, contact *Contact, title, body string, data map[string]string) error {
	if contact.PushToken == nil {
		return nil
	}

	_, err := n.client.Send(ctx, &fcm.Message{
		Token: *contact.PushToken,
		Notification: &fcm.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	})
	return err
}

// TwilioNotifier sends SMS notifications
type TwilioNotifier struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioNotifier(accountSID, authToken, from string) (*TwilioNotifier, error) {
	if accountSID == "" || authToken == "" || from == "" {
		return nil, fmt.Errorf("incomplete Twilio configuration")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioNotifier{client: client, from: from}, nil
}

func (n *TwilioNotifier) NotifyMessage(ctx context.Context, contact *Contact, fromUserID, preview string) error {
	return n.sms(contact, fmt.Sprintf("New message: %s", preview))
}

func (n *TwilioNotifier) NotifyMissedCall(ctx context.Context, contact *Contact, fromUserID string) error {
	return n.sms(contact, "You missed a video call. Open the app to call back.")
}

func (n *TwilioNotifier) sms(contact *Contact, body string) error {
	if contact.Phone == nil {
		return nil
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(*contact.Phone)
	params.SetFrom(n.from)
	params.SetBody(body)

	_, err := n.client.Api.CreateMessage(params)
	if err != nil {
		log.Printf("Failed to send SMS to user %s: %v", contact.UserID, err)
	}
	return err
}

// SendGridNotifier sends email notifications
type SendGridNotifier struct {
	client *sendgrid.Client
	from   string
}

func NewSendGridNotifier(apiKey, from string) (*SendGridNotifier, error) {
	if apiKey == "" || from == "" {
		return nil, fmt.Errorf("incomplete SendGrid configuration")
	}
	return &SendGridNotifier{client: sendgrid.NewSendClient(apiKey), from: from}, nil
}

func (n *SendGridNotifier) NotifyMessage(ctx context.Context, contact *Contact, fromUserID, preview string) error {
	return n.email(contact, "New message waiting",
		fmt.Sprintf("You have a new message: %s", preview))
}

func (n *SendGridNotifier) NotifyMissedCall(ctx context.Context, contact *Contact, fromUserID string) error {
	return n.email(contact, "Missed call",
		"You missed a video call. Open the app to call back.")
}

func (n *SendGridNotifier) email(contact *Contact, subject, body string) error {
	if contact.Email == nil {
		return nil
	}

	from := sgmail.NewEmail("CareSync", n.from)
	to := sgmail.NewEmail("", *contact.Email)
	message := sgmail.NewSingleEmail(from, subject, to, body, body)

	resp, err := n.client.Send(message)
	if err != nil {
		log.Printf("Failed to send email to user %s: %v", contact.UserID, err)
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier is the development fallback
type LogNotifier struct{}

func (LogNotifier) NotifyMessage(ctx context.Context, contact *Contact, fromUserID, preview string) error {
	log.Printf("notify (mock): message for %s from %s: %q", contact.UserID, fromUserID, preview)
	return nil
}

func (LogNotifier) NotifyMissedCall(ctx context.Context, contact *Contact, fromUserID string) error {
	log.Printf("notify (mock): missed call for %s from %s", contact.UserID, fromUserID)
	return nil
}
