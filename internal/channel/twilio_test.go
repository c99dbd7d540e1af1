package channel

import (
	"context"
	"errors"
	"testing"

	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/convomux/convomux/internal/models"
)

func TestClassifyTwilioError(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   models.ErrorKind
	}{
		{"rate limited", 429, models.KindTransient},
		{"server error", 503, models.KindTransient},
		{"client error", 400, models.KindPermanent},
		{"unauthorized", 401, models.KindPermanent},
	}
	for _, c := range cases {
		err := classifyTwilioError(&twilioclient.TwilioRestError{Status: c.status, Message: c.name})
		if got := models.KindOf(err); got != c.want {
			t.Errorf("%s (status %d): expected kind %s, got %s", c.name, c.status, c.want, got)
		}
	}
}

func TestClassifyTwilioErrorNetwork(t *testing.T) {
	// Failures without an HTTP status (DNS, connection reset) are transient.
	err := classifyTwilioError(errors.New("dial tcp: connection refused"))
	if !models.IsTransient(err) {
		t.Errorf("Expected network failure to be transient, kind=%s", models.KindOf(err))
	}
}

type fakeTwilioAPI struct {
	createErr error
	lastBody  string
	sid       string
}

func (f *fakeTwilioAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if params.Body != nil {
		f.lastBody = *params.Body
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	sid := f.sid
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (f *fakeTwilioAPI) ListMessage(params *twilioApi.ListMessageParams) ([]twilioApi.ApiV2010Message, error) {
	return nil, nil
}

func TestTwilioAdapterSendMessage(t *testing.T) {
	fake := &fakeTwilioAPI{sid: "SM123"}
	a, err := NewTwilioAdapter(WithTwilioAPI(fake), WithTwilioFrom("+15550001111"))
	if err != nil {
		t.Fatalf("NewTwilioAdapter failed: %v", err)
	}

	receipt, err := a.SendMessage(context.Background(), "+15550002222", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if receipt.ProviderMessageID != "SM123" {
		t.Errorf("Expected provider id SM123, got %q", receipt.ProviderMessageID)
	}
	if fake.lastBody != "hello" {
		t.Errorf("Expected body 'hello', got %q", fake.lastBody)
	}
}

func TestTwilioAdapterSendMessageClassifies(t *testing.T) {
	fake := &fakeTwilioAPI{createErr: &twilioclient.TwilioRestError{Status: 400, Message: "bad request"}}
	a, err := NewTwilioAdapter(WithTwilioAPI(fake), WithTwilioFrom("+15550001111"))
	if err != nil {
		t.Fatalf("NewTwilioAdapter failed: %v", err)
	}

	_, err = a.SendMessage(context.Background(), "+15550002222", "hello", nil)
	if err == nil {
		t.Fatal("Expected error")
	}
	if models.IsTransient(err) {
		t.Error("4xx must be classified permanent")
	}
}

func TestTwilioAdapterParseWebhookPayload(t *testing.T) {
	a, err := NewTwilioAdapter(WithTwilioAPI(&fakeTwilioAPI{}), WithTwilioFrom("+15550001111"))
	if err != nil {
		t.Fatalf("NewTwilioAdapter failed: %v", err)
	}

	payload := []byte(`{"message_sid":"SM9","from":"+15550003333","body":"hey","timestamp":1767322800,"media":[{"content_type":"image/png","url":"https://example.com/a.png"}]}`)
	in, err := a.ParseWebhookPayload(payload)
	if err != nil {
		t.Fatalf("ParseWebhookPayload failed: %v", err)
	}
	if in.ID != "SM9" || in.From != "+15550003333" || in.Text != "hey" {
		t.Errorf("Unexpected normalized message: %+v", in)
	}
	if len(in.Attachments) != 1 || in.Attachments[0].URL != "https://example.com/a.png" {
		t.Errorf("Unexpected attachments: %+v", in.Attachments)
	}
}
