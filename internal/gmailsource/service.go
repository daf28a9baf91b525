package gmailsource

import (
	"net/http"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// restAPI is the production implementation of api, backed by the real
// Gmail REST client (mirrors danmarg-outtake's restGmailService).
type restAPI struct {
	users *gmail.UsersService
}

func (r *restAPI) ListLabels() (*gmail.ListLabelsResponse, error) {
	return r.users.Labels.List("me").Do()
}

func (r *restAPI) ListMessages(labelID, pageToken string) (*gmail.ListMessagesResponse, error) {
	// -in:chats skips non-email results the API otherwise returns.
	call := r.users.Messages.List("me").Q("-in:chats")
	if labelID != "" {
		call = call.LabelIds(labelID)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (r *restAPI) GetRaw(id string) (*gmail.Message, error) {
	return r.users.Messages.Get("me", id).Format("raw").Do()
}

func gmailOption(httpClient *http.Client) option.ClientOption {
	return option.WithHTTPClient(httpClient)
}
