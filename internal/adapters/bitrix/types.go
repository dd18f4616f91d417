package bitrix

import "encoding/json"

// envelope is the shape of every REST response.
type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// BotMessage is the body of imbot.message.add.
type BotMessage struct {
	BotID    int64  `json:"BOT_ID"`
	DialogID string `json:"DIALOG_ID"`
	Message  string `json:"MESSAGE"`
}

// ConnectorUser identifies the external participant in connector calls.
type ConnectorUser struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ConnectorText is a message body in connector calls.
type ConnectorText struct {
	ID   string `json:"id"`
	Date int64  `json:"date,omitempty"`
	Text string `json:"text,omitempty"`
}

// ConnectorChat identifies the external chat in connector calls.
type ConnectorChat struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConnectorMessage is one entry of imconnector.send.messages.
type ConnectorMessage struct {
	User    ConnectorUser `json:"user"`
	Message ConnectorText `json:"message"`
	Chat    ConnectorChat `json:"chat"`
}

// IMRef points at a message inside the Bitrix messenger.
type IMRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// DeliveryStatus is one entry of imconnector.send.status.delivery.
type DeliveryStatus struct {
	IM      IMRef `json:"im"`
	Message struct {
		ID []string `json:"id"`
	} `json:"message"`
	Chat ConnectorChat `json:"chat"`
}

// NewDeliveryStatus builds the receipt of one relayed message.
func NewDeliveryStatus(imChatID, imMessageID, externalMessageID, externalChatID string) DeliveryStatus {
	d := DeliveryStatus{IM: IMRef{ChatID: imChatID, MessageID: imMessageID}, Chat: ConnectorChat{ID: externalChatID}}
	d.Message.ID = []string{externalMessageID}
	return d
}

// ConnectorData is the display metadata pushed on line activation.
type ConnectorData struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	URLIM string `json:"url_im"`
	Name  string `json:"name"`
}

// ConnectorRegistration is the body of imconnector.register.
type ConnectorRegistration struct {
	ID               string `json:"ID"`
	Name             string `json:"NAME"`
	PlacementHandler string `json:"PLACEMENT_HANDLER"`
}

// EventBinding is one subscription reported by event.get.
type EventBinding struct {
	Event   string `json:"event"`
	Handler string `json:"handler"`
}

// PlacementBinding is one UI placement reported by placement.get.
type PlacementBinding struct {
	Placement string `json:"placement"`
	Handler   string `json:"handler"`
	Title     string `json:"title"`
}

// tokenResponse is the OAuth server's answer to a refresh grant.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	ClientEndpoint   string `json:"client_endpoint"`
	ServerEndpoint   string `json:"server_endpoint"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
