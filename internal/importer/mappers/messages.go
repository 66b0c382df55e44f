package mappers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"invoiceimport/internal/importer/domain"
)

// Client actions accepted on the session.
const (
	ActionGetImportURL = "getImportUrl"
	ActionCancelImport = "cancelImport"
)

// Command is a client request frame.
type Command struct {
	Action        string `json:"action"`
	TransactionId string `json:"transactionId,omitempty"`
}

// UploadSlotMessage answers getImportUrl.
type UploadSlotMessage struct {
	URL           string `json:"url"`
	TransactionId string `json:"transactionId"`
	ExpiresIn     string `json:"expiresIn"`
}

// StatusMessage announces a transaction status.
type StatusMessage struct {
	TransactionId string `json:"transactionId"`
	Status        string `json:"status"`
}

// TextMessage is a generic human readable push. StatusCode mirrors an HTTP
// status for command failures.
type TextMessage struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// Notification is the union of every server frame, used by clients.
type Notification struct {
	URL           string `json:"url,omitempty"`
	TransactionId string `json:"transactionId,omitempty"`
	ExpiresIn     string `json:"expiresIn,omitempty"`
	Status        string `json:"status,omitempty"`
	Message       string `json:"message,omitempty"`
	StatusCode    int    `json:"statusCode,omitempty"`
}

// IsTerminal reports whether the notification carries a terminal status.
func (n Notification) IsTerminal() bool {
	st, err := domain.ParseStatus(n.Status)
	return err == nil && st.IsTerminal()
}

func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	return cmd, nil
}

func EncodeCommand(cmd Command) []byte {
	return mustMarshal(cmd)
}

func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("malformed notification: %w", err)
	}
	return n, nil
}

// UploadSlotToPayload renders the slot response; expiresIn is whole seconds.
func UploadSlotToPayload(transactionID, url string, ttl time.Duration) []byte {
	return mustMarshal(UploadSlotMessage{
		URL:           url,
		TransactionId: transactionID,
		ExpiresIn:     strconv.Itoa(int(ttl / time.Second)),
	})
}

func StatusToPayload(transactionID string, status domain.TransactionStatus) []byte {
	return mustMarshal(StatusMessage{
		TransactionId: transactionID,
		Status:        string(status),
	})
}

func TextToPayload(message string, statusCode int) []byte {
	return mustMarshal(TextMessage{Message: message, StatusCode: statusCode})
}

// the message types above contain only strings and ints
func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mappers: marshal %T: %v", v, err))
	}
	return data
}
