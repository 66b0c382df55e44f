package mappers

import (
	"testing"
	"time"

	"invoiceimport/internal/importer/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadSlotToPayload(t *testing.T) {
	payload := UploadSlotToPayload("t1", "http://u/uploads/t1?sig=x", 2*time.Minute)
	assert.JSONEq(t, `{"url":"http://u/uploads/t1?sig=x","transactionId":"t1","expiresIn":"120"}`, string(payload))
}

func TestStatusToPayloadUsesWireValues(t *testing.T) {
	payload := StatusToPayload("t2", domain.StatusNonValid)
	assert.JSONEq(t, `{"transactionId":"t2","status":"NON_VALID_INVOICE_NUMBER"}`, string(payload))

	n, err := DecodeNotification(payload)
	require.NoError(t, err)
	assert.True(t, n.IsTerminal())

	n, err = DecodeNotification(StatusToPayload("t2", domain.StatusReceived))
	require.NoError(t, err)
	assert.False(t, n.IsTerminal())
}

func TestTextToPayloadOmitsZeroStatusCode(t *testing.T) {
	assert.JSONEq(t, `{"message":"hi"}`, string(TextToPayload("hi", 0)))
	assert.JSONEq(t, `{"message":"no","statusCode":417}`, string(TextToPayload("no", 417)))
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"cancelImport","transactionId":"t3"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionCancelImport, cmd.Action)
	assert.Equal(t, "t3", cmd.TransactionId)

	_, err = ParseCommand([]byte(`{"action":`))
	assert.Error(t, err)

	assert.JSONEq(t, `{"action":"getImportUrl"}`, string(EncodeCommand(Command{Action: ActionGetImportURL})))
}
