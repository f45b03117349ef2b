package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRegistry_Validate(t *testing.T) {
	reg, err := NewSchemaRegistry()
	require.NoError(t, err)

	tests := []struct {
		name    string
		typ     Type
		params  Params
		wantErr bool
	}{
		{"task ok", TypeCreateTask, Params{"title": "Call the Hendersons"}, false},
		{"task extra fields allowed", TypeCreateTask, Params{"title": "x", "color": "blue"}, false},
		{"task missing title", TypeCreateTask, Params{"due_date": "2026-10-20"}, true},
		{"task bad priority", TypeCreateTask, Params{"title": "x", "priority": "whenever"}, true},
		{"notification nil params", TypeSendNotification, nil, true},
		{"payment int amount", TypeRequestPayment, Params{"transaction_id": "tx-1", "amount": 2500, "payer": "buyer"}, false},
		{"payment zero amount", TypeRequestPayment, Params{"transaction_id": "tx-1", "amount": 0, "payer": "buyer"}, true},
		{"email with slice extra", TypeSendEmail, Params{"to": "a@b.co", "subject": "Hi", "body": "Hello", "cc": []string{"c@d.co"}}, false},
		{"listing price string", TypeUpdateListing, Params{"listing_id": "L1", "price": "a lot"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.typ, tt.params)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), string(tt.typ))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSchemaRegistry_RegisterAndRemove(t *testing.T) {
	reg, err := NewSchemaRegistry()
	require.NoError(t, err)

	require.Error(t, reg.Register("PING", `{"type": `))

	require.NoError(t, reg.Register("PING", `{"type": "object", "required": ["host"]}`))
	require.Error(t, reg.Validate("PING", Params{}))
	require.NoError(t, reg.Validate("PING", Params{"host": "example.com"}))

	require.NoError(t, reg.Register("PING", ""))
	require.NoError(t, reg.Validate("PING", Params{}))
}

func TestEveryVocabularyTypeHasSchema(t *testing.T) {
	for _, typ := range Vocabulary() {
		_, ok := payloadSchemas[typ]
		assert.True(t, ok, "missing payload schema for %s", typ)
	}
}

func TestStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("DONE").Valid())

	assert.True(t, StatusExecuted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.False(t, StatusApproved.IsTerminal())
	assert.False(t, StatusPendingApproval.IsTerminal())

	got, err := ParseStatus("pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, got)

	got, err = ParseStatus("executed")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got)

	_, err = ParseStatus("bogus")
	require.Error(t, err)
}

func TestProposalClone(t *testing.T) {
	p := &Proposal{ID: "a1", Params: Params{"title": "x"}}
	c := p.Clone()
	c.Params["title"] = "y"
	assert.Equal(t, "x", p.Params["title"])
	assert.False(t, p.Resolved())

	var nilP *Proposal
	assert.Nil(t, nilP.Clone())
}
