package conflict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"server_wins", "CLIENT_WINS", " merge ", "manual"} {
		_, err := ParseStrategy(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseStrategy("last_write_wins")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestAutomatic(t *testing.T) {
	assert.True(t, ServerWins.Automatic())
	assert.True(t, ClientWins.Automatic())
	assert.False(t, Merge.Automatic())
	assert.False(t, Manual.Automatic())
}

func TestPolicy(t *testing.T) {
	p, err := NewPolicy("server_wins", map[string]string{"party": "client_wins"})
	require.NoError(t, err)

	assert.Equal(t, ClientWins, p.For(models.EntityParty))
	assert.Equal(t, ServerWins, p.For(models.EntitySale))
	assert.Equal(t, Manual, Policy{}.For(models.EntitySale))
	assert.Equal(t, Manual, DefaultPolicy().For(models.EntityProduct))

	_, err = NewPolicy("", map[string]string{"sale": "nope"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	_, err = NewPolicy("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestMergeFields(t *testing.T) {
	out, err := MergeFields(
		json.RawMessage(`{"id":"9","name":"Server","phone":"111"}`),
		json.RawMessage(`{"id":"9","name":"Local"}`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"9","name":"Local","phone":"111"}`, string(out))

	out, err = MergeFields(nil, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = MergeFields(json.RawMessage(`[`), json.RawMessage(`{}`))
	assert.Error(t, err)
}
