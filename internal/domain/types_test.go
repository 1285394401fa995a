package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIDJSON(t *testing.T) {
	tests := []struct {
		id   UserID
		wire string
	}{
		{"1712345678", `1712345678`},
		{"-5", `-5`},
		{"007", `"007"`},
		{"99999999999999999999", `"99999999999999999999"`},
		{"u-42", `"u-42"`},
		{"7c9e6679-7425-40de-944b-e07fc1f90ae7", `"7c9e6679-7425-40de-944b-e07fc1f90ae7"`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.wire, string(data))

		var back UserID
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, tt.id, back)
	}

	var id UserID
	assert.ErrorIs(t, json.Unmarshal([]byte(`true`), &id), ErrInvalidInput)
	require.NoError(t, json.Unmarshal([]byte(`null`), &id))
	assert.Empty(t, id)
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("1712345678"))
	assert.NoError(t, ValidateSessionID(NewSessionID()))
	assert.ErrorIs(t, ValidateSessionID("bad id"), ErrInvalidInput)
	assert.ErrorIs(t, ValidateSessionID(""), ErrInvalidInput)
}
