package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		puk     string
		full    string
		cne     string
		reasons []string
	}{
		{"valid 06", "0612345678", "1234", "Amina Benali", "AB123456", nil},
		{"valid 07", "0712345678", "0000", "Amina Benali", "AB123456", nil},
		{"landline", "0512345678", "1234", "n", "c", []string{`invalid phone number "0512345678"`}},
		{"short phone", "061234567", "1234", "n", "c", []string{`invalid phone number "061234567"`}},
		{"puk letters", "0612345678", "12a4", "n", "c", []string{"PUK must be 4 digits"}},
		{"blank name and cne", "0612345678", "1234", " ", "", []string{"name is empty", "CNE is empty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(tt.phone, tt.puk, tt.full, tt.cne)
			if tt.reasons == nil {
				require.NoError(t, err)
				return
			}
			var inputErr *InputError
			require.True(t, errors.As(err, &inputErr))
			require.Equal(t, tt.reasons, inputErr.Reasons)
		})
	}
}
