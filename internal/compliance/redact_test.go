package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactContact(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"email", "send results to jane@example.com please", "send results to [EMAIL] please"},
		{"phone", "call me back at (330) 333-2654", "call me back at[PHONE]"},
		{"phone with plus", "my number is +15005550002", "my number is [PHONE]"},
		{"clinical text kept", "pain 7/10 since 2024-03-01, BP 140/90", "pain 7/10 since 2024-03-01, BP 140/90"},
		{"blank", "  ", "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, RedactContact(tt.input))
		})
	}
}
