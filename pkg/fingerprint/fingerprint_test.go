package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	base := Of("https://manuals.example.com/x100.pdf", "service manual body")

	tests := []struct {
		name    string
		url     string
		content string
		same    bool
	}{
		{"identical", "https://manuals.example.com/x100.pdf", "service manual body", true},
		{"trailing slash", "https://manuals.example.com/x100.pdf/", "service manual body", true},
		{"query noise", "https://manuals.example.com/x100.pdf?utm_source=x", "service manual body", true},
		{"case insensitive url", "HTTPS://Manuals.example.com/x100.pdf", "service manual body", true},
		{"padded content", "https://manuals.example.com/x100.pdf", "  service manual body\n", true},
		{"different content", "https://manuals.example.com/x100.pdf", "parts list body", false},
		{"different url", "https://manuals.example.com/x200.pdf", "service manual body", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Of(tt.url, tt.content)
			assert.Len(t, got, 64)
			if tt.same {
				assert.Equal(t, base, got)
			} else {
				assert.NotEqual(t, base, got)
			}
		})
	}
}
