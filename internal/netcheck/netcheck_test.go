package netcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"classattend/internal/attendance"
)

func TestSubnetCheckerAllow(t *testing.T) {
	tests := []struct {
		name    string
		session string
		client  string
		want    bool
	}{
		{name: "empty client", session: "10.0.0.1", client: "", want: false},
		{name: "empty session", session: "", client: "10.0.0.1", want: false},
		{name: "exact", session: "10.0.0.1", client: "10.0.0.1", want: true},
		{name: "same /24", session: "10.0.0.1", client: "10.0.0.200", want: true},
		{name: "other /24", session: "10.0.0.1", client: "10.0.1.1", want: false},
		{name: "mapped v4", session: "10.0.0.1", client: "::ffff:10.0.0.9", want: true},
		{name: "same /64", session: "2001:db8::1", client: "2001:db8::abcd", want: true},
		{name: "other /64", session: "2001:db8::1", client: "2001:db8:0:1::1", want: false},
		{name: "mixed families", session: "10.0.0.1", client: "2001:db8::1", want: false},
		{name: "opaque exact", session: "campus-wifi", client: "campus-wifi", want: true},
		{name: "opaque mismatch", session: "campus-wifi", client: "home", want: false},
	}
	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Allow(attendance.Session{NetworkID: tt.session}, tt.client)
			assert.Equal(t, tt.want, got)
		})
	}
}
