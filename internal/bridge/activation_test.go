package bridge

import "testing"

func TestContainsTrigger(t *testing.T) {
	// "café" with a combining accent vs the precomposed form.
	decomposed := "cafe\u0301 promo"
	composed := "caf\u00e9 promo"

	tests := []struct {
		name    string
		msgs    []string
		trigger string
		want    bool
	}{
		{"plain match", []string{"use code PROMO10 today"}, "PROMO10", true},
		{"no match", []string{"hello there"}, "PROMO10", false},
		{"match in later message", []string{"hi", "ok", "code PROMO10"}, "PROMO10", true},
		{"nfc match across forms", []string{decomposed}, composed, true},
		{"nfc match reversed forms", []string{composed}, decomposed, true},
		{"empty transcript", nil, "PROMO10", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containsTrigger(tt.msgs, tt.trigger); got != tt.want {
				t.Errorf("containsTrigger(%q, %q) = %v, want %v", tt.msgs, tt.trigger, got, tt.want)
			}
		})
	}
}
