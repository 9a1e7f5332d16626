package urls

import "testing"

func TestPairingLink(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		id      string
		want    string
		wantErr bool
	}{
		{name: "https base", base: "https://rtc2.example/", id: "abc", want: "https://rtc2.example/#abc"},
		{name: "replaces fragment", base: "https://rtc2.example/#old", id: "new", want: "https://rtc2.example/#new"},
		{name: "default base", base: "", id: "abc", want: "rtc2://pair/#abc"},
		{name: "empty id", base: "https://rtc2.example/", id: "", wantErr: true},
		{name: "bad base", base: "://nope", id: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PairingLink(tt.base, tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PairingLink() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("PairingLink() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePairingTarget(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "full link", input: "https://rtc2.example/#abc-123", want: "abc-123", wantOK: true},
		{name: "custom scheme", input: "rtc2://pair/#abc", want: "abc", wantOK: true},
		{name: "bare id", input: "abc-123", want: "abc-123", wantOK: true},
		{name: "bare id with spaces", input: "  abc  ", want: "abc", wantOK: true},
		{name: "empty fragment", input: "https://rtc2.example/#", want: "", wantOK: false},
		{name: "no fragment", input: "https://rtc2.example/", want: "", wantOK: false},
		{name: "empty", input: "", want: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParsePairingTarget(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParsePairingTarget(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPairingLinkRoundTrip(t *testing.T) {
	link, err := PairingLink("https://rtc2.example/app", "0b6e7d4a-1111-2222-3333-444455556666")
	if err != nil {
		t.Fatalf("PairingLink() error = %v", err)
	}
	got, ok := ParsePairingTarget(link)
	if !ok || got != "0b6e7d4a-1111-2222-3333-444455556666" {
		t.Errorf("ParsePairingTarget(PairingLink()) = (%q, %v)", got, ok)
	}
}
