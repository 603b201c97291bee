package textproc

import "testing"

func TestProcessExpandsPlaceholders(t *testing.T) {
	p := NewProcessor("Jane", "Joe")
	got := p.Process("  *interrupts {{Bot}}* hey {{user}}  ")
	if got != "*interrupts Jane* hey Joe" {
		t.Fatalf("unexpected processed text %q", got)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello there", "Hello there."},
		{"1) Hello there.", "Hello there."},
		{"- Sure! *smiles* I can do that. And th", "Sure!  I can do that."},
		{`"Quoted reply."`, "Quoted reply."},
		{"Emoji 🙂 removed.", "Emoji  removed."},
		{"Café au lait.", "Café au lait."},
		{"***", ""},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
