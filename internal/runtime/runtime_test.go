package runtime

import "testing"

func TestSpeechRoute(t *testing.T) {
	cases := map[string]string{
		"/speech":                    "/speech/",
		"/speech/":                   "/speech/",
		"/static/audio":              "/static/audio/",
		"https://cdn.example/speech": "",
		"speech":                     "",
	}
	for in, want := range cases {
		if got := speechRoute(in); got != want {
			t.Fatalf("speechRoute(%q) = %q, want %q", in, got, want)
		}
	}
}
