package origin

import (
	"errors"
	"testing"
)

func TestFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want Origin
	}{
		{"http://app1.local:9000/index.html", "app1.local:9000"},
		{"https://App1.Local:9000/other?x=1#frag", "app1.local:9000"},
		{"ws://app1.local:9000", "app1.local:9000"},
		{"http://app1.local/", "app1.local:80"},
		{"http://app1.local:80/", "app1.local:80"},
		{"https://app1.local", "app1.local:443"},
		{"http://user:pw@app1.local:9000/", "app1.local:9000"},
		{"app1.local:9000", "app1.local:9000"},
		{"http://[::1]:9000/", "[::1]:9000"},
		{"custom://host/", "host:"},
	}
	for _, tt := range tests {
		got, err := FromURL(tt.in)
		if err != nil {
			t.Fatalf("FromURL(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("FromURL(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromURLErrors(t *testing.T) {
	if _, err := FromURL("http:///path"); !errors.Is(err, ErrNoHost) {
		t.Fatalf("expected ErrNoHost, got %v", err)
	}
	if _, err := FromURL("no-port-here"); err == nil {
		t.Fatalf("expected error for bare host without port")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("Must did not panic on a url without origin")
		}
	}()
	Must("::bad")
}

func TestSameOriginRegardlessOfPath(t *testing.T) {
	a := Must("http://svc.local:7000/apps/one")
	b := Must("http://svc.local:7000/apps/two")
	if a != b {
		t.Fatalf("%q != %q", a, b)
	}
	if a == Must("http://svc.local:7001/apps/one") {
		t.Fatalf("different ports must differ")
	}
}
